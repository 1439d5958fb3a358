package hypervisor

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// Lease is a RAII-style IP-address reservation returned by NetworkManager.
// Exactly one TAP interface is associated with a Lease; Release frees both
// the address and the interface for reuse and must be called on every VM
// teardown path, success or failure (spec §9 "scoped resource release").
type Lease struct {
	nm      *NetworkManager
	tap     string
	addr    net.IP
	release sync.Once
}

// TapName is the host-side TAP interface name bound to this lease.
func (l *Lease) TapName() string { return l.tap }

// Addr is the guest-side IP address assigned to the TAP interface.
func (l *Lease) Addr() net.IP { return l.addr }

// Release returns the lease's address and interface to the pool. Safe to
// call multiple times; only the first call has effect.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.nm.release(l)
	})
}

// TapCreator creates and destroys host-side TAP interfaces. The concrete
// implementation (netlink ioctls, `ip tuntap`) is platform-specific and
// therefore injected; NetworkManager owns only allocation bookkeeping.
type TapCreator interface {
	CreateTap(ctx context.Context, name string) error
	DeleteTap(ctx context.Context, name string) error
}

// NetworkManager hands out per-service TAP interfaces and guest IP leases
// from a private /16, one guest address per lease taken from consecutive
// slots of that /16 (spec §4.4
// step 2: "request a TAP interface from the NetworkManager").
type NetworkManager struct {
	mu       sync.Mutex
	creator  TapCreator
	prefix   string // e.g. "10.200" -- third/fourth octets are per-lease
	next     uint16
	leased   map[uint16]*Lease
	leasedBy map[string]uint16
}

// NewNetworkManager constructs a manager allocating addresses under
// 10.200.0.0/16 by default when prefix is empty.
func NewNetworkManager(creator TapCreator, prefix string) *NetworkManager {
	if prefix == "" {
		prefix = "10.200"
	}
	return &NetworkManager{
		creator:  creator,
		prefix:   prefix,
		leased:   make(map[uint16]*Lease),
		leasedBy: make(map[string]uint16),
	}
}

// NewTapInterface allocates a fresh lease and its backing TAP device for
// the given per-service instance ID, returning (lease, tapName).
func (m *NetworkManager) NewTapInterface(ctx context.Context, instanceID uint32) (*Lease, string, error) {
	m.mu.Lock()
	var slot uint16
	for {
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, taken := m.leased[m.next]; !taken {
			slot = m.next
			break
		}
	}
	tap := fmt.Sprintf("bp-tap%d", instanceID)
	addr := net.ParseIP(fmt.Sprintf("%s.%d.%d", m.prefix, slot>>8, slot&0xff))
	lease := &Lease{nm: m, tap: tap, addr: addr}
	m.leased[slot] = lease
	m.leasedBy[tap] = slot
	m.mu.Unlock()

	if m.creator != nil {
		if err := m.creator.CreateTap(ctx, tap); err != nil {
			m.mu.Lock()
			delete(m.leased, slot)
			delete(m.leasedBy, tap)
			m.mu.Unlock()
			return nil, "", apperrors.Hypervisor("failed to create TAP interface", err)
		}
	}
	return lease, tap, nil
}

func (m *NetworkManager) release(l *Lease) {
	m.mu.Lock()
	slot, ok := m.leasedBy[l.tap]
	if ok {
		delete(m.leased, slot)
		delete(m.leasedBy, l.tap)
	}
	m.mu.Unlock()

	if ok && m.creator != nil {
		_ = m.creator.DeleteTap(context.Background(), l.tap)
	}
}
