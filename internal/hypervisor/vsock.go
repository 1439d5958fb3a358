package hypervisor

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// vsockCIDBase is added to a service's instance ID to derive its vsock CID;
// 0 is the hypervisor, 1 is loopback, 2 is the host (spec §4.4 step 2).
const vsockCIDBase = 3

// instanceCID computes the globally-unique-per-host vsock CID for a
// running service.
func instanceCID(instanceID uint32) uint32 {
	return instanceID + vsockCIDBase
}

// controlVsockPort is the fixed port the guest launcher's control agent
// listens on for host-initiated health/status queries.
const controlVsockPort = 9000

// VsockBridge owns the host side of one service's vsock control channel.
// Cloud Hypervisor multiplexes the guest's AF_VSOCK traffic onto a single
// UNIX control socket; the bridge speaks that multiplexing handshake for
// dialing out to the guest. It has no native AF_VSOCK listener of its own;
// the package-level ListenNative covers hosts whose kernel is itself
// vsock-capable (nested virtualization test harnesses).
type VsockBridge struct {
	socketPath string
	cid        uint32
}

// NewVsockBridge returns a bridge bound to the given CID and Cloud
// Hypervisor control-socket path.
func NewVsockBridge(socketPath string, instanceID uint32) *VsockBridge {
	return &VsockBridge{socketPath: socketPath, cid: instanceCID(instanceID)}
}

// CID is the vsock context ID assigned to this service's VM.
func (b *VsockBridge) CID() uint32 { return b.cid }

// DialGuest opens a stream to the guest's control agent by performing
// Cloud Hypervisor's UNIX-socket vsock multiplexing handshake:
// "CONNECT <port>\n" followed by an "OK <assigned-port>\n" reply.
func (b *VsockBridge) DialGuest(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", b.socketPath)
	if err != nil {
		return nil, apperrors.Hypervisor("failed to dial vsock bridge socket", err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", controlVsockPort); err != nil {
		conn.Close()
		return nil, apperrors.Hypervisor("vsock CONNECT handshake write failed", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, apperrors.Hypervisor("vsock CONNECT handshake read failed", err)
	}
	if len(line) < 2 || line[:2] != "OK" {
		conn.Close()
		return nil, apperrors.Hypervisor(fmt.Sprintf("vsock CONNECT rejected: %q", line), nil)
	}
	return conn, nil
}

// ListenNative opens a native AF_VSOCK listener on port, on the host's own
// context ID rather than any bridge's CID; it is used only when the host kernel itself supports AF_VSOCK (nested test
// harnesses); production hosts rely on DialGuest against the Cloud
// Hypervisor control socket instead.
func ListenNative(port uint32) (*vsock.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, apperrors.Hypervisor("failed to open native vsock listener", err)
	}
	return l, nil
}
