// Package hypervisor spawns and supervises one Cloud Hypervisor VM per
// running service instance: FAT-formatted binary/cloud-init disks, a
// vsock control bridge, TAP networking, and a graceful shutdown sequence.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// Client is the subset of cloud-hypervisor's REST API this package drives
// a VM's lifecycle through. Exported so Supervisor can accept a fake in
// tests without dialing a real control socket.
type Client interface {
	Ping(ctx context.Context) error
	CreateVM(ctx context.Context, cfg VMConfig) error
	BootVM(ctx context.Context) error
	PowerButton(ctx context.Context) error
	VMInfo(ctx context.Context) (VMInfo, error)
	ShutdownVMM(ctx context.Context) error
}

// apiClient talks to cloud-hypervisor's REST API over its control unix
// socket. Cloud Hypervisor doesn't ship a Go SDK, so this speaks its wire
// protocol directly rather than fabricating a vendored binding.
type apiClient struct {
	http *http.Client
}

// NewClient constructs a Client bound to a cloud-hypervisor control socket.
func NewClient(sockPath string) Client {
	return newAPIClient(sockPath)
}

func newAPIClient(sockPath string) *apiClient {
	return &apiClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *apiClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/vmm.ping", nil)
	if err != nil {
		return apperrors.Hypervisor("cloud-hypervisor control socket unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Hypervisor(fmt.Sprintf("vmm.ping returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *apiClient) CreateVM(ctx context.Context, cfg VMConfig) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/vm.create", cfg)
	if err != nil {
		return apperrors.Hypervisor("vm.create request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Hypervisor(fmt.Sprintf("vm.create returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *apiClient) BootVM(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/vm.boot", nil)
	if err != nil {
		return apperrors.Hypervisor("vm.boot request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Hypervisor(fmt.Sprintf("vm.boot returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *apiClient) PowerButton(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/vm.power-button", nil)
	if err != nil {
		return apperrors.Hypervisor("vm.power-button request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Hypervisor(fmt.Sprintf("vm.power-button returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// VMInfo is the subset of cloud-hypervisor's vm.info response this
// package consumes.
type VMInfo struct {
	State      string `json:"state"`
	MemoryMiB  uint64 `json:"memory_actual_size,omitempty"`
}

// errNotFound signals cloud-hypervisor reporting no VM exists (HTTP 404),
// the terminal condition the shutdown poll loop waits for.
var errNotFound = apperrors.NotFound("no vm present on this control socket")

func (c *apiClient) VMInfo(ctx context.Context) (VMInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/vm.info", nil)
	if err != nil {
		return VMInfo{}, apperrors.Hypervisor("vm.info request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return VMInfo{}, errNotFound
	}
	if resp.StatusCode >= 300 {
		return VMInfo{}, apperrors.Hypervisor(fmt.Sprintf("vm.info returned status %d", resp.StatusCode), nil)
	}
	var info VMInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return VMInfo{}, apperrors.Hypervisor("failed to decode vm.info response", err)
	}
	return info, nil
}

func (c *apiClient) ShutdownVMM(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/vmm.shutdown", nil)
	if err != nil {
		return apperrors.Hypervisor("vmm.shutdown request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Hypervisor(fmt.Sprintf("vmm.shutdown returned status %d", resp.StatusCode), nil)
	}
	return nil
}
