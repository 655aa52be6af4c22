package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// FirecrackerClient drives one or more Firecracker processes over
// their per-VM API sockets, exactly the way oriys-nova's
// firecracker.Manager does (exec the binary with --api-sock, then PUT
// JSON resources to configure it before InstanceStart).
type FirecrackerClient struct {
	executable  string
	bootTimeout time.Duration
	log         zerolog.Logger

	mu   sync.Mutex
	procs map[string]*runningVM
}

type runningVM struct {
	cmd    *exec.Cmd
	client *http.Client
}

// NewFirecrackerClient builds a client that launches executable per VM
// with an API-socket wait bound by bootTimeout.
func NewFirecrackerClient(executable string, bootTimeout time.Duration, log zerolog.Logger) *FirecrackerClient {
	return &FirecrackerClient{
		executable:  executable,
		bootTimeout: bootTimeout,
		log:         log,
		procs:       make(map[string]*runningVM),
	}
}

// Create launches the Firecracker process bound to cfg.SocketPath and
// waits for the API socket to accept connections.
func (c *FirecrackerClient) Create(ctx context.Context, cfg VMConfig) error {
	_ = os.Remove(cfg.SocketPath)
	_ = os.Remove(cfg.VsockPath)

	cmd := exec.CommandContext(ctx, c.executable, "--api-sock", cfg.SocketPath)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start firecracker: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", cfg.SocketPath)
			},
		},
	}

	if err := c.waitForSocket(ctx, cfg.SocketPath, cmd.Process); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("wait api socket: %w", err)
	}

	c.mu.Lock()
	c.procs[cfg.ID] = &runningVM{cmd: cmd, client: httpClient}
	c.mu.Unlock()
	return nil
}

// Start configures and boots the guest via the Firecracker REST API.
func (c *FirecrackerClient) Start(ctx context.Context, cfg VMConfig) error {
	vm, ok := c.vmFor(cfg.ID)
	if !ok {
		return fmt.Errorf("vmm: unknown vm %s", cfg.ID)
	}

	bootArgs := "console=ttyS0 reboot=k panic=1 pci=off"
	if err := c.apiCall(ctx, vm, "PUT", "/boot-source", map[string]any{
		"kernel_image_path": cfg.KernelPath,
		"boot_args":         bootArgs,
	}); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	if err := c.apiCall(ctx, vm, "PUT", "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   cfg.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return fmt.Errorf("drive rootfs: %w", err)
	}

	if err := c.apiCall(ctx, vm, "PUT", "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"guest_mac":     cfg.GuestMAC,
		"host_dev_name": cfg.TapDevice,
	}); err != nil {
		return fmt.Errorf("network interface: %w", err)
	}

	if err := c.apiCall(ctx, vm, "PUT", "/vsock", map[string]any{
		"guest_cid": cfg.VsockCID,
		"uds_path":  cfg.VsockPath,
	}); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	vcpus := cfg.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	if err := c.apiCall(ctx, vm, "PUT", "/machine-config", map[string]any{
		"vcpu_count":   vcpus,
		"mem_size_mib": cfg.MemoryMB,
	}); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	if err := c.apiCall(ctx, vm, "PUT", "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		return fmt.Errorf("instance start: %w", err)
	}

	return nil
}

// Stop requests a graceful shutdown, falling back to Kill if the
// process does not exit within two seconds.
func (c *FirecrackerClient) Stop(ctx context.Context, id string) error {
	vm, ok := c.vmFor(id)
	if !ok {
		return nil
	}

	_ = c.apiCall(ctx, vm, "PUT", "/actions", map[string]any{
		"action_type": "SendCtrlAltDel",
	})

	done := make(chan struct{})
	go func() {
		_ = vm.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Kill(id)
		<-done
	}

	c.mu.Lock()
	delete(c.procs, id)
	c.mu.Unlock()
	return nil
}

// Kill forcibly terminates the monitor process for id. Safe on an
// unknown or already-gone id.
func (c *FirecrackerClient) Kill(id string) {
	c.mu.Lock()
	vm, ok := c.procs[id]
	delete(c.procs, id)
	c.mu.Unlock()
	if !ok || vm.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-vm.cmd.Process.Pid, syscall.SIGKILL)
}

// VsockPath is unused by FirecrackerClient: the pipeline computes the
// back-channel path itself from VMConfig.VsockPath (spec §4.D), so
// this always returns "".
func (c *FirecrackerClient) VsockPath(id string) string { return "" }

// IsRunning reports whether id's Firecracker process is still tracked
// and its process group is signalable.
func (c *FirecrackerClient) IsRunning(id string) bool {
	vm, ok := c.vmFor(id)
	if !ok || vm.cmd.Process == nil {
		return false
	}
	return vm.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (c *FirecrackerClient) vmFor(id string) (*runningVM, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.procs[id]
	return vm, ok
}

func (c *FirecrackerClient) waitForSocket(ctx context.Context, path string, proc *os.Process) error {
	deadline := time.Now().Add(c.bootTimeout)
	for time.Now().Before(deadline) {
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("firecracker exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("socket timeout: %s", path)
}

func (c *FirecrackerClient) apiCall(ctx context.Context, vm *runningVM, method, path string, body any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := vm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker api %s %s: %d: %s", method, path, resp.StatusCode, b)
	}
	return nil
}
