// Package sandbox implements the SandboxDriver contract (spec component
// C2): the lifecycle of one container-backed agent sandbox per session,
// driven entirely through the docker CLI via os/exec.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// labelKey is applied to every sandbox container so it can be discovered
// by list_with_label / reap_exited without tracking state in-process.
const labelKey = "sessiond.session"

// Info describes a container discovered via ListWithLabel.
type Info struct {
	Handle    string
	SessionID string
	Running   bool
}

// CreateOptions configures a new sandbox container.
type CreateOptions struct {
	SessionID    string
	WorktreePath string
	ServerPort   int // control-plane port so the bridge can dial back
	Image        string
	Network      string
	CPULimit     string // e.g. "2"
	MemoryMB     int
	CredDir      string            // optional, read-only mounted if set
	Env          map[string]string // secret overlay + LLM API keys
}

// Driver implements the SandboxDriver contract by shelling out to docker.
type Driver struct {
	runDocker func(ctx context.Context, args ...string) (string, error)
}

// NewDriver creates a docker-backed Driver.
func NewDriver() *Driver {
	return &Driver{runDocker: runDocker}
}

// HealthCheck verifies the docker daemon is reachable.
func (d *Driver) HealthCheck(ctx context.Context) error {
	if _, err := d.runDocker(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// CreateSandbox creates (or idempotently reuses) the container for a
// session. If a container with the derived name already exists and is
// running, its handle is returned unchanged. If it exists but is stopped,
// it is removed and a fresh container is created.
func (d *Driver) CreateSandbox(ctx context.Context, opts CreateOptions) (string, error) {
	name := containerName(opts.SessionID)

	running, err := d.containerState(ctx, name)
	if err == nil {
		if running {
			return name, nil
		}
		// Stale, stopped container from a prior spawn attempt: clear it.
		_, _ = d.runDocker(ctx, "rm", "-f", name)
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelKey + "=" + opts.SessionID,
		"-v", opts.WorktreePath + ":/workspace",
	}

	cpuLimit := opts.CPULimit
	if cpuLimit == "" {
		cpuLimit = "2"
	}
	memMB := opts.MemoryMB
	if memMB <= 0 {
		memMB = 4096
	}
	args = append(args, "--cpus", cpuLimit, "--memory", strconv.Itoa(memMB)+"m")

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.CredDir != "" {
		args = append(args, "-v", opts.CredDir+":/creds:ro")
	}

	envVars := map[string]string{
		"SESSIOND_SESSION_ID":  opts.SessionID,
		"SESSIOND_SERVER_PORT": strconv.Itoa(opts.ServerPort),
		"SESSIOND_BRIDGE_URL":  fmt.Sprintf("ws://host.docker.internal:%d/ws?type=sandbox&session=%s", opts.ServerPort, opts.SessionID),
	}
	for k, v := range opts.Env {
		envVars[k] = v
	}
	for k, v := range envVars {
		args = append(args, "-e", k+"="+v)
	}

	image := opts.Image
	if image == "" {
		image = "sessiond-sandbox"
	}
	args = append(args, image)

	if _, err := d.runDocker(ctx, args...); err != nil {
		return "", fmt.Errorf("creating sandbox container: %w", err)
	}
	return name, nil
}

// Stop sends SIGTERM (via docker stop) and waits up to grace before the
// container is force-killed.
func (d *Driver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if seconds <= 0 {
		seconds = 10
	}
	_, err := d.runDocker(ctx, "stop", "-t", strconv.Itoa(seconds), handle)
	if err != nil {
		return fmt.Errorf("stopping sandbox %s: %w", handle, err)
	}
	return nil
}

// Remove force-removes a container, ignoring "already gone" errors.
func (d *Driver) Remove(ctx context.Context, handle string) error {
	if _, err := d.runDocker(ctx, "rm", "-f", handle); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("removing sandbox %s: %w", handle, err)
	}
	return nil
}

// IsRunning reports whether the container is currently running.
func (d *Driver) IsRunning(ctx context.Context, handle string) (bool, error) {
	return d.containerState(ctx, handle)
}

func (d *Driver) containerState(ctx context.Context, handle string) (running bool, err error) {
	out, err := d.runDocker(ctx, "inspect", "-f", "{{.State.Running}}", handle)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// Logs returns the last `tail` lines of container output.
func (d *Driver) Logs(ctx context.Context, handle string, tail int) (string, error) {
	if tail <= 0 {
		tail = 200
	}
	out, err := d.runDocker(ctx, "logs", "--tail", strconv.Itoa(tail), handle)
	if err != nil {
		return "", fmt.Errorf("fetching logs for %s: %w", handle, err)
	}
	return out, nil
}

// ListWithLabel lists all sandbox containers tagged with the sessiond
// label, running or not.
func (d *Driver) ListWithLabel(ctx context.Context) ([]Info, error) {
	out, err := d.runDocker(ctx, "ps", "-a",
		"--filter", "label="+labelKey,
		"--format", "{{.ID}}\t{{.Label \""+labelKey+"\"}}\t{{.State}}",
	)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}

	var infos []Info
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		infos = append(infos, Info{
			Handle:    fields[0],
			SessionID: fields[1],
			Running:   fields[2] == "running",
		})
	}
	return infos, nil
}

// ReapExited removes every stopped sandbox container and returns how many
// were removed.
func (d *Driver) ReapExited(ctx context.Context) (int, error) {
	infos, err := d.ListWithLabel(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, info := range infos {
		if info.Running {
			continue
		}
		if err := d.Remove(ctx, info.Handle); err != nil {
			return count, fmt.Errorf("reaping %s: %w", info.Handle, err)
		}
		count++
	}
	return count, nil
}

// EnsureNetwork creates the sandbox network if it doesn't already exist.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.runDocker(ctx, "network", "inspect", name); err == nil {
		return nil
	}
	if _, err := d.runDocker(ctx, "network", "create", name); err != nil {
		return fmt.Errorf("creating network %q: %w", name, err)
	}
	return nil
}

func containerName(sessionID string) string {
	return "sessiond-" + sessionID
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
