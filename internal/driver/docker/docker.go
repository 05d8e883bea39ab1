// Package docker implements driver.Driver against the Docker Engine API,
// reusing the teacher's client construction and container-lifecycle idioms
// (internal/docker in sandkasten) but replacing the docker-exec runner
// protocol with the three-mode endpoint resolution the original Python
// implementation's DockerDriver performs (original_source/pkgs/bay/app/
// drivers/docker/docker.py): container_network, host_port, or auto.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/driver"
)

const labelPrefix = "bay."

// WorkspaceMountPath is the fixed in-container mount point for a sandbox's
// workspace volume.
const WorkspaceMountPath = "/workspace"

// Driver is a driver.Driver backed by the Docker Engine API.
type Driver struct {
	docker *client.Client
	cfg    config.DriverConfig
}

// New dials the Docker daemon using the standard environment (DOCKER_HOST,
// DOCKER_TLS_VERIFY, ...), matching the teacher's internal/docker.New.
func New(cfg config.DriverConfig) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Driver{docker: cli, cfg: cfg}, nil
}

// Close releases the underlying Docker client connection.
func (d *Driver) Close() error {
	return d.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.docker.Ping(ctx)
	return err
}

func (d *Driver) networkExists(ctx context.Context, name string) (bool, error) {
	_, err := d.docker.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Driver) Create(ctx context.Context, spec driver.CreateSpec) (string, error) {
	labels := map[string]string{
		labelPrefix + "managed":      "true",
		labelPrefix + "sandbox_id":   spec.SandboxID,
		labelPrefix + "session_id":   spec.SessionID,
		labelPrefix + "workspace_id": spec.WorkspaceID,
		labelPrefix + "profile_id":   spec.ProfileID,
		labelPrefix + "runtime_port": strconv.Itoa(spec.RuntimePort),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(spec.Env)+3)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"SESSION_ID="+spec.SessionID,
		"SANDBOX_ID="+spec.SandboxID,
		"WORKSPACE_PATH="+WorkspaceMountPath,
	)

	resources := container.Resources{
		NanoCPUs:  int64(spec.CPUCores * 1e9),
		Memory:    int64(spec.MemoryMB) * 1024 * 1024,
		PidsLimit: int64Ptr(int64(spec.PidsLimit)),
	}

	hostCfg := &container.HostConfig{
		Resources: resources,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: spec.WorkspaceRef,
				Target: WorkspaceMountPath,
			},
			{
				Type: mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 512 * units.MiB,
				},
			},
		},
	}

	// Resolve network mode: if the configured network doesn't exist, omit
	// NetworkMode and fall back to the engine default (matches the Python
	// driver's warn-and-fallback behavior rather than failing creation).
	networkMode := ""
	if d.cfg.NetworkName != "" && (d.cfg.NetworkMode == "container_network" || d.cfg.NetworkMode == "auto") {
		ok, err := d.networkExists(ctx, d.cfg.NetworkName)
		if err != nil {
			return "", fmt.Errorf("checking network %s: %w", d.cfg.NetworkName, err)
		}
		if ok {
			networkMode = d.cfg.NetworkName
		}
	}
	if networkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(networkMode)
	}

	exposedPort := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))
	exposedPorts := nat.PortSet{exposedPort: struct{}{}}

	publish := d.cfg.PublishPorts && (d.cfg.NetworkMode == "host_port" || d.cfg.NetworkMode == "auto")
	if publish {
		hostPortStr := ""
		if d.cfg.HostPort != 0 {
			hostPortStr = strconv.Itoa(d.cfg.HostPort)
		}
		hostCfg.PortBindings = nat.PortMap{
			exposedPort: {
				{HostIP: "0.0.0.0", HostPort: hostPortStr},
			},
		}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "bay-session-"+spec.SessionID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (d *Driver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if err := d.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}

	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}

	return d.resolveEndpoint(info, runtimePort), nil
}

// resolveEndpoint implements the container_network / host_port / auto
// strategy: prefer the container's network IP, fall back to its published
// host port, finally fall back to its container name.
func (d *Driver) resolveEndpoint(info container.InspectResponse, runtimePort int) string {
	mode := d.cfg.NetworkMode

	if mode == "container_network" || mode == "auto" {
		if ip := d.resolveContainerIP(info); ip != "" {
			return fmt.Sprintf("http://%s:%d", ip, runtimePort)
		}
	}

	if mode == "host_port" || mode == "auto" {
		if host, port, ok := d.resolveHostPort(info, runtimePort); ok {
			return fmt.Sprintf("http://%s:%d", host, port)
		}
	}

	name := strings.TrimPrefix(info.Name, "/")
	return fmt.Sprintf("http://%s:%d", name, runtimePort)
}

func (d *Driver) resolveContainerIP(info container.InspectResponse) string {
	if info.NetworkSettings == nil || len(info.NetworkSettings.Networks) == 0 {
		return ""
	}
	if d.cfg.NetworkName != "" {
		if ep, ok := info.NetworkSettings.Networks[d.cfg.NetworkName]; ok && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

func (d *Driver) resolveHostPort(info container.InspectResponse, runtimePort int) (string, int, bool) {
	if info.NetworkSettings == nil {
		return "", 0, false
	}
	key := nat.Port(fmt.Sprintf("%d/tcp", runtimePort))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", 0, false
	}

	b0 := bindings[0]
	hostPort, err := strconv.Atoi(b0.HostPort)
	if err != nil || hostPort == 0 {
		return "", 0, false
	}

	hostIP := strings.TrimSpace(b0.HostIP)
	if hostIP == "" || hostIP == "0.0.0.0" || hostIP == "::" {
		hostIP = d.cfg.HostAddress
	}
	return hostIP, hostPort, true
}

func (d *Driver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (d *Driver) Destroy(ctx context.Context, containerID string) error {
	err := d.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *Driver) Status(ctx context.Context, containerID string, runtimePort int) (driver.ContainerInfo, error) {
	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.ContainerInfo{ContainerID: containerID, Status: driver.StatusNotFound}, nil
		}
		return driver.ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}

	var status driver.Status
	switch info.State.Status {
	case "running":
		status = driver.StatusRunning
	case "created":
		status = driver.StatusCreated
	case "exited", "dead":
		status = driver.StatusExited
	case "removing":
		status = driver.StatusRemoving
	default:
		status = driver.StatusExited
	}

	out := driver.ContainerInfo{
		ContainerID: containerID,
		Status:      status,
		ExitCode:    info.State.ExitCode,
	}
	if status == driver.StatusRunning {
		out.Endpoint = d.resolveEndpoint(info, runtimePort)
	}
	return out, nil
}

func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	reader, err := d.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demuxing logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

func (d *Driver) ListManaged(ctx context.Context) ([]driver.ManagedContainer, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := d.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	out := make([]driver.ManagedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, driver.ManagedContainer{
			ContainerID: c.ID,
			SandboxID:   c.Labels[labelPrefix+"sandbox_id"],
			SessionID:   c.Labels[labelPrefix+"session_id"],
		})
	}
	return out, nil
}

func (d *Driver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	volLabels := map[string]string{labelPrefix + "managed": "true"}
	for k, v := range labels {
		volLabels[k] = v
	}
	vol, err := d.docker.VolumeCreate(ctx, volume.CreateOptions{Name: name, Driver: "local", Labels: volLabels})
	if err != nil {
		return "", fmt.Errorf("volume create: %w", err)
	}
	return vol.Name, nil
}

func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	err := d.docker.VolumeRemove(ctx, name, true)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("volume remove: %w", err)
	}
	return nil
}

func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.docker.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func int64Ptr(v int64) *int64 { return &v }
