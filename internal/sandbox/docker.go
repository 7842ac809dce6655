package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/protocol"
)

const labelPrefix = "cloudbox."

// DockerDriver implements Driver against a local Docker engine.
type DockerDriver struct {
	docker *client.Client
}

func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerDriver{docker: cli}, nil
}

func (c *DockerDriver) Close() error {
	return c.docker.Close()
}

// DockerClient exposes the underlying client for the workspace volume manager.
func (c *DockerDriver) DockerClient() *client.Client {
	return c.docker
}

func (c *DockerDriver) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// BuildImage pulls tag if it isn't already present locally. It never builds
// an image: tag must already exist locally or be pullable from a registry.
func (c *DockerDriver) BuildImage(ctx context.Context, tag string) error {
	_, _, err := c.docker.ImageInspectWithRaw(ctx, tag)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	rc, err := c.docker.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull read: %w", err)
	}
	return nil
}

// StartInstance creates and starts a sandbox container for userID.
func (c *DockerDriver) StartInstance(ctx context.Context, userID, imageName string, defaults config.Defaults, workspaceID string) (string, error) {
	userID = sanitizeUserID(userID) // spec §6: sanitized once at the boundary, used verbatim from here on

	labels := map[string]string{
		labelPrefix + "user_id":  userID,
		labelPrefix + "managed":  "true",
	}
	if workspaceID != "" {
		labels[labelPrefix+"workspace_id"] = workspaceID
	}

	resources := container.Resources{
		NanoCPUs:  int64(defaults.CPULimit * 1e9),
		Memory:    int64(defaults.MemLimitMB) * 1024 * 1024,
		PidsLimit: int64Ptr(int64(defaults.PidsLimit)),
	}

	workspaceSource := protocol.WorkspaceVolumePrefix + userID // ephemeral, per-user by default
	if workspaceID != "" {
		workspaceSource = protocol.WorkspaceVolumePrefix + workspaceID // persistent
	}

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     false,
		ReadonlyRootfs: defaults.ReadonlyRootfs,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceSource,
				Target: "/workspace",
			},
			{
				Type: mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 512 * units.MiB,
				},
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/run",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 16 * units.MiB,
				},
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/home/sandbox/.cache",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 128 * units.MiB,
				},
			},
		},
	}

	if defaults.NetworkMode == "none" {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image:  imageName,
		Labels: labels,
		Tty:    false,
		Cmd:    nil, // entrypoint is the runner
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "cloudbox-"+userID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", &ErrSandboxUnavailable{Instance: resp.ID, Cause: fmt.Errorf("container start: %w", err)}
	}

	return resp.ID, nil
}

// Exec runs argv to completion via a non-tty docker exec and returns its
// combined stdout/stderr and exit code.
func (c *DockerDriver) Exec(ctx context.Context, instanceID string, argv []string, timeoutSeconds int) ([]byte, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, instanceID, execCfg)
	if err != nil {
		return nil, -1, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		return nil, -1, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, -1, fmt.Errorf("exec inspect: %w", err)
	}

	out := stdoutBuf.Bytes()
	out = append(out, stderrBuf.Bytes()...)
	return out, inspect.ExitCode, nil
}

// ExecRunner sends a protocol request to the runner process inside the
// container (started as the image's entrypoint) and returns its response.
// Used by WriteFile and ReadFile.
func (c *DockerDriver) ExecRunner(ctx context.Context, instanceID string, req protocol.Request) (*protocol.Response, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, _, err := c.Exec(ctx, instanceID, []string{"/usr/local/bin/runner", "--client", string(reqJSON)}, 0)
	if err != nil {
		return nil, err
	}

	line := findJSONLine(out)
	if line == nil {
		return nil, fmt.Errorf("no JSON response from runner, got: %s", string(out))
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// dockerPTY adapts a hijacked docker exec connection (Tty: true) to PTYStream.
type dockerPTY struct {
	docker    *client.Client
	execID    string
	conn      io.ReadWriteCloser
	bufReader *bufio.Reader
}

func (p *dockerPTY) Read(b []byte) (int, error)  { return p.bufReader.Read(b) }
func (p *dockerPTY) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *dockerPTY) Close() error                { return p.conn.Close() }

func (p *dockerPTY) Resize(cols, rows int) error {
	return p.docker.ContainerExecResize(context.Background(), p.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// AttachPTY starts argv inside instanceID with a pseudo-terminal. Docker exec
// has no literal host PTY fd — a Tty:true exec session is itself the
// pseudo-terminal, hijacked over the attach connection.
func (c *DockerDriver) AttachPTY(ctx context.Context, instanceID string, argv []string, cols, rows int) (PTYStream, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, instanceID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	pty := &dockerPTY{
		docker:    c.docker,
		execID:    execResp.ID,
		conn:      attachResp.Conn,
		bufReader: bufio.NewReader(attachResp.Reader),
	}
	if err := pty.Resize(cols, rows); err != nil {
		// Non-fatal: some engines reject resize before the process has
		// fully started; the controller will retry on the first real resize.
		_ = err
	}
	return pty, nil
}

// dockerProcess adapts a hijacked, non-tty docker exec connection to
// ProcessStream. Unlike AttachPTY, output on this path is multiplexed
// stdout/stderr (the docker stream-copy framing), demuxed here so callers
// see a plain byte stream — appropriate for a JSON-RPC server that only
// ever talks stdout, never mixes in stderr noise.
type dockerProcess struct {
	conn   net.Conn
	reader io.Reader
	closer io.Closer
}

func (p *dockerProcess) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *dockerProcess) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *dockerProcess) Close() error                { return p.closer.Close() }

// AttachProcess starts argv inside instanceID with stdin/stdout attached but
// no pseudo-terminal, used for the LSP child process.
func (c *DockerDriver) AttachProcess(ctx context.Context, instanceID string, argv []string) (ProcessStream, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Tty:          false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, instanceID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, attachResp.Reader)
		pw.CloseWithError(err)
	}()

	return &dockerProcess{conn: attachResp.Conn, reader: pr, closer: attachResp.Conn}, nil
}

// WriteFile pipes content to the runner's write request over ExecRunner.
func (c *DockerDriver) WriteFile(ctx context.Context, instanceID, path string, content []byte) error {
	resp, err := c.ExecRunner(ctx, instanceID, protocol.Request{
		ID:            shortID(),
		Type:          protocol.RequestWrite,
		Path:          path,
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return err
	}
	if resp.Type == protocol.ResponseError {
		return fmt.Errorf("runner write: %s", resp.Error)
	}
	return nil
}

// ReadFile reads a file's content via the runner's read request.
func (c *DockerDriver) ReadFile(ctx context.Context, instanceID, path string, maxBytes int) ([]byte, bool, error) {
	resp, err := c.ExecRunner(ctx, instanceID, protocol.Request{
		ID:       shortID(),
		Type:     protocol.RequestRead,
		Path:     path,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, false, err
	}
	if resp.Type == protocol.ResponseError {
		return nil, false, fmt.Errorf("runner read: %s", resp.Error)
	}
	content, err := base64.StdEncoding.DecodeString(resp.ContentBase64)
	if err != nil {
		return nil, false, fmt.Errorf("decode content: %w", err)
	}
	return content, resp.Truncated, nil
}

func shortID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (c *DockerDriver) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, instanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

// StopInstance force-removes a container along with its anonymous volumes.
// Named workspace volumes (the per-user one and persistent ones) are never
// removed here.
func (c *DockerDriver) StopInstance(ctx context.Context, instanceID string) error {
	err := c.docker.ContainerRemove(ctx, instanceID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ContainerInfo holds basic info about a sandbox container, used by
// the registry's startup reconciliation pass.
type ContainerInfo struct {
	ContainerID string
	UserID      string
}

// ListSandboxContainers returns all containers carrying cloudbox labels.
func (c *DockerDriver) ListSandboxContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		userID := ctr.Labels[labelPrefix+"user_id"]
		if userID == "" {
			continue
		}
		result = append(result, ContainerInfo{ContainerID: ctr.ID, UserID: userID})
	}
	return result, nil
}

// findJSONLine extracts the first line containing '{' from docker output,
// starting at that brace.
func findJSONLine(data []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, protocol.MaxOutputBytes+4096), protocol.MaxOutputBytes+4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := bytes.TrimLeft(line, "\x00\x01\x02\x03\x04\x05\x06\x07\x08")
		if idx := bytes.IndexByte(trimmed, '{'); idx >= 0 {
			return trimmed[idx:]
		}
	}
	if idx := bytes.IndexByte(data, '{'); idx >= 0 {
		end := bytes.IndexByte(data[idx:], '\n')
		if end < 0 {
			return data[idx:]
		}
		return data[idx : idx+end]
	}
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}

// sanitizeUserID lowercases userID and replaces every character outside
// spec §6's [a-z0-9_.-] alphabet with '-', so the result is usable verbatim
// as both the container name and the workspace volume name.
func sanitizeUserID(userID string) string {
	out := make([]byte, len(userID))
	for i := 0; i < len(userID); i++ {
		ch := userID[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '_', ch == '.', ch == '-':
			out[i] = ch
		case ch >= 'A' && ch <= 'Z':
			out[i] = ch + 32
		default:
			out[i] = '-'
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
