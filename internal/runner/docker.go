package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultImages maps each tool to the container image that provides it.
var DefaultImages = map[string]string{
	"terraform": "hashicorp/terraform:1.9",
	"aws":       "amazon/aws-cli:2.17.0",
	"kubectl":   "bitnami/kubectl:1.30",
	"helm":      "alpine/helm:3.15.3",
}

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Images     map[string]string // tool -> image; merged over DefaultImages
	Mounts     []string          // host directories bind-mounted at the same path
	AlwaysPull bool              // pull before every run, even if the image is present
}

// Docker runs each tool in a throwaway container on the host daemon.
type Docker struct {
	client     client.APIClient
	sink       RawSink
	images     map[string]string
	mounts     []string
	alwaysPull bool
	logger     *slog.Logger
}

// NewDocker connects to the Docker daemon from the environment.
func NewDocker(sink RawSink, cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDocker(cli, sink, cfg), nil
}

func newDocker(cli client.APIClient, sink RawSink, cfg DockerConfig) *Docker {
	images := maps.Clone(DefaultImages)
	maps.Copy(images, cfg.Images)
	return &Docker{
		client:     cli,
		sink:       sink,
		images:     images,
		mounts:     cfg.Mounts,
		alwaysPull: cfg.AlwaysPull,
		logger:     slog.With("component", "runner", "backend", "docker"),
	}
}

// Run starts cmd in a container and waits for it to exit. The container is
// always removed.
func (d *Docker) Run(ctx context.Context, cmd Command) (Result, error) {
	img, ok := d.images[cmd.Name]
	if !ok {
		return Result{ExitCode: -1}, fmt.Errorf("no container image configured for %s", cmd.Name)
	}
	logger := d.logger.With("jobId", cmd.JobID, "tool", cmd.Name)

	if err := d.pullImageIfNeeded(ctx, img); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to pull %s: %w", img, err)
	}

	id, err := d.createContainer(ctx, img, cmd)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create %s container: %w", cmd.Name, err)
	}
	defer d.removeContainer(id)

	// Register the wait before starting so a fast exit is not missed.
	waitCh, waitErrCh := d.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s container: %w", cmd.Name, err)
	}

	rl := newRelay(cmd, d.sink)
	stdout, stderr := rl.stdout(), rl.stderr()
	if err := d.streamLogs(ctx, id, stdout, stderr); err != nil && ctx.Err() == nil {
		logger.Warn("Log stream ended early", "error", err)
	}
	stdout.Flush()
	stderr.Flush()

	select {
	case <-ctx.Done():
		return rl.result(-1), fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
	case err := <-waitErrCh:
		return rl.result(-1), fmt.Errorf("failed waiting for %s: %w", cmd.Name, err)
	case resp := <-waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return rl.result(-1), fmt.Errorf("failed waiting for %s: %s", cmd.Name, resp.Error.Message)
		}
		logger.Debug("Container exited", "exitCode", resp.StatusCode)
		return rl.result(int(resp.StatusCode)), nil
	}
}

// Ready pings the daemon.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the client connection.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) createContainer(ctx context.Context, img string, cmd Command) (string, error) {
	var mounts []mount.Mount
	for _, dir := range d.bindDirs(cmd.Dir) {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dir,
			Target: dir,
		})
	}

	env := environ(nil, cmd.Env)
	slices.Sort(env)

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:      img,
			Entrypoint: []string{cmd.Name},
			Cmd:        cmd.Args,
			Env:        env,
			WorkingDir: cmd.Dir,
			Labels: map[string]string{
				"managed-by": "astraops",
				"job.id":     cmd.JobID,
				"job.tool":   cmd.Name,
			},
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: "host",
		},
		nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) bindDirs(workDir string) []string {
	dirs := slices.Clone(d.mounts)
	if workDir != "" && !slices.Contains(dirs, workDir) {
		dirs = append(dirs, workDir)
	}
	return dirs
}

// streamLogs follows the container's multiplexed output until it exits.
func (d *Docker) streamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, img string) error {
	if !d.alwaysPull {
		if _, err := d.client.ImageInspect(ctx, img); err == nil {
			return nil
		}
	}

	d.logger.Info("Pulling tool image", "image", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("Failed to remove container", "containerId", id, "error", err)
	}
}
