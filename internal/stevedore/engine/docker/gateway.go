// Package docker implements the engine gateway against the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/stevedore/internal/stevedore/engine"
)

const (
	// defaultStopTimeout is how long to wait for a graceful stop before the
	// engine escalates to SIGKILL.
	defaultStopTimeout = 10 * time.Second

	// defaultLogsTimeout bounds a logs fetch so a slow or wedged engine
	// cannot block the router from serving other commands.
	defaultLogsTimeout = 15 * time.Second

	// maxLogBytes caps the amount of log text read per fetch. Chat replies
	// are truncated well below this anyway.
	maxLogBytes = 256 * 1024
)

// Options configures the gateway.
type Options struct {
	// StopTimeout overrides the graceful-stop grace period.
	StopTimeout time.Duration
	// LogsTimeout overrides the per-fetch logs deadline.
	LogsTimeout time.Duration
}

// Gateway implements engine.Engine using the Docker Engine API.
// The client connects via DOCKER_HOST or the default control socket.
type Gateway struct {
	client      *dockerclient.Client
	stopTimeout time.Duration
	logsTimeout time.Duration
}

var _ engine.Engine = (*Gateway)(nil)

// New creates a Docker gateway with default options.
func New() (*Gateway, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Docker gateway with the given options.
func NewWithOptions(opts Options) (*Gateway, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	g := &Gateway{
		client:      cli,
		stopTimeout: opts.StopTimeout,
		logsTimeout: opts.LogsTimeout,
	}
	if g.stopTimeout <= 0 {
		g.stopTimeout = defaultStopTimeout
	}
	if g.logsTimeout <= 0 {
		g.logsTimeout = defaultLogsTimeout
	}
	return g, nil
}

// Ping checks that the engine control channel answers.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.client.Ping(ctx); err != nil {
		return wrapEngineErr("ping", "", err)
	}
	return nil
}

// List enumerates all containers, running or stopped.
func (g *Gateway) List(ctx context.Context) ([]engine.UnitSummary, error) {
	containers, err := g.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, wrapEngineErr("list", "", err)
	}

	summaries := make([]engine.UnitSummary, 0, len(containers))
	for _, c := range containers {
		summaries = append(summaries, summaryFromContainer(c))
	}
	return summaries, nil
}

// Inspect returns structured metadata for the named container.
func (g *Gateway) Inspect(ctx context.Context, name string) (engine.UnitDetail, error) {
	inspect, err := g.client.ContainerInspect(ctx, name)
	if err != nil {
		return engine.UnitDetail{}, wrapEngineErr("inspect", name, err)
	}
	return detailFromInspect(inspect), nil
}

// Start starts the named container. The engine treats starting an
// already-running container as a no-op.
func (g *Gateway) Start(ctx context.Context, name string) error {
	if err := g.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return wrapEngineErr("start", name, err)
	}
	return nil
}

// Stop gracefully stops the named container.
func (g *Gateway) Stop(ctx context.Context, name string) error {
	timeout := int(g.stopTimeout.Seconds())
	if err := g.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrapEngineErr("stop", name, err)
	}
	return nil
}

// Restart stops and starts the named container.
func (g *Gateway) Restart(ctx context.Context, name string) error {
	timeout := int(g.stopTimeout.Seconds())
	if err := g.client.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrapEngineErr("restart", name, err)
	}
	return nil
}

// Remove stops and deletes the named container. The container's anonymous
// volumes are kept.
func (g *Gateway) Remove(ctx context.Context, name string) error {
	if err := g.client.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		return wrapEngineErr("remove", name, err)
	}
	return nil
}

// Logs fetches the last tail lines of the named container's output.
// TTY containers produce a raw stream; non-TTY output arrives multiplexed
// and is demultiplexed with stdcopy. The fetch carries its own deadline.
func (g *Gateway) Logs(ctx context.Context, name string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.logsTimeout)
	defer cancel()

	// Inspect first: resolves not-found before the stream is opened and
	// tells us whether the stream needs demultiplexing.
	inspect, err := g.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", wrapEngineErr("logs", name, err)
	}
	tty := inspect.Config != nil && inspect.Config.Tty

	rc, err := g.client.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrapEngineErr("logs", name, err)
	}
	defer rc.Close()

	limited := io.LimitReader(rc, maxLogBytes)

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, limited)
	} else {
		// Interleave stdout and stderr in arrival order.
		_, err = stdcopy.StdCopy(&buf, &buf, limited)
	}
	if err != nil {
		return "", wrapEngineErr("logs", name, err)
	}
	return buf.String(), nil
}

// --- helpers ---

// wrapEngineErr maps Docker client errors onto the engine error taxonomy.
// The mapping is the same for every operation so an unreachable engine
// surfaces identically regardless of which verb triggered it.
func wrapEngineErr(op, name string, err error) error {
	switch {
	case dockerclient.IsErrNotFound(err):
		if name != "" {
			return fmt.Errorf("%s %q: %w", op, name, engine.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, engine.ErrNotFound)
	case dockerclient.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w", op, engine.ErrUnavailable)
	default:
		if name != "" {
			return fmt.Errorf("%s %q: %w", op, name, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
}

// parseUnitState maps a Docker state string onto the engine enumeration.
func parseUnitState(s string) engine.UnitState {
	switch strings.ToLower(s) {
	case "running":
		return engine.StateRunning
	case "exited":
		return engine.StateExited
	case "created":
		return engine.StateCreated
	case "paused":
		return engine.StatePaused
	case "restarting":
		return engine.StateRestarting
	case "removing":
		return engine.StateRemoving
	case "dead":
		return engine.StateDead
	default:
		return engine.StateUnknown
	}
}

// primaryName returns the container's first name with the leading slash the
// Docker API prepends stripped off.
func primaryName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func summaryFromContainer(c types.Container) engine.UnitSummary {
	return engine.UnitSummary{
		Name:   primaryName(c.Names),
		ID:     c.ID,
		Image:  c.Image,
		State:  parseUnitState(c.State),
		Status: c.Status,
	}
}

func detailFromInspect(inspect types.ContainerJSON) engine.UnitDetail {
	detail := engine.UnitDetail{State: engine.StateUnknown}
	if inspect.ContainerJSONBase != nil {
		detail.ID = inspect.ID
		detail.Name = strings.TrimPrefix(inspect.Name, "/")
		detail.RestartCount = inspect.RestartCount
		detail.CreatedAt, _ = time.Parse(time.RFC3339Nano, inspect.Created)
		if inspect.State != nil {
			detail.State = parseUnitState(inspect.State.Status)
			detail.Running = inspect.State.Running
			detail.ExitCode = inspect.State.ExitCode
			detail.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
			detail.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		}
	}
	if inspect.Config != nil {
		detail.Image = inspect.Config.Image
	}
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		detail.IPAddresses = make(map[string]string, len(inspect.NetworkSettings.Networks))
		for netName, ep := range inspect.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				detail.IPAddresses[netName] = ep.IPAddress
			}
		}
	}
	return detail
}
