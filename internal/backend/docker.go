package backend

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atlas/internal/metrics"
	"atlas/pkg/model"
)

const workspaceDir = "/workspace"

// NewDockerClient 连接 docker engine, host 为空时从环境变量读取
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return cli, nil
}

// Docker 基于 docker engine 的后端. runtime 为空时是普通容器,
// 否则交给对应的 OCI runtime (比如 kata-runtime), 每个任务跑在独立的轻量虚拟机里.
type Docker struct {
	cli         *client.Client
	kind        model.BackendKind
	runtime     string
	stopTimeout int // 秒
	logger      *zap.Logger
}

// NewContainer 普通容器后端
func NewContainer(cli *client.Client, stopTimeout time.Duration, logger *zap.Logger) *Docker {
	return &Docker{
		cli:         cli,
		kind:        model.BackendContainer,
		stopTimeout: int(stopTimeout.Seconds()),
		logger:      logger.With(zap.String("backend", string(model.BackendContainer))),
	}
}

func (d *Docker) Kind() model.BackendKind {
	return d.kind
}

func (d *Docker) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, d.fail("image_inspect", err)
}

func (d *Docker) PullImage(ctx context.Context, image string) error {
	defer d.observe("pull", time.Now())
	d.logger.Info("pulling image", zap.String("image", image))

	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return d.fail("pull", err)
	}
	defer reader.Close()
	// 必须读完, 否则拉取会被中断
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return d.fail("pull", err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	defer d.observe("create", time.Now())

	// 1. 容器配置
	cmd := spec.Command
	if len(cmd) == 0 && spec.EntryFile != "" {
		cmd = []string{"python", spec.EntryFile}
	}
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        spec.Envs,
		WorkingDir: workspaceDir,
		Tty:        false,
		Labels:     map[string]string{"atlas.task": spec.Name},
	}

	// 2. 资源限制
	host := &container.HostConfig{
		Runtime: d.runtime,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores) * 1e9,
			Memory:   spec.MemBytes,
		},
	}
	if spec.CodeDir != "" {
		host.Binds = []string{spec.CodeDir + ":" + workspaceDir}
	}
	if len(spec.GPUs) > 0 {
		host.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    spec.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	// 3. 创建
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "atlas-"+spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", errors.Wrapf(ErrImageNotFound, "%s", spec.Image)
		}
		return "", d.fail("create", err)
	}
	d.logger.Info("instance created", zap.String("task", spec.Name), zap.String("handle", short(resp.ID)))
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, handle string) error {
	defer d.observe("start", time.Now())
	if err := d.cli.ContainerStart(ctx, handle, types.ContainerStartOptions{}); err != nil {
		return d.fail("start", err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, handle string) error {
	defer d.observe("stop", time.Now())
	timeout := d.stopTimeout
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return d.fail("stop", err)
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, handle string) error {
	defer d.observe("restart", time.Now())
	timeout := d.stopTimeout
	if err := d.cli.ContainerRestart(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return d.fail("restart", err)
	}
	return nil
}

func (d *Docker) Destroy(ctx context.Context, handle string) error {
	defer d.observe("destroy", time.Now())
	err := d.cli.ContainerRemove(ctx, handle, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return d.fail("destroy", err)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, handle string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return State{}, d.fail("inspect", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return State{}, nil
	}
	return State{Running: info.State.Running, ExitCode: info.State.ExitCode}, nil
}

func (d *Docker) ReadLog(ctx context.Context, handle string, dir Direction, maxLines int) (string, error) {
	opts := types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true}
	if dir == Tail {
		opts.Tail = strconv.Itoa(maxLines)
	}
	out, err := d.cli.ContainerLogs(ctx, handle, opts)
	if err != nil {
		return "", d.fail("logs", err)
	}
	defer out.Close()

	// stdcopy 把 docker 的多路复用流拆开
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil {
		return "", d.fail("logs", err)
	}
	return Clip(buf.String(), dir, maxLines), nil
}

// fail 归类 docker 的错误并计数
func (d *Docker) fail(op string, err error) error {
	metrics.BackendFailuresTotal.WithLabelValues(string(d.kind), op).Inc()
	return classify(op, err)
}

func (d *Docker) observe(op string, start time.Time) {
	metrics.BackendCallSeconds.WithLabelValues(string(d.kind), op).Observe(time.Since(start).Seconds())
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no space left on device"):
		return errors.Wrap(ErrNoSpace, msg)
	case op == "pull" && (client.IsErrNotFound(err) || strings.Contains(msg, "manifest unknown")):
		return errors.Wrap(ErrImageNotFound, msg)
	case client.IsErrNotFound(err):
		return errors.Wrap(ErrHandleNotFound, msg)
	}
	return errors.Wrap(err, op)
}

// Clip 按方向截取最多 maxLines 行
func Clip(text string, dir Direction, maxLines int) string {
	text = strings.TrimRight(text, "\n")
	if text == "" || maxLines <= 0 {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		if dir == Head {
			lines = lines[:maxLines]
		} else {
			lines = lines[len(lines)-maxLines:]
		}
	}
	return strings.Join(lines, "\n")
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
