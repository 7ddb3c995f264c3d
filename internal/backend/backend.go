package backend

import (
	"context"

	"github.com/pkg/errors"

	"atlas/pkg/model"
)

var (
	ErrImageNotFound  = errors.New("image not found")
	ErrNoSpace        = errors.New("no space left on device")
	ErrHandleNotFound = errors.New("handle not found")
)

// Direction 读日志的方向
type Direction string

const (
	Head Direction = "head"
	Tail Direction = "tail"
)

func (d Direction) Valid() bool {
	return d == Head || d == Tail
}

// Spec 创建一个隔离实例需要的全部参数
type Spec struct {
	Name      string // 一般就是 task id
	Image     string
	EntryFile string
	CodeDir   string
	Command   []string
	Envs      []string

	CPUCores int
	MemBytes int64
	GPUs     []string
}

// SpecFor 从任务和它的预留生成后端参数
func SpecFor(task *model.Task) Spec {
	s := Spec{
		Name:      task.ID,
		Image:     task.Spec.Engine,
		EntryFile: task.Spec.EntryFile,
		CodeDir:   task.Spec.CodeDir,
		Command:   append([]string(nil), task.Spec.Command...),
		Envs:      append([]string(nil), task.Spec.Envs...),
	}
	if task.Reservation != nil {
		s.CPUCores = task.Reservation.CPUCores
		s.MemBytes = task.Reservation.MemBytes
		s.GPUs = append([]string(nil), task.Reservation.GPUs...)
	}
	return s
}

// State 实例的运行状态
type State struct {
	Running  bool
	ExitCode int
}

// Backend 隔离后端 (容器或虚拟机). 所有调用都可能阻塞, 调用方负责传入带超时的 ctx.
type Backend interface {
	Kind() model.BackendKind
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec Spec) (handle string, err error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Restart(ctx context.Context, handle string) error
	// Destroy 幂等, handle 不存在时返回 nil
	Destroy(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (State, error)
	ReadLog(ctx context.Context, handle string, dir Direction, maxLines int) (string, error)
}
