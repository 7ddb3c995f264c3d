package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"atlas/pkg/model"
)

// Fake 进程内的假后端, 节点用 dry_run 启动或测试时使用.
// 可以通过 Fail 注入某个操作的失败.
type Fake struct {
	mu        sync.Mutex
	kind      model.BackendKind
	images    map[string]bool
	instances map[string]*fakeInstance
	failures  map[string]error
	calls     []string
	nextID    int
}

type fakeInstance struct {
	spec    Spec
	running bool
	exit    int
	logs    []string
}

func NewFake(kind model.BackendKind, images ...string) *Fake {
	f := &Fake{
		kind:      kind,
		images:    make(map[string]bool),
		instances: make(map[string]*fakeInstance),
		failures:  make(map[string]error),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

// Fail 之后对 op 的调用都返回 err, err 为 nil 时清除
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Exit 模拟实例自己退出
func (f *Fake) Exit(handle string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[handle]; ok {
		inst.running = false
		inst.exit = code
	}
}

// AppendLog 给实例追加输出
func (f *Fake) AppendLog(handle string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[handle]; ok {
		inst.logs = append(inst.logs, lines...)
	}
}

// Calls 按顺序返回所有调用过的操作
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Handles 当前存在的实例
func (f *Fake) Handles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.instances))
	for h := range f.instances {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) Running(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[handle]
	return ok && inst.running
}

func (f *Fake) Kind() model.BackendKind {
	return f.kind
}

func (f *Fake) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("image_inspect"); err != nil {
		return false, err
	}
	return f.images[image], nil
}

func (f *Fake) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("pull"); err != nil {
		return err
	}
	f.images[image] = true
	return nil
}

func (f *Fake) Create(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create"); err != nil {
		return "", err
	}
	if !f.images[spec.Image] {
		return "", ErrImageNotFound
	}
	f.nextID++
	handle := fmt.Sprintf("%s-%d", f.kind, f.nextID)
	f.instances[handle] = &fakeInstance{spec: spec}
	return handle, nil
}

func (f *Fake) Start(_ context.Context, handle string) error {
	return f.setRunning("start", handle, true)
}

func (f *Fake) Stop(_ context.Context, handle string) error {
	return f.setRunning("stop", handle, false)
}

func (f *Fake) Restart(_ context.Context, handle string) error {
	return f.setRunning("restart", handle, true)
}

func (f *Fake) setRunning(op, handle string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op); err != nil {
		return err
	}
	inst, ok := f.instances[handle]
	if !ok {
		return ErrHandleNotFound
	}
	inst.running = running
	if running {
		inst.exit = 0
		inst.logs = append(inst.logs, fmt.Sprintf("%s %s", op, inst.spec.Name))
	}
	return nil
}

func (f *Fake) Destroy(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("destroy"); err != nil {
		return err
	}
	delete(f.instances, handle)
	return nil
}

func (f *Fake) Inspect(_ context.Context, handle string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("inspect"); err != nil {
		return State{}, err
	}
	inst, ok := f.instances[handle]
	if !ok {
		return State{}, ErrHandleNotFound
	}
	return State{Running: inst.running, ExitCode: inst.exit}, nil
}

func (f *Fake) ReadLog(_ context.Context, handle string, dir Direction, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("logs"); err != nil {
		return "", err
	}
	inst, ok := f.instances[handle]
	if !ok {
		return "", ErrHandleNotFound
	}
	return Clip(strings.Join(inst.logs, "\n"), dir, maxLines), nil
}

// record 调用方持有锁
func (f *Fake) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failures[op]
}
