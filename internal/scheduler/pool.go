package scheduler

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"atlas/internal/metrics"
	"atlas/pkg/model"
)

var (
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrAlreadyReserved       = errors.New("owner already holds a reservation")
)

// ResourceError 某个维度资源不够
type ResourceError struct {
	Dimension string // cpu, memory, gpu
	Need      int64
	Free      int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient %s (free: %d, need: %d)", e.Dimension, e.Free, e.Need)
}

func (e *ResourceError) Is(target error) bool {
	return target == ErrInsufficientResources
}

// IsGPUShortage 资源不足是否因为 GPU
func IsGPUShortage(err error) bool {
	var re *ResourceError
	return errors.As(err, &re) && re.Dimension == "gpu"
}

// Pool 本节点的资源账本. 每个 owner (task id) 最多一个预留.
// 任意两次公开调用之间, 每个维度的预留之和都不超过容量.
type Pool struct {
	mu       sync.Mutex
	capacity model.NodeCapacity
	ledger   map[string]*model.Reservation
	gpuOwner map[string]string // gpu id -> owner
}

func NewPool(capacity model.NodeCapacity) *Pool {
	p := &Pool{
		capacity: capacity,
		ledger:   make(map[string]*model.Reservation),
		gpuOwner: make(map[string]string),
	}
	p.report()
	return p
}

func (p *Pool) Capacity() model.NodeCapacity {
	return p.capacity
}

// Total 容量折算成 Resource
func (p *Pool) Total() model.Resource {
	return model.Resource{
		CPUCores: p.capacity.TotalCores(),
		GPUCount: len(p.capacity.GPUs),
		Memory:   p.capacity.MemBytes,
	}
}

// Reserve 失败时不改变任何状态
func (p *Pool) Reserve(owner string, req model.ResourceRequest) (*model.Reservation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ledger[owner]; ok {
		return nil, errors.Wrap(ErrAlreadyReserved, owner)
	}

	// 1. CPU 向上取整到 sockets * threads 的倍数
	step := p.capacity.CoreStep()
	cores := (req.CPUCores + step - 1) / step * step

	// 2. 内存按比例, 向上取整到字节
	mem := decimal.NewFromFloat(req.MemFraction).
		Mul(decimal.NewFromInt(p.capacity.MemBytes)).
		Ceil().IntPart()

	free := p.freeLocked()
	if cores > free.CPUCores {
		return nil, &ResourceError{Dimension: "cpu", Need: int64(cores), Free: int64(free.CPUCores)}
	}
	if mem > free.Memory {
		return nil, &ResourceError{Dimension: "memory", Need: mem, Free: free.Memory}
	}

	// 3. GPU first-fit, 按容量里的顺序
	gpus := make([]string, 0, req.GPUCount)
	for _, id := range p.capacity.GPUs {
		if len(gpus) == req.GPUCount {
			break
		}
		if _, used := p.gpuOwner[id]; !used {
			gpus = append(gpus, id)
		}
	}
	if len(gpus) < req.GPUCount {
		return nil, &ResourceError{Dimension: "gpu", Need: int64(req.GPUCount), Free: int64(len(gpus))}
	}

	res := &model.Reservation{Owner: owner, CPUCores: cores, MemBytes: mem, GPUs: gpus}
	p.commitLocked(res)
	return cloneReservation(res), nil
}

// Restore 重启后按持久化的预留原样恢复, 指定的 GPU 必须仍然空闲
func (p *Pool) Restore(res *model.Reservation) error {
	if res == nil {
		return errors.New("nil reservation")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ledger[res.Owner]; ok {
		return errors.Wrap(ErrAlreadyReserved, res.Owner)
	}
	free := p.freeLocked()
	if res.CPUCores > free.CPUCores {
		return &ResourceError{Dimension: "cpu", Need: int64(res.CPUCores), Free: int64(free.CPUCores)}
	}
	if res.MemBytes > free.Memory {
		return &ResourceError{Dimension: "memory", Need: res.MemBytes, Free: free.Memory}
	}
	known := make(map[string]bool, len(p.capacity.GPUs))
	for _, id := range p.capacity.GPUs {
		known[id] = true
	}
	for _, id := range res.GPUs {
		if _, used := p.gpuOwner[id]; used || !known[id] {
			return &ResourceError{Dimension: "gpu", Need: int64(len(res.GPUs)), Free: int64(len(p.freeGPUsLocked()))}
		}
	}
	p.commitLocked(cloneReservation(res))
	return nil
}

// Release 幂等, 返回这次调用是否真的归还了资源
func (p *Pool) Release(owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.ledger[owner]
	if !ok {
		return false
	}
	for _, id := range res.GPUs {
		delete(p.gpuOwner, id)
	}
	delete(p.ledger, owner)
	p.report()
	return true
}

func (p *Pool) Reservation(owner string) (*model.Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.ledger[owner]
	if !ok {
		return nil, false
	}
	return cloneReservation(res), true
}

func (p *Pool) Free() model.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked()
}

func (p *Pool) FreeGPUs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeGPUsLocked()
}

func (p *Pool) Allocated() model.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocatedLocked()
}

func (p *Pool) commitLocked(res *model.Reservation) {
	p.ledger[res.Owner] = res
	for _, id := range res.GPUs {
		p.gpuOwner[id] = res.Owner
	}
	p.report()
}

func (p *Pool) allocatedLocked() model.Resource {
	var sum model.Resource
	for _, res := range p.ledger {
		sum = sum.Add(model.Of(res))
	}
	return sum
}

func (p *Pool) freeLocked() model.Resource {
	return p.Total().Sub(p.allocatedLocked())
}

func (p *Pool) freeGPUsLocked() []string {
	out := make([]string, 0, len(p.capacity.GPUs))
	for _, id := range p.capacity.GPUs {
		if _, used := p.gpuOwner[id]; !used {
			out = append(out, id)
		}
	}
	return out
}

// report 调用方持有锁 (或在构造期间)
func (p *Pool) report() {
	free := p.freeLocked()
	metrics.FreeResources.WithLabelValues("cpu_cores").Set(float64(free.CPUCores))
	metrics.FreeResources.WithLabelValues("gpus").Set(float64(free.GPUCount))
	metrics.FreeResources.WithLabelValues("memory_bytes").Set(float64(free.Memory))
}

func cloneReservation(res *model.Reservation) *model.Reservation {
	c := *res
	c.GPUs = append([]string(nil), res.GPUs...)
	return &c
}
