package model

import "time"

// BackendKind 任务的隔离后端
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendVM        BackendKind = "vm"
)

func (k BackendKind) Valid() bool {
	return k == BackendContainer || k == BackendVM
}

// TaskStatus 任务生命周期状态 (闭集)
type TaskStatus string

const (
	TaskQueueing         TaskStatus = "queueing"
	TaskPullingImage     TaskStatus = "pulling_image"
	TaskCreatingImage    TaskStatus = "creating_image"
	TaskRunning          TaskStatus = "running"
	TaskStopping         TaskStatus = "stopping"
	TaskStopped          TaskStatus = "stopped"
	TaskUpdateError      TaskStatus = "update_error"
	TaskOutOfGpuResource TaskStatus = "out_of_gpu_resource"
	TaskNoImageClosed    TaskStatus = "noimage_closed"
	TaskNoSpaceClosed    TaskStatus = "nospace_closed"
	TaskAbnormallyClosed TaskStatus = "abnormally_closed"
	TaskOverdueClosed    TaskStatus = "overdue_closed"
)

// IsTerminal stopped 以及所有 *_closed 都是终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStopped, TaskNoImageClosed, TaskNoSpaceClosed, TaskAbnormallyClosed, TaskOverdueClosed:
		return true
	}
	return false
}

// HoldsResources 该状态下任务持有资源池中的预留
func (s TaskStatus) HoldsResources() bool {
	switch s {
	case TaskQueueing, TaskPullingImage, TaskCreatingImage, TaskRunning, TaskStopping:
		return true
	}
	return false
}

// Operation 正在进行中的操作, 同时作为互斥标记
type Operation string

const (
	OpNone    Operation = ""
	OpCreate  Operation = "create"
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
	OpReset   Operation = "reset"
	OpDelete  Operation = "delete"
)

// TaskSpec 训练任务的规格
type TaskSpec struct {
	Engine    string   `json:"engine"`     // 训练引擎镜像, 如 pytorch/pytorch:2.1
	EntryFile string   `json:"entry_file"` // 入口脚本
	CodeDir   string   `json:"code_dir"`   // 代码目录或代码引用
	Command   []string `json:"command,omitempty"`
	Envs      []string `json:"envs,omitempty"`
}

// ResourceRequest 用户请求的资源
type ResourceRequest struct {
	CPUCores    int     `json:"cpu_cores"`
	MemFraction float64 `json:"mem_fraction"` // 占节点总内存的比例, (0, 1]
	GPUCount    int     `json:"gpu_count"`
}

// Reservation 资源池实际分配的资源
type Reservation struct {
	Owner    string   `json:"owner"`
	CPUCores int      `json:"cpu_cores"`
	MemBytes int64    `json:"mem_bytes"`
	GPUs     []string `json:"gpus,omitempty"`
}

type Task struct {
	ID        string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	Operation Operation   `json:"operation"`
	Backend   BackendKind `json:"backend"`
	Spec      TaskSpec    `json:"spec"`

	Request     ResourceRequest `json:"resource_request"`
	Reservation *Reservation    `json:"resource_reservation,omitempty"`

	// Handle 后端返回的句柄 (容器 ID), 为空表示从未创建成功
	Handle     string `json:"handle,omitempty"`
	ErrorTimes int    `json:"error_times"`
	LastError  string `json:"last_error,omitempty"`
	Owner      string `json:"owner,omitempty"` // 发起请求的节点 ID

	ReceivedAt  time.Time `json:"received_at"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	EndAt       time.Time `json:"end_at"`
	RentEnd     time.Time `json:"rent_end,omitempty"` // 租期结束时间, 零值表示不限
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone 深拷贝, 协议层只拿拷贝
func (t *Task) Clone() *Task {
	c := *t
	c.Spec.Command = append([]string(nil), t.Spec.Command...)
	c.Spec.Envs = append([]string(nil), t.Spec.Envs...)
	if t.Reservation != nil {
		r := *t.Reservation
		r.GPUs = append([]string(nil), t.Reservation.GPUs...)
		c.Reservation = &r
	}
	return &c
}

// TaskInfo 对外返回的任务摘要
type TaskInfo struct {
	ID          string      `json:"task_id"`
	NodeID      string      `json:"node_id"`
	Status      TaskStatus  `json:"status"`
	Operation   Operation   `json:"operation,omitempty"`
	Backend     BackendKind `json:"backend"`
	CPUCores    int         `json:"cpu_cores"`
	MemBytes    int64       `json:"mem_bytes"`
	GPUs        []string    `json:"gpus,omitempty"`
	ErrorTimes  int         `json:"error_times"`
	LastError   string      `json:"last_error,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`
	LastStartAt time.Time   `json:"last_start_at"`
	LastStopAt  time.Time   `json:"last_stop_at"`
}

func (t *Task) Info(nodeID string) TaskInfo {
	info := TaskInfo{
		ID:          t.ID,
		NodeID:      nodeID,
		Status:      t.Status,
		Operation:   t.Operation,
		Backend:     t.Backend,
		ErrorTimes:  t.ErrorTimes,
		LastError:   t.LastError,
		ReceivedAt:  t.ReceivedAt,
		LastStartAt: t.LastStartAt,
		LastStopAt:  t.LastStopAt,
	}
	if t.Reservation != nil {
		info.CPUCores = t.Reservation.CPUCores
		info.MemBytes = t.Reservation.MemBytes
		info.GPUs = append([]string(nil), t.Reservation.GPUs...)
	}
	return info
}
