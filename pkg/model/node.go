package model

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 心跳超时
)

// NodeCapacity 物理机的总资源
type NodeCapacity struct {
	Sockets        int      `json:"sockets" yaml:"sockets"`
	CoresPerSocket int      `json:"cores_per_socket" yaml:"cores_per_socket"`
	ThreadsPerCore int      `json:"threads_per_core" yaml:"threads_per_core"`
	GPUs           []string `json:"gpus" yaml:"gpus"`
	MemBytes       int64    `json:"mem_bytes" yaml:"-"`
}

// TotalCores 逻辑 CPU 数
func (c NodeCapacity) TotalCores() int {
	return c.Sockets * c.CoresPerSocket * c.ThreadsPerCore
}

// CoreStep CPU 核数按 sockets * threads 的倍数分配
func (c NodeCapacity) CoreStep() int {
	step := c.Sockets * c.ThreadsPerCore
	if step < 1 {
		return 1
	}
	return step
}

type NodeInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`

	// 资源视图: Total - Allocated = Free
	TotalCap  Resource `json:"total_cap"`
	Allocated Resource `json:"allocated"`
	FreeGPUs  []string `json:"free_gpus"`

	Status        NodeStatus     `json:"status"`
	TaskCount     int            `json:"task_count"`
	TasksByStatus map[string]int `json:"tasks_by_status,omitempty"`
	LoadScore     int            `json:"load_score"`
	LastHeartbeat int64          `json:"last_heartbeat"` // Unix 时间戳
}
