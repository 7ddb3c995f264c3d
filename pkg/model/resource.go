package model

// Resource 资源池的一个维度快照
type Resource struct {
	CPUCores int   `json:"cpu_cores"`
	GPUCount int   `json:"gpu_count"`
	Memory   int64 `json:"memory"`
}

func (r Resource) LessThan(other Resource) bool {
	return r.CPUCores <= other.CPUCores && r.GPUCount <= other.GPUCount && r.Memory <= other.Memory
}

func (r Resource) Add(other Resource) Resource {
	return Resource{
		CPUCores: r.CPUCores + other.CPUCores,
		GPUCount: r.GPUCount + other.GPUCount,
		Memory:   r.Memory + other.Memory,
	}
}

func (r Resource) Sub(other Resource) Resource {
	return Resource{
		CPUCores: r.CPUCores - other.CPUCores,
		GPUCount: r.GPUCount - other.GPUCount,
		Memory:   r.Memory - other.Memory,
	}
}

// Of 把一个 Reservation 折算成 Resource
func Of(r *Reservation) Resource {
	if r == nil {
		return Resource{}
	}
	return Resource{CPUCores: r.CPUCores, GPUCount: len(r.GPUs), Memory: r.MemBytes}
}
