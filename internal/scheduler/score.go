package scheduler

// loadScore 节点负载分 (0-30), 分越高越满.
// CPU, 内存, GPU 各按使用率折算 0-10 分后相加, 供发起方挑选节点时参考.
func (s *Scheduler) loadScore() int {
	total := s.pool.Total()
	used := s.pool.Allocated()

	// 例如: 总共 16 核, 用掉了 12 核, 得分 = (12/16)*10 = 7分
	cpuScore := 0
	if total.CPUCores > 0 {
		cpuScore = int((float64(used.CPUCores) / float64(total.CPUCores)) * 10)
	}

	memScore := 0
	if total.Memory > 0 {
		memScore = int((float64(used.Memory) / float64(total.Memory)) * 10)
	}

	gpuScore := 0
	if total.GPUCount > 0 {
		gpuScore = int((float64(used.GPUCount) / float64(total.GPUCount)) * 10)
	}

	return cpuScore + memScore + gpuScore
}
