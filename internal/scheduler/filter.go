package scheduler

import (
	"strings"

	"github.com/pkg/errors"

	"atlas/internal/backend"
	"atlas/pkg/model"
)

const (
	MinLogLines = 1
	MaxLogLines = 1000
)

// validateCreate 执行创建请求的硬性检查, 不满足的直接拒绝
func (s *Scheduler) validateCreate(req CreateRequest) error {
	// 1. task id 格式
	if !validTaskID(req.TaskID) {
		return errors.Wrapf(ErrInvalidRequest, "bad task_id %q", req.TaskID)
	}

	// 2. 必填字段
	if strings.TrimSpace(req.Spec.Engine) == "" {
		return errors.Wrap(ErrInvalidRequest, "engine is required")
	}
	if strings.TrimSpace(req.Spec.EntryFile) == "" {
		return errors.Wrap(ErrInvalidRequest, "entry_file is required")
	}
	if strings.TrimSpace(req.Spec.CodeDir) == "" {
		return errors.Wrap(ErrInvalidRequest, "code_dir is required")
	}

	// 3. 后端
	if !req.Backend.Valid() {
		return errors.Wrapf(ErrInvalidRequest, "unknown backend %q", req.Backend)
	}
	if _, ok := s.backends[req.Backend]; !ok {
		return errors.Wrapf(ErrInvalidRequest, "backend %s not available on this node", req.Backend)
	}

	// 4. 资源请求本身
	return validateRequest(req.Resource)
}

func validateRequest(req model.ResourceRequest) error {
	if req.CPUCores < 1 {
		return errors.Wrapf(ErrInvalidRequest, "cpu_cores must be >= 1, got %d", req.CPUCores)
	}
	if req.MemFraction <= 0 || req.MemFraction > 1 {
		return errors.Wrapf(ErrInvalidRequest, "mem_fraction must be in (0, 1], got %v", req.MemFraction)
	}
	if req.GPUCount < 0 {
		return errors.Wrapf(ErrInvalidRequest, "gpu_count must be >= 0, got %d", req.GPUCount)
	}
	return nil
}

// ValidateLogRequest 行数 [1, 1000], 方向 head 或 tail
func ValidateLogRequest(dir backend.Direction, lines int) error {
	if !dir.Valid() {
		return errors.Wrapf(ErrInvalidRequest, "direction must be head or tail, got %q", dir)
	}
	if lines < MinLogLines || lines > MaxLogLines {
		return errors.Wrapf(ErrInvalidRequest, "lines must be in [%d, %d], got %d", MinLogLines, MaxLogLines, lines)
	}
	return nil
}

// validTaskID 1-64 个字符, 只允许字母数字和 - _ .
func validTaskID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
