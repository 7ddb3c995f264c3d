package backend

import (
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"atlas/pkg/model"
)

const DefaultVMRuntime = "kata-runtime"

// NewVM 虚拟机后端: 同一个 docker engine, 但容器交给 VM 隔离的 OCI runtime 启动.
// 虚拟机关机比容器慢, 停止等待时间至少一分钟.
func NewVM(cli *client.Client, runtime string, stopTimeout time.Duration, logger *zap.Logger) *Docker {
	if runtime == "" {
		runtime = DefaultVMRuntime
	}
	if stopTimeout < time.Minute {
		stopTimeout = time.Minute
	}
	return &Docker{
		cli:         cli,
		kind:        model.BackendVM,
		runtime:     runtime,
		stopTimeout: int(stopTimeout.Seconds()),
		logger:      logger.With(zap.String("backend", string(model.BackendVM)), zap.String("runtime", runtime)),
	}
}
