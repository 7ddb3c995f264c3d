package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"atlas/internal/scheduler"
	"atlas/internal/service"
	"atlas/pkg/store"
)

const timerHeartbeat = "node_heartbeat"

// heartbeat 周期性地把本节点的资源视图写进共享的节点表, nodectl 靠它发现节点
type heartbeat struct {
	period   time.Duration
	sched    *scheduler.Scheduler
	registry *store.TaskStore
	logger   *zap.Logger
}

func newHeartbeat(period time.Duration, sched *scheduler.Scheduler, registry *store.TaskStore, logger *zap.Logger) *heartbeat {
	return &heartbeat{period: period, sched: sched, registry: registry, logger: logger}
}

func (h *heartbeat) Name() string {
	return "heartbeat"
}

func (h *heartbeat) Timers() []service.TimerSpec {
	return []service.TimerSpec{{Name: timerHeartbeat, Period: h.period, Handler: h.beat}}
}

func (h *heartbeat) Handlers() map[string]service.HandlerFunc {
	return nil
}

func (h *heartbeat) Subscriptions() map[string]service.TopicHandler {
	return nil
}

func (h *heartbeat) beat(ctx context.Context, _ string) {
	info := h.sched.NodeInfo()
	if err := h.registry.RegisterNode(ctx, &info); err != nil {
		h.logger.Warn("failed to register node", zap.Error(err))
	}
}
