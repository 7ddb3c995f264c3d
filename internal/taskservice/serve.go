package taskservice

import (
	"context"

	"go.uber.org/zap"

	"atlas/internal/scheduler"
	"atlas/pkg/model"
)

// serve 在本节点执行一个请求, 错误放进回复里而不是返回
func (s *Service) serve(ctx context.Context, msgType string, req TaskRequest, origin string) TaskResponse {
	var (
		task *model.Task
		rsp  TaskResponse
		err  error
	)

	switch msgType {
	case MsgCreateTaskReq:
		if req.Spec == nil || req.Resource == nil {
			err = ErrInvalidRequest
			break
		}
		task, err = s.sched.CreateTask(ctx, scheduler.CreateRequest{
			TaskID:   req.TaskID,
			Backend:  req.Backend,
			Spec:     *req.Spec,
			Resource: *req.Resource,
			Owner:    origin,
			RentEnd:  req.RentEnd,
		})
	case MsgStartTaskReq:
		task, err = s.sched.StartTask(ctx, req.TaskID)
	case MsgStopTaskReq:
		task, err = s.sched.StopTask(ctx, req.TaskID)
	case MsgRestartTaskReq:
		task, err = s.sched.RestartTask(ctx, req.TaskID)
	case MsgResetTaskReq:
		task, err = s.sched.ResetTask(ctx, req.TaskID, req.Spec)
	case MsgDeleteTaskReq:
		task, err = s.sched.DeleteTask(ctx, req.TaskID)
	case MsgListTaskReq:
		rsp.Tasks = s.sched.ListTasks(req.TaskIDs)
	case MsgTaskLogsReq:
		rsp.Log, err = s.sched.TaskLog(ctx, req.TaskID, req.LogDirection, req.LogLines)
	case MsgQueryNodeInfoReq:
		info := s.sched.NodeInfo()
		rsp.Node = &info
	default:
		err = ErrUnknownCommand
	}

	if task != nil {
		rsp.Tasks = []model.TaskInfo{task.Info(s.identity.NodeID())}
	}
	if err != nil {
		rsp.Result = CodeFor(err)
		rsp.ResultMsg = err.Error()
		s.logger.Info("request rejected",
			zap.String("type", msgType),
			zap.String("task", req.TaskID),
			zap.String("origin", short(origin)),
			zap.Error(err))
		return rsp
	}
	rsp.ResultMsg = "ok"
	return rsp
}
