package taskservice

import (
	"time"

	"github.com/pkg/errors"

	"atlas/internal/backend"
	"atlas/internal/p2p"
	"atlas/internal/scheduler"
	"atlas/pkg/model"
)

// 消息类型
const (
	MsgCreateTaskReq    = "node_create_task_req"
	MsgCreateTaskRsp    = "node_create_task_rsp"
	MsgStartTaskReq     = "node_start_task_req"
	MsgStartTaskRsp     = "node_start_task_rsp"
	MsgStopTaskReq      = "node_stop_task_req"
	MsgStopTaskRsp      = "node_stop_task_rsp"
	MsgRestartTaskReq   = "node_restart_task_req"
	MsgRestartTaskRsp   = "node_restart_task_rsp"
	MsgResetTaskReq     = "node_reset_task_req"
	MsgResetTaskRsp     = "node_reset_task_rsp"
	MsgDeleteTaskReq    = "node_delete_task_req"
	MsgDeleteTaskRsp    = "node_delete_task_rsp"
	MsgListTaskReq      = "node_list_task_req"
	MsgListTaskRsp      = "node_list_task_rsp"
	MsgTaskLogsReq      = "node_task_logs_req"
	MsgTaskLogsRsp      = "node_task_logs_rsp"
	MsgQueryNodeInfoReq = "node_query_node_info_req"
	MsgQueryNodeInfoRsp = "node_query_node_info_rsp"
)

// 结果码
const (
	CodeOK         = 0
	CodeInvalid    = 1
	CodeNoResource = 2
	CodeBusy       = 3
	CodeNotFound   = 4
	CodeExists     = 5
	CodeTimeout    = 6
	CodeNetwork    = 7
	CodeInternal   = 8
)

const TimedOut = "timed out"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownCommand = errors.New("unknown command")
)

// command 一种请求的回复类型和完成策略
type command struct {
	rsp       string
	aggregate bool // 汇总多个节点的回复
}

var commands = map[string]command{
	MsgCreateTaskReq:    {rsp: MsgCreateTaskRsp},
	MsgStartTaskReq:     {rsp: MsgStartTaskRsp},
	MsgStopTaskReq:      {rsp: MsgStopTaskRsp},
	MsgRestartTaskReq:   {rsp: MsgRestartTaskRsp},
	MsgResetTaskReq:     {rsp: MsgResetTaskRsp},
	MsgDeleteTaskReq:    {rsp: MsgDeleteTaskRsp},
	MsgListTaskReq:      {rsp: MsgListTaskRsp, aggregate: true},
	MsgTaskLogsReq:      {rsp: MsgTaskLogsRsp},
	MsgQueryNodeInfoReq: {rsp: MsgQueryNodeInfoRsp, aggregate: true},
}

// TaskRequest 所有请求共用的 body
type TaskRequest struct {
	PeerNodes []string `json:"peer_nodes"`
	TaskID    string   `json:"task_id,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`

	Backend  model.BackendKind      `json:"backend,omitempty"`
	Spec     *model.TaskSpec        `json:"spec,omitempty"`
	Resource *model.ResourceRequest `json:"resource,omitempty"`
	RentEnd  time.Time              `json:"rent_end"`

	LogDirection backend.Direction `json:"log_direction,omitempty"`
	LogLines     int               `json:"log_lines,omitempty"`
}

// TaskResponse 所有回复共用的 body
type TaskResponse struct {
	Result    int              `json:"result"`
	ResultMsg string           `json:"result_msg"`
	NodeID    string           `json:"node_id"`
	Tasks     []model.TaskInfo `json:"tasks,omitempty"`
	Log       string           `json:"log,omitempty"`
	Node      *model.NodeInfo  `json:"node,omitempty"`
}

// Command 调用方提交的一次请求, Type 是请求消息类型
type Command struct {
	Type    string
	Request TaskRequest
}

// Result 一次请求的最终结果. 单节点请求的 Code/Message 来自对方的回复.
type Result struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Responses []TaskResponse `json:"responses,omitempty"`
}

// Tasks 所有回复里的任务
func (r Result) Tasks() []model.TaskInfo {
	var out []model.TaskInfo
	for _, rsp := range r.Responses {
		out = append(out, rsp.Tasks...)
	}
	return out
}

// Nodes 所有回复里的节点信息
func (r Result) Nodes() []model.NodeInfo {
	var out []model.NodeInfo
	for _, rsp := range r.Responses {
		if rsp.Node != nil {
			out = append(out, *rsp.Node)
		}
	}
	return out
}

// CodeFor 把错误映射成结果码
func CodeFor(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownCommand), errors.Is(err, scheduler.ErrInvalidRequest):
		return CodeInvalid
	case errors.Is(err, scheduler.ErrInsufficientResources), errors.Is(err, scheduler.ErrTooManyTasks):
		return CodeNoResource
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, scheduler.ErrInvalidState):
		return CodeBusy
	case errors.Is(err, scheduler.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, scheduler.ErrTaskExists):
		return CodeExists
	case errors.Is(err, p2p.ErrNotConnected):
		return CodeNetwork
	}
	return CodeInternal
}

// validate 发送前的结构检查
func validate(cmd Command, selfID string, serving bool) error {
	if _, ok := commands[cmd.Type]; !ok {
		return errors.Wrap(ErrUnknownCommand, cmd.Type)
	}
	req := cmd.Request
	if len(req.PeerNodes) == 0 {
		return errors.Wrap(ErrInvalidRequest, "peer_nodes is empty")
	}
	seen := make(map[string]bool, len(req.PeerNodes))
	for _, id := range req.PeerNodes {
		if !p2p.ValidNodeID(id) {
			return errors.Wrapf(ErrInvalidRequest, "bad node id %q", id)
		}
		if seen[id] {
			return errors.Wrapf(ErrInvalidRequest, "duplicate node id %s", id)
		}
		seen[id] = true
	}
	if seen[selfID] && !serving {
		return errors.Wrap(ErrInvalidRequest, "this node does not run tasks")
	}
	if !commands[cmd.Type].aggregate && len(req.PeerNodes) != 1 {
		return errors.Wrapf(ErrInvalidRequest, "%s addresses exactly one node", cmd.Type)
	}

	switch cmd.Type {
	case MsgListTaskReq, MsgQueryNodeInfoReq:
		return nil
	case MsgCreateTaskReq:
		if req.Spec == nil || req.Resource == nil {
			return errors.Wrap(ErrInvalidRequest, "spec and resource are required")
		}
		if !req.Backend.Valid() {
			return errors.Wrapf(ErrInvalidRequest, "unknown backend %q", req.Backend)
		}
	case MsgTaskLogsReq:
		if err := scheduler.ValidateLogRequest(req.LogDirection, req.LogLines); err != nil {
			return err
		}
	}
	if req.TaskID == "" {
		return errors.Wrap(ErrInvalidRequest, "task_id is required")
	}
	return nil
}
