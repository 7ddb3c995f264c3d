package taskservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"atlas/internal/metrics"
	"atlas/internal/p2p"
	"atlas/internal/scheduler"
	"atlas/internal/service"
	"atlas/internal/session"
	"atlas/internal/timer"
)

const (
	TopicSubmit = "task.submit"

	timerSession  = "task_session_timeout"
	timerSchedule = "task_schedule"
	timerSync     = "task_status_sync"
	timerPrune    = "task_prune"
)

type Options struct {
	RequestTimeout time.Duration
	MaxPathLen     int
	RelayRate      float64 // 每秒允许转发的消息数
	RelayBurst     int

	// 以下只对运行任务的节点有效
	ScheduleTick  time.Duration
	SyncInterval  time.Duration
	PruneInterval time.Duration
}

// pending 一个等待回复的请求的上下文
type pending struct {
	msgType   string
	rspType   string
	aggregate bool
	request   TaskRequest
	waiting   map[string]bool // 还没回复的节点
	expected  int             // 期望汇总的任务数, 0 表示等所有节点回复
	collected map[string]bool
	responses []TaskResponse
	reply     func(Result)
}

func (p *pending) result() Result {
	if !p.aggregate && len(p.responses) == 1 {
		rsp := p.responses[0]
		return Result{Code: rsp.Result, Message: rsp.ResultMsg, Responses: p.responses}
	}
	return Result{Code: CodeOK, Responses: p.responses}
}

type outcome struct {
	result Result
	err    error
}

type localRequest struct {
	cmd  Command
	done chan outcome
}

// Service 任务相关的分布式请求/回复. 作为 service.Module 注册进 Loop,
// 除 Submit 外的所有方法都只能在 Loop 的 goroutine 上调用.
type Service struct {
	opts      Options
	loop      *service.Loop
	timers    *timer.Manager
	identity  *p2p.Identity
	transport p2p.Transport
	sessions  *session.Registry[*pending]
	nonces    *p2p.NonceCache
	relay     *rate.Limiter

	// sched 为空表示只发请求不跑任务 (nodectl)
	sched *scheduler.Scheduler

	clock  func() time.Time
	logger *zap.Logger
}

func NewService(opts Options, loop *service.Loop, identity *p2p.Identity, transport p2p.Transport,
	nonces *p2p.NonceCache, sched *scheduler.Scheduler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPathLen < 1 {
		opts.MaxPathLen = 1
	}
	if opts.RelayBurst < 1 {
		opts.RelayBurst = 1
	}
	return &Service{
		opts:      opts,
		loop:      loop,
		timers:    loop.Timers(),
		identity:  identity,
		transport: transport,
		sessions:  session.NewRegistry[*pending](),
		nonces:    nonces,
		relay:     rate.NewLimiter(rate.Limit(opts.RelayRate), opts.RelayBurst),
		sched:     sched,
		clock:     time.Now,
		logger:    logger.With(zap.String("node", short(identity.NodeID()))),
	}
}

// SetClock 替换时钟, 测试用. 定时器的时钟由 Loop 的 timer.Manager 单独设置.
func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Pending 等待回复的 session id
func (s *Service) Pending() []string {
	return s.sessions.IDs()
}

// ---------------------------------------------------------
// service.Module
// ---------------------------------------------------------

func (s *Service) Name() string {
	return "task"
}

func (s *Service) Timers() []service.TimerSpec {
	specs := []service.TimerSpec{{Name: timerSession, Handler: s.onTimeout}}
	if s.sched != nil {
		specs = append(specs,
			service.TimerSpec{Name: timerSchedule, Period: s.opts.ScheduleTick, Handler: s.onSchedule},
			service.TimerSpec{Name: timerSync, Period: s.opts.SyncInterval, Handler: s.onSync},
			service.TimerSpec{Name: timerPrune, Period: s.opts.PruneInterval, Handler: s.onPrune},
		)
	}
	return specs
}

func (s *Service) Handlers() map[string]service.HandlerFunc {
	handlers := make(map[string]service.HandlerFunc, 2*len(commands))
	for req, c := range commands {
		handlers[req] = s.onRequest
		handlers[c.rsp] = s.onResponse
	}
	return handlers
}

func (s *Service) Subscriptions() map[string]service.TopicHandler {
	return map[string]service.TopicHandler{TopicSubmit: s.onSubmit}
}

// ---------------------------------------------------------
// 发起请求
// ---------------------------------------------------------

// Submit 可以在任意 goroutine 上调用, 阻塞到结果返回或 ctx 结束
func (s *Service) Submit(ctx context.Context, cmd Command) (Result, error) {
	lr := &localRequest{cmd: cmd, done: make(chan outcome, 1)}
	if err := s.loop.Publish(TopicSubmit, lr); err != nil {
		return Result{}, err
	}
	select {
	case o := <-lr.done:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Service) onSubmit(ctx context.Context, ev interface{}) {
	lr, ok := ev.(*localRequest)
	if !ok {
		return
	}
	if _, err := s.Request(ctx, lr.cmd, func(r Result) { lr.done <- outcome{result: r} }); err != nil {
		lr.done <- outcome{err: err}
	}
}

// Request 校验, 签名, 注册 session 和超时定时器, 然后广播.
// 返回错误时不会留下 session 或定时器, reply 也不会被调用;
// 否则 reply 恰好被调用一次 (完成或超时).
func (s *Service) Request(ctx context.Context, cmd Command, reply func(Result)) (string, error) {
	self := s.identity.NodeID()

	// 1. Build
	if err := validate(cmd, self, s.sched != nil); err != nil {
		return "", err
	}
	remote := false
	for _, id := range cmd.Request.PeerNodes {
		if id != self {
			remote = true
		}
	}
	if remote && !s.transport.Connected() {
		return "", p2p.ErrNotConnected
	}

	sessionID := uuid.NewString()
	env, err := p2p.NewEnvelope(cmd.Type, sessionID, self, cmd.Request)
	if err != nil {
		return "", err
	}
	if err := s.identity.SignEnvelope(env, s.clock()); err != nil {
		return "", errors.Wrap(err, "sign request")
	}

	// 2. Register
	c := commands[cmd.Type]
	p := &pending{
		msgType:   cmd.Type,
		rspType:   c.rsp,
		aggregate: c.aggregate,
		request:   cmd.Request,
		waiting:   make(map[string]bool, len(cmd.Request.PeerNodes)),
		collected: make(map[string]bool),
		reply:     reply,
	}
	for _, id := range cmd.Request.PeerNodes {
		p.waiting[id] = true
	}
	if cmd.Type == MsgListTaskReq {
		p.expected = len(cmd.Request.TaskIDs)
	}

	timerID := s.timers.AddTimer(timerSession, s.opts.RequestTimeout, 1, sessionID)
	if timerID == timer.InvalidID {
		return "", errors.Errorf("invalid request timeout %v", s.opts.RequestTimeout)
	}
	if err := s.sessions.Add(&session.Session[*pending]{ID: sessionID, TimerID: timerID, Context: p}); err != nil {
		s.timers.RemoveTimer(timerID)
		return "", err
	}
	s.nonces.Remember(env.Header.Nonce, s.clock())
	metrics.LiveSessions.Set(float64(s.sessions.Len()))

	// 3. Send
	if remote {
		if err := s.transport.Broadcast(ctx, env); err != nil {
			s.teardown(sessionID)
			metrics.SessionsFinishedTotal.WithLabelValues(cmd.Type, "send_failed").Inc()
			return "", errors.Wrapf(err, "broadcast %s", cmd.Type)
		}
	}
	s.logger.Debug("request sent",
		zap.String("type", cmd.Type),
		zap.String("session", sessionID),
		zap.Int("peers", len(cmd.Request.PeerNodes)))

	// 本节点也在收件人里, 直接本地处理
	if p.waiting[self] {
		if _, ok := s.sessions.Get(sessionID); ok {
			rsp := s.serve(ctx, cmd.Type, cmd.Request, self)
			s.absorb(sessionID, c.rsp, self, rsp)
		}
	}
	return sessionID, nil
}

// absorb 把一个节点的回复并入 session, 满足完成条件时结束 session
func (s *Service) absorb(sessionID, rspType, from string, rsp TaskResponse) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	p := sess.Context
	if p.rspType != rspType || !p.waiting[from] {
		s.logger.Debug("ignoring unexpected reply",
			zap.String("session", sessionID),
			zap.String("type", rspType),
			zap.String("from", short(from)))
		return
	}
	delete(p.waiting, from)
	rsp.NodeID = from
	p.responses = append(p.responses, rsp)
	for _, t := range rsp.Tasks {
		p.collected[t.ID] = true
	}

	done := !p.aggregate ||
		len(p.waiting) == 0 ||
		(p.expected > 0 && len(p.collected) >= p.expected)
	if done {
		s.finish(sessionID)
	}
}

// finish 完成路径. 先 Remove, 拿到 session 的一方才继续, 所以完成和超时只会发生一个.
func (s *Service) finish(sessionID string) {
	sess, ok := s.sessions.Remove(sessionID)
	if !ok {
		return
	}
	s.timers.RemoveTimer(sess.TimerID)
	metrics.LiveSessions.Set(float64(s.sessions.Len()))
	metrics.SessionsFinishedTotal.WithLabelValues(sess.Context.msgType, "completed").Inc()
	sess.Context.reply(sess.Context.result())
}

// onTimeout 超时路径, 定时器 repeat=1, 触发后已经被 Manager 删除
func (s *Service) onTimeout(_ context.Context, sessionID string) {
	sess, ok := s.sessions.Remove(sessionID)
	if !ok {
		return
	}
	metrics.LiveSessions.Set(float64(s.sessions.Len()))
	metrics.SessionsFinishedTotal.WithLabelValues(sess.Context.msgType, "timeout").Inc()
	s.logger.Info("request timed out",
		zap.String("type", sess.Context.msgType),
		zap.String("session", sessionID),
		zap.Int("answered", len(sess.Context.responses)))
	sess.Context.reply(Result{Code: CodeTimeout, Message: TimedOut, Responses: sess.Context.responses})
}

// teardown 发送失败时回收, 不通知调用方
func (s *Service) teardown(sessionID string) {
	if sess, ok := s.sessions.Remove(sessionID); ok {
		s.timers.RemoveTimer(sess.TimerID)
	}
	metrics.LiveSessions.Set(float64(s.sessions.Len()))
}

// ---------------------------------------------------------
// 入站消息
// ---------------------------------------------------------

// admit 结构校验 -> 验签 -> nonce 去重, 任何一步失败都丢弃
func (s *Service) admit(env *p2p.Envelope) bool {
	if env.Visited(s.identity.NodeID()) {
		metrics.EnvelopesDroppedTotal.WithLabelValues("loop").Inc()
		return false
	}
	if err := env.Validate(); err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues("malformed").Inc()
		s.logger.Debug("dropping malformed envelope", zap.String("type", env.Header.Type), zap.Error(err))
		return false
	}
	if err := p2p.VerifyEnvelope(env); err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues("bad_signature").Inc()
		s.logger.Warn("dropping envelope with bad signature",
			zap.String("type", env.Header.Type),
			zap.String("origin", short(env.Origin())),
			zap.Error(err))
		return false
	}
	signedAt, _ := env.SignedAt()
	if err := s.nonces.Check(env.Header.Nonce, signedAt, s.clock()); err != nil {
		reason := "replayed"
		switch {
		case errors.Is(err, p2p.ErrExpired):
			reason = "expired"
		case errors.Is(err, p2p.ErrSaturated):
			reason = "saturated"
			s.logger.Warn("nonce cache saturated, dropping envelope", zap.String("type", env.Header.Type))
		}
		metrics.EnvelopesDroppedTotal.WithLabelValues(reason).Inc()
		return false
	}
	return true
}

func (s *Service) onRequest(ctx context.Context, env *p2p.Envelope) {
	if !s.admit(env) {
		return
	}
	var req TaskRequest
	if err := env.DecodeBody(&req); err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	self := s.identity.NodeID()
	forMe, forOthers := false, false
	for _, id := range req.PeerNodes {
		switch {
		case id == self:
			forMe = true
		case !env.Visited(id):
			forOthers = true
		}
	}

	if forMe && s.sched != nil {
		rsp := s.serve(ctx, env.Header.Type, req, env.Origin())
		s.respond(ctx, env, rsp)
	}
	if forOthers {
		s.forward(ctx, env, false)
	}
}

func (s *Service) onResponse(ctx context.Context, env *p2p.Envelope) {
	if !s.admit(env) {
		return
	}
	if env.Dest() != s.identity.NodeID() {
		s.forward(ctx, env, true)
		return
	}
	var rsp TaskResponse
	if err := env.DecodeBody(&rsp); err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}
	if _, ok := s.sessions.Get(env.Header.SessionID); !ok {
		// 已经完成或超时的 session, 不能再处理一次
		s.logger.Debug("late reply dropped", zap.String("session", env.Header.SessionID))
		return
	}
	s.absorb(env.Header.SessionID, env.Header.Type, env.Origin(), rsp)
}

// respond 回复和请求使用同一个 session id, dest_id 指向请求方
func (s *Service) respond(ctx context.Context, req *p2p.Envelope, rsp TaskResponse) {
	self := s.identity.NodeID()
	rsp.NodeID = self
	env, err := p2p.NewEnvelope(commands[req.Header.Type].rsp, req.Header.SessionID, self, rsp)
	if err != nil {
		s.logger.Error("failed to build reply", zap.Error(err))
		return
	}
	env.Header.Exts[p2p.ExtDestID] = req.Origin()
	if err := s.identity.SignEnvelope(env, s.clock()); err != nil {
		s.logger.Error("failed to sign reply", zap.Error(err))
		return
	}
	s.nonces.Remember(env.Header.Nonce, s.clock())
	if err := s.transport.SendResponse(ctx, env); err != nil {
		s.logger.Warn("failed to send reply",
			zap.String("type", env.Header.Type),
			zap.String("session", env.Header.SessionID),
			zap.Error(err))
	}
}

// forward 把自己追加到 path 后重新广播. 只有运行任务的节点参与转发.
func (s *Service) forward(ctx context.Context, env *p2p.Envelope, response bool) {
	if s.sched == nil {
		return
	}
	if len(env.Header.Path) >= s.opts.MaxPathLen {
		metrics.EnvelopesDroppedTotal.WithLabelValues("path_limit").Inc()
		return
	}
	if !s.relay.Allow() {
		metrics.EnvelopesDroppedTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	c := env.Clone()
	c.Header.Path = append(c.Header.Path, s.identity.NodeID())

	var err error
	if response {
		err = s.transport.SendResponse(ctx, c)
	} else {
		err = s.transport.Broadcast(ctx, c)
	}
	if err != nil {
		s.logger.Debug("relay failed", zap.String("type", env.Header.Type), zap.Error(err))
		return
	}
	metrics.EnvelopesRelayedTotal.Inc()
}

// ---------------------------------------------------------
// 调度定时器
// ---------------------------------------------------------

func (s *Service) onSchedule(ctx context.Context, _ string) {
	s.sched.ProcessQueue(ctx)
}

func (s *Service) onSync(ctx context.Context, _ string) {
	s.sched.SyncStatus(ctx, s.clock())
}

func (s *Service) onPrune(ctx context.Context, _ string) {
	if n := s.sched.Prune(ctx, s.clock()); n > 0 {
		s.logger.Info("tasks pruned", zap.Int("count", n))
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
