package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"atlas/internal/p2p"
	"atlas/internal/service"
)

type recorder struct {
	name     string
	msgType  string
	period   time.Duration
	messages []string
	events   []interface{}
	ticks    []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Timers() []service.TimerSpec {
	return []service.TimerSpec{{
		Name:   r.name + "_tick",
		Period: r.period,
		Handler: func(_ context.Context, key string) {
			r.ticks = append(r.ticks, key)
		},
	}}
}

func (r *recorder) Handlers() map[string]service.HandlerFunc {
	return map[string]service.HandlerFunc{
		r.msgType: func(_ context.Context, env *p2p.Envelope) {
			r.messages = append(r.messages, env.Header.SessionID)
		},
	}
}

func (r *recorder) Subscriptions() map[string]service.TopicHandler {
	return map[string]service.TopicHandler{
		r.name + "_events": func(_ context.Context, ev interface{}) {
			r.events = append(r.events, ev)
		},
	}
}

var _ = Describe("Dispatch Loop", func() {
	var (
		ctx  context.Context
		loop *service.Loop
		rec  *recorder
		id   *p2p.Identity
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		loop = service.NewLoop(time.Second, time.Second, 4, nil)
		rec = &recorder{name: "rec", msgType: "ping_req", period: 2 * time.Second}
		id, err = p2p.GenerateIdentity()
		Expect(err).To(BeNil())
		Expect(loop.Register(rec)).To(Succeed())
	})

	It("Will route envelopes to the handler registered for their type", func() {
		env, err := p2p.NewEnvelope("ping_req", "", id.NodeID(), map[string]string{"x": "y"})
		Expect(err).To(BeNil())
		loop.Dispatch(ctx, env)

		other, err := p2p.NewEnvelope("pong_req", "", id.NodeID(), nil)
		Expect(err).To(BeNil())
		loop.Dispatch(ctx, other)

		Expect(rec.messages).To(Equal([]string{env.Header.SessionID}))
	})

	It("Will reject a second module claiming the same message type", func() {
		dup := &recorder{name: "dup", msgType: "ping_req", period: 2 * time.Second}
		err := loop.Register(dup)
		Expect(errors.Is(err, service.ErrDuplicateHandler)).To(BeTrue())
	})

	It("Will add periodic timers on register and fire them from the sweep", func() {
		Expect(loop.Timers().Len()).To(Equal(1))

		now := time.Now()
		loop.ProcessTimers(ctx, now.Add(time.Second))
		Expect(rec.ticks).To(BeEmpty())

		loop.ProcessTimers(ctx, now.Add(3*time.Second))
		Expect(rec.ticks).To(HaveLen(1))
		Expect(loop.Timers().Len()).To(Equal(1))
	})

	It("Will route callback-only timers added by a module", func() {
		lazy := &recorder{name: "lazy", msgType: "lazy_req"}
		Expect(loop.Register(lazy)).To(Succeed())
		Expect(loop.Timers().Len()).To(Equal(1))

		loop.Timers().AddTimer("lazy_tick", time.Second, 1, "session-1")
		loop.ProcessTimers(ctx, time.Now().Add(2*time.Second))
		Expect(lazy.ticks).To(Equal([]string{"session-1"}))
	})

	It("Will queue published events and report a full queue", func() {
		for i := 0; i < 4; i++ {
			Expect(loop.Publish("rec_events", i)).To(Succeed())
		}
		Expect(loop.Publish("rec_events", 4)).To(MatchError(service.ErrQueueFull))
	})

	It("Will run until the context is cancelled and refuse events afterwards", func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			loop.Run(runCtx)
			close(done)
		}()

		Expect(loop.Publish("rec_events", "hello")).To(Succeed())
		cancel()
		Eventually(done).Should(BeClosed())
		Expect(loop.Publish("rec_events", "late")).To(MatchError(service.ErrStopped))
	})
})
