package timer_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"atlas/internal/timer"
)

type fire struct {
	name string
	key  string
}

var _ = Describe("Timer Manager", func() {
	var (
		start   time.Time
		fires   []fire
		manager *timer.Manager
	)

	BeforeEach(func() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		fires = nil
		manager = timer.NewManager(time.Second, func(name, key string) {
			fires = append(fires, fire{name: name, key: key})
		}, nil)
		manager.SetClock(func() time.Time { return start })
	})

	It("Will allocate ids starting at 1 and reject invalid timers", func() {
		Expect(manager.AddTimer("lease", 20*time.Second, 1, "s1")).To(Equal(timer.ID(1)))
		Expect(manager.AddTimer("lease", 20*time.Second, 1, "s2")).To(Equal(timer.ID(2)))

		Expect(manager.AddTimer("too_fast", 500*time.Millisecond, 1, "")).To(Equal(timer.InvalidID))
		Expect(manager.AddTimer("no_repeat", 2*time.Second, 0, "")).To(Equal(timer.InvalidID))
		Expect(manager.Len()).To(Equal(2))
	})

	It("Will fire a single-shot timer exactly once and then remove it", func() {
		id := manager.AddTimer("lease", 20*time.Second, 1, "s1")

		manager.Process(start.Add(10 * time.Second))
		Expect(fires).To(BeEmpty())

		manager.Process(start.Add(20 * time.Second))
		Expect(fires).To(Equal([]fire{{name: "lease", key: "s1"}}))

		_, ok := manager.Get(id)
		Expect(ok).To(BeFalse())

		manager.Process(start.Add(40 * time.Second))
		manager.Process(start.Add(400 * time.Second))
		Expect(fires).To(HaveLen(1))
	})

	It("Will only fire once per sweep even after a large time jump", func() {
		id := manager.AddTimer("tick", time.Second, timer.Unbounded, "")

		manager.Process(start.Add(time.Hour))
		Expect(fires).To(HaveLen(1))

		t, ok := manager.Get(id)
		Expect(ok).To(BeTrue())
		Expect(t.NextFirePoint()).To(Equal(start.Add(time.Hour + time.Second)))
		Expect(t.Repeat()).To(Equal(timer.Unbounded))
	})

	It("Will decrement bounded repeat counts and destroy the timer at zero", func() {
		id := manager.AddTimer("retry", time.Second, 3, "k")

		now := start
		for i := 0; i < 5; i++ {
			now = now.Add(time.Second)
			manager.Process(now)
		}
		Expect(fires).To(HaveLen(3))
		_, ok := manager.Get(id)
		Expect(ok).To(BeFalse())
	})

	It("Will treat removal as idempotent", func() {
		id := manager.AddTimer("lease", 2*time.Second, 1, "s1")
		manager.RemoveTimer(id)
		manager.RemoveTimer(id)
		manager.RemoveTimer(timer.ID(999))

		manager.Process(start.Add(time.Minute))
		Expect(fires).To(BeEmpty())
		Expect(manager.Len()).To(Equal(0))
	})

	It("Will not fire a timer removed by an earlier callback in the same sweep", func() {
		var second timer.ID
		manager = timer.NewManager(time.Second, func(name, key string) {
			fires = append(fires, fire{name: name, key: key})
			if name == "first" {
				manager.RemoveTimer(second)
			}
		}, nil)
		manager.SetClock(func() time.Time { return start })

		manager.AddTimer("first", time.Second, 1, "a")
		second = manager.AddTimer("second", time.Second, 1, "b")

		manager.Process(start.Add(time.Second))
		Expect(fires).To(Equal([]fire{{name: "first", key: "a"}}))
		Expect(manager.Len()).To(Equal(0))
	})

	It("Will not fire a timer added during the sweep until a later sweep", func() {
		manager = timer.NewManager(time.Second, func(name, key string) {
			fires = append(fires, fire{name: name, key: key})
			if name == "parent" {
				manager.AddTimer("child", time.Second, 1, "c")
			}
		}, nil)
		manager.SetClock(func() time.Time { return start })

		manager.AddTimer("parent", time.Second, 1, "p")
		manager.Process(start.Add(5 * time.Second))
		Expect(fires).To(HaveLen(1))

		manager.Process(start.Add(10 * time.Second))
		Expect(fires).To(HaveLen(2))
		Expect(fires[1].name).To(Equal("child"))
	})
})
