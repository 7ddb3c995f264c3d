package session_test

import (
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"atlas/internal/session"
	"atlas/internal/timer"
)

type scratch struct {
	expected  int
	collected []string
}

var _ = Describe("Session Registry", func() {
	var registry *session.Registry[*scratch]

	BeforeEach(func() {
		registry = session.NewRegistry[*scratch]()
	})

	It("Will reject duplicate session ids without replacing the original", func() {
		first := &session.Session[*scratch]{ID: "s1", TimerID: timer.ID(1), Context: &scratch{expected: 2}}
		Expect(registry.Add(first)).To(Succeed())

		err := registry.Add(&session.Session[*scratch]{ID: "s1", TimerID: timer.ID(2)})
		Expect(errors.Is(err, session.ErrDuplicateSession)).To(BeTrue())

		s, ok := registry.Get("s1")
		Expect(ok).To(BeTrue())
		Expect(s.TimerID).To(Equal(timer.ID(1)))
		Expect(s.Context.expected).To(Equal(2))
	})

	It("Will reject sessions without an id", func() {
		Expect(registry.Add(&session.Session[*scratch]{})).ToNot(Succeed())
		Expect(registry.Add(nil)).ToNot(Succeed())
		Expect(registry.Len()).To(Equal(0))
	})

	It("Will let only the first removal win", func() {
		Expect(registry.Add(&session.Session[*scratch]{ID: "s1", TimerID: timer.ID(1)})).To(Succeed())

		s, ok := registry.Remove("s1")
		Expect(ok).To(BeTrue())
		Expect(s.Pending()).To(BeTrue())

		s, ok = registry.Remove("s1")
		Expect(ok).To(BeFalse())
		Expect(s).To(BeNil())
		Expect(registry.Len()).To(Equal(0))
	})

	It("Will keep the context mutable across lookups", func() {
		Expect(registry.Add(&session.Session[*scratch]{ID: "agg", Context: &scratch{expected: 2}})).To(Succeed())

		s, _ := registry.Get("agg")
		s.Context.collected = append(s.Context.collected, "t1")
		s, _ = registry.Get("agg")
		Expect(s.Context.collected).To(Equal([]string{"t1"}))
		Expect(s.Pending()).To(BeFalse())
		Expect(registry.IDs()).To(Equal([]string{"agg"}))
	})
})
