package backend

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"atlas/pkg/model"
)

var _ = Describe("Backend helpers", func() {
	It("Will clip logs from the head or the tail", func() {
		text := "one\ntwo\nthree\nfour\n"
		Expect(Clip(text, Head, 2)).To(Equal("one\ntwo"))
		Expect(Clip(text, Tail, 2)).To(Equal("three\nfour"))
		Expect(Clip(text, Tail, 10)).To(Equal("one\ntwo\nthree\nfour"))
		Expect(Clip("", Tail, 10)).To(Equal(""))
	})

	It("Will classify disk exhaustion and missing images", func() {
		err := classify("create", errors.New("write /var/lib/docker: no space left on device"))
		Expect(errors.Is(err, ErrNoSpace)).To(BeTrue())

		err = classify("pull", errors.New("manifest unknown: manifest unknown"))
		Expect(errors.Is(err, ErrImageNotFound)).To(BeTrue())

		err = classify("start", errors.New("connection reset"))
		Expect(errors.Is(err, ErrNoSpace)).To(BeFalse())
		Expect(err.Error()).To(ContainSubstring("start"))
	})

	It("Will build backend parameters from a task reservation", func() {
		task := &model.Task{
			ID:   "t1",
			Spec: model.TaskSpec{Engine: "pytorch:2.1", EntryFile: "train.py", CodeDir: "/data/t1"},
			Reservation: &model.Reservation{
				Owner: "t1", CPUCores: 4, MemBytes: 1 << 30, GPUs: []string{"gpu0"},
			},
		}
		spec := SpecFor(task)
		Expect(spec.Name).To(Equal("t1"))
		Expect(spec.Image).To(Equal("pytorch:2.1"))
		Expect(spec.CPUCores).To(Equal(4))
		Expect(spec.GPUs).To(Equal([]string{"gpu0"}))
	})
})

var _ = Describe("Fake backend", func() {
	var (
		ctx  context.Context
		fake *Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = NewFake(model.BackendContainer)
	})

	It("Will refuse to create from a missing image until it is pulled", func() {
		_, err := fake.Create(ctx, Spec{Name: "t1", Image: "img"})
		Expect(errors.Is(err, ErrImageNotFound)).To(BeTrue())

		Expect(fake.PullImage(ctx, "img")).To(Succeed())
		handle, err := fake.Create(ctx, Spec{Name: "t1", Image: "img"})
		Expect(err).To(BeNil())
		Expect(fake.Start(ctx, handle)).To(Succeed())

		state, err := fake.Inspect(ctx, handle)
		Expect(err).To(BeNil())
		Expect(state.Running).To(BeTrue())

		Expect(fake.Destroy(ctx, handle)).To(Succeed())
		Expect(fake.Destroy(ctx, handle)).To(Succeed())
		Expect(fake.Handles()).To(BeEmpty())
	})

	It("Will return injected failures", func() {
		boom := errors.New("boom")
		fake.Fail("pull", boom)
		Expect(fake.PullImage(ctx, "img")).To(MatchError(boom))
		fake.Fail("pull", nil)
		Expect(fake.PullImage(ctx, "img")).To(Succeed())
	})
})
