package scheduler_test

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"atlas/internal/scheduler"
	"atlas/pkg/model"
)

const GB = int64(1) << 30

var _ = Describe("Resource Pool", func() {
	var pool *scheduler.Pool

	BeforeEach(func() {
		pool = scheduler.NewPool(model.NodeCapacity{
			Sockets:        1,
			CoresPerSocket: 8,
			ThreadsPerCore: 1,
			GPUs:           []string{"g0", "g1"},
			MemBytes:       16 * GB,
		})
	})

	It("Will grant a reservation first-fit and refuse an oversized one without changes", func() {
		res, err := pool.Reserve("t1", model.ResourceRequest{CPUCores: 4, MemFraction: 0.5, GPUCount: 1})
		Expect(err).To(BeNil())
		Expect(res.CPUCores).To(Equal(4))
		Expect(res.MemBytes).To(Equal(8 * GB))
		Expect(res.GPUs).To(Equal([]string{"g0"}))

		Expect(pool.Free()).To(Equal(model.Resource{CPUCores: 4, GPUCount: 1, Memory: 8 * GB}))
		Expect(pool.FreeGPUs()).To(Equal([]string{"g1"}))

		before := pool.Free()
		_, err = pool.Reserve("t2", model.ResourceRequest{CPUCores: 8, MemFraction: 0.1, GPUCount: 0})
		Expect(errors.Is(err, scheduler.ErrInsufficientResources)).To(BeTrue())
		Expect(pool.Free()).To(Equal(before))
		Expect(pool.FreeGPUs()).To(Equal([]string{"g1"}))
	})

	It("Will round cpu cores up to a multiple of sockets times threads", func() {
		pool = scheduler.NewPool(model.NodeCapacity{
			Sockets: 2, CoresPerSocket: 8, ThreadsPerCore: 2, MemBytes: 64 * GB,
		})
		res, err := pool.Reserve("t1", model.ResourceRequest{CPUCores: 5, MemFraction: 0.25})
		Expect(err).To(BeNil())
		Expect(res.CPUCores).To(Equal(8))
		Expect(pool.Free().CPUCores).To(Equal(24))
	})

	It("Will report which dimension ran out", func() {
		_, err := pool.Reserve("t1", model.ResourceRequest{CPUCores: 1, MemFraction: 0.1, GPUCount: 3})
		Expect(scheduler.IsGPUShortage(err)).To(BeTrue())

		_, err = pool.Reserve("t2", model.ResourceRequest{CPUCores: 1, MemFraction: 1, GPUCount: 0})
		Expect(err).To(BeNil())
		_, err = pool.Reserve("t3", model.ResourceRequest{CPUCores: 1, MemFraction: 0.01})
		Expect(errors.Is(err, scheduler.ErrInsufficientResources)).To(BeTrue())
		Expect(scheduler.IsGPUShortage(err)).To(BeFalse())
	})

	It("Will reject malformed requests and a second reservation for the same owner", func() {
		_, err := pool.Reserve("t1", model.ResourceRequest{CPUCores: 0, MemFraction: 0.5})
		Expect(errors.Is(err, scheduler.ErrInvalidRequest)).To(BeTrue())
		_, err = pool.Reserve("t1", model.ResourceRequest{CPUCores: 1, MemFraction: 1.5})
		Expect(errors.Is(err, scheduler.ErrInvalidRequest)).To(BeTrue())

		_, err = pool.Reserve("t1", model.ResourceRequest{CPUCores: 1, MemFraction: 0.1})
		Expect(err).To(BeNil())
		_, err = pool.Reserve("t1", model.ResourceRequest{CPUCores: 1, MemFraction: 0.1})
		Expect(errors.Is(err, scheduler.ErrAlreadyReserved)).To(BeTrue())
	})

	It("Will release idempotently without crediting twice", func() {
		_, err := pool.Reserve("t1", model.ResourceRequest{CPUCores: 2, MemFraction: 0.25, GPUCount: 2})
		Expect(err).To(BeNil())

		Expect(pool.Release("t1")).To(BeTrue())
		Expect(pool.Release("t1")).To(BeFalse())
		Expect(pool.Release("unknown")).To(BeFalse())
		Expect(pool.Free()).To(Equal(pool.Total()))
	})

	It("Will restore a persisted reservation only when its gpus are still free", func() {
		Expect(pool.Restore(&model.Reservation{Owner: "t1", CPUCores: 2, MemBytes: GB, GPUs: []string{"g1"}})).To(Succeed())
		Expect(pool.FreeGPUs()).To(Equal([]string{"g0"}))

		err := pool.Restore(&model.Reservation{Owner: "t2", CPUCores: 2, MemBytes: GB, GPUs: []string{"g1"}})
		Expect(scheduler.IsGPUShortage(err)).To(BeTrue())

		err = pool.Restore(&model.Reservation{Owner: "t3", CPUCores: 1, MemBytes: GB, GPUs: []string{"g9"}})
		Expect(scheduler.IsGPUShortage(err)).To(BeTrue())
	})

	It("Will never let reservations exceed capacity across random reserve and release sequences", func() {
		rng := rand.New(rand.NewSource(42))
		total := pool.Total()
		owners := make([]string, 0)

		for i := 0; i < 500; i++ {
			if len(owners) > 0 && rng.Intn(3) == 0 {
				idx := rng.Intn(len(owners))
				Expect(pool.Release(owners[idx])).To(BeTrue())
				owners = append(owners[:idx], owners[idx+1:]...)
			} else {
				owner := fmt.Sprintf("t%d", i)
				req := model.ResourceRequest{
					CPUCores:    1 + rng.Intn(4),
					MemFraction: float64(1+rng.Intn(40)) / 100,
					GPUCount:    rng.Intn(2),
				}
				before := pool.Free()
				if _, err := pool.Reserve(owner, req); err == nil {
					owners = append(owners, owner)
				} else {
					Expect(pool.Free()).To(Equal(before))
				}
			}

			var sum model.Resource
			for _, owner := range owners {
				res, ok := pool.Reservation(owner)
				Expect(ok).To(BeTrue())
				sum = sum.Add(model.Of(res))
			}
			Expect(sum).To(Equal(pool.Allocated()))
			Expect(sum.LessThan(total)).To(BeTrue())
			Expect(pool.Free()).To(Equal(total.Sub(sum)))
		}
	})
})
