package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type run struct {
	idx   uint32
	order int
}

func checkDisjoint(t *testing.T, b *Buddy, live []run) {
	owner := make([]int, b.Pages())
	for i := range owner {
		owner[i] = -1
	}

	for n, r := range live {
		for i := r.idx; i < r.idx+1<<uint(r.order); i++ {
			require.Equal(t, -1, owner[i], "page %d owned twice", i)
			owner[i] = n
		}
	}

	for _, fr := range b.Runs() {
		for i := fr[0]; i < fr[0]+1<<fr[1]; i++ {
			require.Equal(t, -1, owner[i], "free page %d is also allocated", i)
			owner[i] = -2
		}
	}

	for i, o := range owner {
		require.NotEqual(t, -1, o, "page %d is neither free nor allocated", i)
	}
}

func TestBuddy(t *testing.T) {
	n := neko.Modern(t)

	n.It("seeds maximal aligned runs", func(t *testing.T) {
		b := NewBuddy(1024+3, MaxOrder)

		require.Equal(t, uint32(1027), b.FreePages())
		require.Equal(t, uint32(1), b.FreeRuns(10))
		require.Equal(t, uint32(1), b.FreeRuns(1))
		require.Equal(t, uint32(1), b.FreeRuns(0))
	})

	n.It("splits and merges back", func(t *testing.T) {
		b := NewBuddy(16, 5)

		a, ok := b.Alloc(0)
		require.True(t, ok)
		require.Equal(t, uint32(0), a)

		require.Equal(t, uint32(1), b.FreeRuns(0))
		require.Equal(t, uint32(1), b.FreeRuns(1))
		require.Equal(t, uint32(1), b.FreeRuns(2))
		require.Equal(t, uint32(1), b.FreeRuns(3))

		b.Free(a)
		require.Equal(t, uint32(1), b.FreeRuns(4))
		require.Equal(t, uint32(16), b.FreePages())
	})

	n.It("fails when exhausted", func(t *testing.T) {
		b := NewBuddy(4, 3)

		_, ok := b.Alloc(2)
		require.True(t, ok)

		_, ok = b.Alloc(0)
		require.False(t, ok)

		_, ok = b.Alloc(5)
		require.False(t, ok)
	})

	n.It("panics on a non-head free", func(t *testing.T) {
		b := NewBuddy(8, 4)
		a, _ := b.Alloc(2)

		require.Panics(t, func() { b.Free(a + 1) })
		b.Free(a)
		require.Panics(t, func() { b.Free(a) })
	})

	n.It("frees split pages independently", func(t *testing.T) {
		b := NewBuddy(8, 4)
		a, _ := b.Alloc(3)
		b.Split(a)

		for i := uint32(0); i < 8; i++ {
			require.Equal(t, 0, b.Order(a+i))
		}

		for i := uint32(7); i < 8; i-- {
			b.Free(a + i)
		}

		require.Equal(t, uint32(1), b.FreeRuns(3))
	})

	n.It("never hands out a page twice", func(t *testing.T) {
		b := NewBuddy(512, 8)
		rng := rand.New(rand.NewSource(42))

		var live []run

		for step := 0; step < 2000; step++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				i := rng.Intn(len(live))
				b.Free(live[i].idx)
				live = append(live[:i], live[i+1:]...)
			} else {
				order := rng.Intn(5)
				if idx, ok := b.Alloc(order); ok {
					require.Zero(t, idx&(1<<uint(order)-1), "run not aligned")
					live = append(live, run{idx, order})
				}
			}

			if step%100 == 0 {
				checkDisjoint(t, b, live)
			}
		}

		checkDisjoint(t, b, live)

		for _, r := range live {
			b.Free(r.idx)
		}

		require.Equal(t, uint32(512), b.FreePages())
		require.Equal(t, uint32(4), b.FreeRuns(7), "free blocks merge to the largest order")
		require.Len(t, b.Runs(), 4)
	})

	n.Meow()
}
