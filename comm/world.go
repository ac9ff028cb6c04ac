package comm

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
	"sync"
)

// World is an in-process process group: each rank runs on its own goroutine
// and collectives rendezvous on a generation barrier. It stands in for an
// MPI communicator when ranks share an address space.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	aborted bool

	ints   []int
	result int
	outbox []map[int][]float64 // [src] -> dst -> payload
	inbox  []map[int][]float64 // [dst] -> src -> payload

	firstErr error
}

// NewWorld creates a process group of the given size
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("comm: world size must be positive, got %d", size))
	}
	w := &World{
		size:   size,
		ints:   make([]int, size),
		outbox: make([]map[int][]float64, size),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Size returns the number of ranks
func (w *World) Size() int { return w.size }

// Comm returns the Communicator for one rank
func (w *World) Comm(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("comm: rank %d outside world of size %d", rank, w.size))
	}
	return &worldRank{w: w, rank: rank}
}

// Run executes fn once per rank, each on its own goroutine, and waits for all
// of them. The first rank to fail aborts the world: every rank blocked in or
// entering a collective unwinds with ErrAborted. The returned error is the
// first failure that was not itself an abort.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) error {
	stop := context.AfterFunc(ctx, func() { w.fail(ctx.Err()) })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < w.size; r++ {
		c := w.Comm(r)
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					if e, ok := p.(error); ok && errors.Is(e, ErrAborted) {
						err = e
						return
					}
					err = fmt.Errorf("rank %d panicked: %v", c.Rank(), p)
					w.fail(err)
				}
			}()
			if err = fn(gctx, c); err != nil {
				if !errors.Is(err, ErrAborted) {
					err = fmt.Errorf("rank %d: %w", c.Rank(), err)
					w.fail(err)
				}
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr != nil {
		return w.firstErr
	}
	return err
}

// Abort releases every rank blocked in a collective; they unwind with ErrAborted
func (w *World) Abort() {
	w.fail(ErrAborted)
}

func (w *World) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr == nil && err != nil && !errors.Is(err, ErrAborted) {
		w.firstErr = err
	}
	w.aborted = true
	w.cond.Broadcast()
}

// collective runs one barrier round. deposit stores this rank's contribution,
// finish combines all contributions (called once, by the last arrival) and
// read extracts this rank's result. All three run under the world lock.
func (w *World) collective(deposit, finish, read func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		panic(ErrAborted)
	}

	deposit()
	w.arrived++
	gen := w.gen
	if w.arrived == w.size {
		finish()
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
		read()
		return
	}

	for gen == w.gen && !w.aborted {
		w.cond.Wait()
	}
	if gen == w.gen {
		panic(ErrAborted)
	}
	read()
}

func (w *World) reduce(rank, v int, op func(a, b int) int) int {
	var out int
	w.collective(
		func() { w.ints[rank] = v },
		func() {
			acc := w.ints[0]
			for _, x := range w.ints[1:] {
				acc = op(acc, x)
			}
			w.result = acc
		},
		func() { out = w.result },
	)
	return out
}

type worldRank struct {
	w    *World
	rank int
}

var _ Communicator = (*worldRank)(nil)

func (c *worldRank) Rank() int { return c.rank }
func (c *worldRank) Size() int { return c.w.size }

func (c *worldRank) AllReduceMaxInt(v int) int {
	return c.w.reduce(c.rank, v, func(a, b int) int {
		if b > a {
			return b
		}
		return a
	})
}

func (c *worldRank) AllReduceSumInt(v int) int {
	return c.w.reduce(c.rank, v, func(a, b int) int { return a + b })
}

func (c *worldRank) Exchange(send map[int][]float64) map[int][]float64 {
	w := c.w
	var out map[int][]float64
	w.collective(
		func() {
			box := make(map[int][]float64, len(send))
			for dst, buf := range send {
				if dst < 0 || dst >= w.size {
					panic(fmt.Sprintf("comm: rank %d sends to nonexistent rank %d", c.rank, dst))
				}
				box[dst] = append([]float64(nil), buf...)
			}
			w.outbox[c.rank] = box
		},
		func() {
			w.inbox = make([]map[int][]float64, w.size)
			for dst := range w.inbox {
				w.inbox[dst] = make(map[int][]float64)
			}
			for src, box := range w.outbox {
				for dst, buf := range box {
					w.inbox[dst][src] = buf
				}
				w.outbox[src] = nil
			}
		},
		func() { out = w.inbox[c.rank] },
	)
	return out
}
