package nanogpt

import (
	"fmt"
	"sync"
)

// Communicator is the collective-operation surface between data-parallel
// workers. Every collective is blocking: all workers must reach the same
// call before any proceeds, and every worker must participate in every
// collective in the same order. There is no partial-failure tolerance at
// this layer; a worker that never arrives hangs the run, and recovery is
// restarting from a checkpoint.
type Communicator interface {
	Rank() int
	WorldSize() int
	// AllReduceMeanFloat32 replaces x on every worker with the element-wise
	// mean across workers.
	AllReduceMeanFloat32(x []float32) error
	// AllReduceSumInt returns the sum of v across workers.
	AllReduceSumInt(v int) (int, error)
	// Barrier blocks until every worker has reached it.
	Barrier() error
}

// SingleProcess is the communicator of a one-worker run: rank 0, world size
// 1, collectives return their input unchanged.
type SingleProcess struct{}

func (SingleProcess) Rank() int                              { return 0 }
func (SingleProcess) WorldSize() int                         { return 1 }
func (SingleProcess) AllReduceMeanFloat32(_ []float32) error { return nil }
func (SingleProcess) AllReduceSumInt(v int) (int, error)     { return v, nil }
func (SingleProcess) Barrier() error                         { return nil }

// ProcessGroup coordinates data-parallel worker goroutines inside one
// process. Each worker holds a handle from Worker and runs the identical
// step sequence on its own model replica; the group rendezvouses all of them
// at every collective.
type ProcessGroup struct {
	world int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	sum     []float64
	result  []float32
	errored error
}

func NewProcessGroup(world int) *ProcessGroup {
	if world < 1 {
		panic("process group needs at least one worker")
	}
	g := &ProcessGroup{world: world}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Worker returns the communicator handle for one rank.
func (g *ProcessGroup) Worker(rank int) Communicator {
	if rank < 0 || rank >= g.world {
		panic(fmt.Sprintf("rank %d out of range for world size %d", rank, g.world))
	}
	return &groupWorker{group: g, rank: rank}
}

type groupWorker struct {
	group *ProcessGroup
	rank  int
}

func (w *groupWorker) Rank() int      { return w.rank }
func (w *groupWorker) WorldSize() int { return w.group.world }

func (w *groupWorker) AllReduceMeanFloat32(x []float32) error {
	res, err := w.group.reduce(x, true)
	if err != nil {
		return err
	}
	copy(x, res)
	return nil
}

func (w *groupWorker) AllReduceSumInt(v int) (int, error) {
	res, err := w.group.reduce([]float32{float32(v)}, false)
	if err != nil {
		return 0, err
	}
	return int(res[0] + 0.5), nil
}

func (w *groupWorker) Barrier() error {
	_, err := w.group.reduce([]float32{0}, false)
	return err
}

// reduce accumulates one contribution per worker and hands every caller the
// combined result. The last worker to arrive finishes the generation and
// wakes the rest; a new generation allocates a fresh result slice, so late
// readers of the previous one are safe.
func (g *ProcessGroup) reduce(x []float32, mean bool) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.errored != nil {
		return nil, g.errored
	}
	if g.arrived == 0 {
		g.sum = make([]float64, len(x))
	} else if len(g.sum) != len(x) {
		// a length mismatch means the workers diverged; poison the group
		g.errored = fmt.Errorf("collective length mismatch: %d vs %d", len(g.sum), len(x))
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return nil, g.errored
	}
	for i, v := range x {
		g.sum[i] += float64(v)
	}
	g.arrived++
	if g.arrived == g.world {
		res := make([]float32, len(g.sum))
		div := 1.0
		if mean {
			div = float64(g.world)
		}
		for i := range g.sum {
			res[i] = float32(g.sum[i] / div)
		}
		g.result = res
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return res, nil
	}
	gen := g.gen
	for g.gen == gen {
		g.cond.Wait()
	}
	if g.errored != nil {
		return nil, g.errored
	}
	return g.result, nil
}
