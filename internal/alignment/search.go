package alignment

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// resolveWorkers maps the configured bound to a goroutine count.
func resolveWorkers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// runPool calls fn(i) for every i in [0, n) on at most workers goroutines.
// Each call must write only its own result slot. Cancellation is checked
// before each evaluation starts; evaluations in flight always finish. The
// returned error is the context error when at least one index was skipped.
func runPool(ctx context.Context, n, workers int, fn func(i int)) (done []bool, skipped int, err error) {
	done = make([]bool, n)
	var g errgroup.Group
	g.SetLimit(resolveWorkers(workers))
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(i)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range done {
		if !d {
			skipped++
		}
	}
	if skipped > 0 {
		return done, skipped, ctx.Err()
	}
	return done, 0, nil
}

// gridValues returns lo, lo+step, ... up to hi. Values are computed from
// the index so no error accumulates along the grid.
func gridValues(lo, hi, step float64) []float64 {
	if step <= 0 || hi < lo {
		return []float64{lo}
	}
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// offsets returns base + k·step for k in [-steps, steps].
func offsets(base, step float64, steps int) []float64 {
	out := make([]float64, 0, 2*steps+1)
	for k := -steps; k <= steps; k++ {
		out = append(out, base+float64(k)*step)
	}
	return out
}

// maskScore is the fitness of one candidate. IoU is kept as an integer
// ratio so comparisons are exact.
type maskScore struct {
	inter, union int
	dist         float64
	index        int
}

func newMaskScore(inter, union int, dist float64, index int) maskScore {
	if union == 0 {
		inter, union = 0, 1
	}
	return maskScore{inter: inter, union: union, dist: dist, index: index}
}

func (s maskScore) iou() float64 {
	return float64(s.inter) / float64(s.union)
}

// better orders candidates: higher IoU, then closer to identity, then lower
// candidate index. It is a strict total order over distinct indices, so the
// reduction does not depend on evaluation order.
func (s maskScore) better(o maskScore) bool {
	l := int64(s.inter) * int64(o.union)
	r := int64(o.inter) * int64(s.union)
	if l != r {
		return l > r
	}
	if s.dist != o.dist {
		return s.dist < o.dist
	}
	return s.index < o.index
}
