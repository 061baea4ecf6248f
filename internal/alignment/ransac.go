package alignment

import (
	"context"
	"fmt"
	"math/rand"

	"tissuealign/internal/config"
	"tissuealign/pkg/geometry"
)

// model is a transformation family RANSAC can estimate.
type model struct {
	kind       Kind
	minSamples int
	fit        func(src, dst []geometry.Point2D) (geometry.Homography, error)
}

func modelFor(name string) (model, error) {
	switch name {
	case config.ModelSimilarity:
		return model{kind: KindSimilarity, minSamples: 2, fit: fitSimilarity}, nil
	case config.ModelAffine:
		return model{kind: KindAffine, minSamples: 3, fit: fitAffine}, nil
	case config.ModelProjective:
		return model{kind: KindProjective, minSamples: 4, fit: fitProjective}, nil
	}
	return model{}, fmt.Errorf("unknown model %q", name)
}

// trialResult is the consensus of one minimal-sample hypothesis.
type trialResult struct {
	valid    bool
	inliers  int
	residual float64 // sum of inlier residuals
	h        geometry.Homography
}

// betterTrial ranks by inlier count, then residual sum, then trial index.
func betterTrial(a trialResult, ai int, b trialResult, bi int) bool {
	if a.valid != b.valid {
		return a.valid
	}
	if a.inliers != b.inliers {
		return a.inliers > b.inliers
	}
	if a.residual != b.residual {
		return a.residual < b.residual
	}
	return ai < bi
}

type ransacOutcome struct {
	h         geometry.Homography
	inliers   []int
	trials    int
	evaluated int
}

// ransacParams bundles the estimator settings.
type ransacParams struct {
	threshold  float64
	iterations int
	seed       int64
	workers    int
}

// sampleIndices draws k distinct indices from [0, n).
func sampleIndices(rng *rand.Rand, n, k int) []int {
	out := make([]int, 0, k)
	for len(out) < k {
		c := rng.Intn(n)
		dup := false
		for _, v := range out {
			if v == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// consensus returns the indices within threshold of h and their residual sum.
func consensus(h geometry.Homography, src, dst []geometry.Point2D, threshold float64) ([]int, float64) {
	var idx []int
	var sum float64
	for i := range src {
		d := h.Apply(src[i]).Distance(dst[i])
		if d < threshold {
			idx = append(idx, i)
			sum += d
		}
	}
	return idx, sum
}

// runRANSAC estimates m from the correspondences src[i] -> dst[i]. Trial t
// draws its sample from a generator seeded with seed+t, so the outcome is
// reproducible and independent of the worker count. On interruption it
// returns the best hypothesis among the trials that ran, plus the context error.
func runRANSAC(ctx context.Context, src, dst []geometry.Point2D, m model, p ransacParams) (ransacOutcome, error) {
	n := len(src)
	if n < m.minSamples {
		return ransacOutcome{}, fmt.Errorf("need at least %d correspondences, got %d", m.minSamples, n)
	}

	trials := make([]trialResult, p.iterations)
	done, skipped, poolErr := runPool(ctx, p.iterations, p.workers, func(t int) {
		rng := rand.New(rand.NewSource(p.seed + int64(t)))
		sample := sampleIndices(rng, n, m.minSamples)
		s := make([]geometry.Point2D, len(sample))
		d := make([]geometry.Point2D, len(sample))
		for i, idx := range sample {
			s[i] = src[idx]
			d[i] = dst[idx]
		}
		h, err := m.fit(s, d)
		if err != nil {
			return
		}
		var count int
		var sum float64
		for i := range src {
			r := h.Apply(src[i]).Distance(dst[i])
			if r < p.threshold {
				count++
				sum += r
			}
		}
		trials[t] = trialResult{valid: true, inliers: count, residual: sum, h: h}
	})

	bestIdx := -1
	for t, ok := range done {
		if !ok {
			continue
		}
		if bestIdx < 0 || betterTrial(trials[t], t, trials[bestIdx], bestIdx) {
			bestIdx = t
		}
	}
	out := ransacOutcome{trials: p.iterations, evaluated: p.iterations - skipped}
	if bestIdx < 0 || !trials[bestIdx].valid {
		if poolErr != nil {
			return out, poolErr
		}
		return out, fmt.Errorf("no non-degenerate sample in %d trials", p.iterations)
	}

	best := trials[bestIdx]
	out.h = best.h
	out.inliers, _ = consensus(best.h, src, dst, p.threshold)

	// Refit on the full consensus set; keep the refit unless it loses support.
	if len(out.inliers) >= m.minSamples {
		inSrc := make([]geometry.Point2D, len(out.inliers))
		inDst := make([]geometry.Point2D, len(out.inliers))
		for i, idx := range out.inliers {
			inSrc[i] = src[idx]
			inDst[i] = dst[idx]
		}
		if refit, err := m.fit(inSrc, inDst); err == nil {
			if refitInliers, _ := consensus(refit, src, dst, p.threshold); len(refitInliers) >= len(out.inliers) {
				out.h = refit
				out.inliers = refitInliers
			}
		}
	}
	return out, poolErr
}
