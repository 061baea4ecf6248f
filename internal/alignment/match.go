package alignment

import (
	"sort"

	"gocv.io/x/gocv"
)

// Match pairs a moving feature with a reference feature.
type Match struct {
	MovingIdx    int     `json:"moving_idx"`
	ReferenceIdx int     `json:"reference_idx"`
	Distance     float64 `json:"distance"`
}

// matchDescriptors runs brute-force 2-NN matching from moving to reference
// and keeps matches passing the ratio test. The result is sorted by
// distance, then moving index.
func matchDescriptors(mov, ref gocv.Mat, norm gocv.NormType, ratio float64) []Match {
	if mov.Empty() || ref.Empty() || ref.Rows() < 2 {
		return nil
	}
	bf := gocv.NewBFMatcherWithParams(norm, false)
	defer bf.Close()

	var out []Match
	for _, nn := range bf.KnnMatch(mov, ref, 2) {
		if len(nn) < 2 {
			continue
		}
		if nn[0].Distance < ratio*nn[1].Distance {
			out = append(out, Match{
				MovingIdx:    nn[0].QueryIdx,
				ReferenceIdx: nn[0].TrainIdx,
				Distance:     nn[0].Distance,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].MovingIdx < out[j].MovingIdx
	})
	return out
}
