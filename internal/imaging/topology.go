package imaging

import "gocv.io/x/gocv"

// Hierarchy indexes into the four-int records OpenCV returns per contour.
const (
	hierNext = iota
	hierPrev
	hierChild
	hierParent
)

// ContourTree is a two-level contour decomposition: outer boundaries and,
// for each, the holes directly inside it. Islands inside holes appear as
// further outer boundaries.
type ContourTree struct {
	Contours gocv.PointsVector
	Outer    []int
	Holes    map[int][]int
}

// Close releases the contour storage.
func (t *ContourTree) Close() {
	t.Contours.Close()
}

// FindContourTree runs two-level contour retrieval on a binary 8-bit Mat.
func FindContourTree(binary gocv.Mat) *ContourTree {
	hierarchy := gocv.NewMat()
	defer hierarchy.Close()

	contours := gocv.FindContoursWithParams(binary, &hierarchy, gocv.RetrievalCComp, gocv.ChainApproxSimple)
	tree := &ContourTree{Contours: contours, Holes: make(map[int][]int)}
	for i := 0; i < contours.Size(); i++ {
		rec := hierarchy.GetVeciAt(0, i)
		parent := int(rec[hierParent])
		if parent < 0 {
			tree.Outer = append(tree.Outer, i)
		} else {
			tree.Holes[parent] = append(tree.Holes[parent], i)
		}
	}
	return tree
}

// CountHoles returns the number of enclosed background regions in m.
func CountHoles(m Mask) (int, error) {
	mat, err := m.ToMat()
	if err != nil {
		return 0, err
	}
	defer mat.Close()

	tree := FindContourTree(mat)
	defer tree.Close()

	n := 0
	for _, holes := range tree.Holes {
		n += len(holes)
	}
	return n, nil
}
