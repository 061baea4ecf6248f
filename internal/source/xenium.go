package source

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"tissuealign/internal/config"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

const xeniumImageName = "morphology.ome.tif"

var xeniumBoundaryFiles = []string{"cell_boundaries.csv", "cell_boundaries.csv.gz"}

// XeniumSource reads an in-situ capture: the morphology OME-TIFF and, when
// the full output directory is present, the cell boundary polygons.
type XeniumSource struct {
	*FileSource
	dir        string
	boundaries string

	polyOnce sync.Once
	polys    []geometry.Polygon
	polyErr  error
}

// NewXeniumSource accepts the output directory or the OME-TIFF itself.
func NewXeniumSource(path string) (*XeniumSource, error) {
	dir, image := path, filepath.Join(path, xeniumImageName)
	if !isDir(path) {
		dir, image = filepath.Dir(path), path
	}
	if !fileExists(image) {
		return nil, regerr.New(regerr.KindInvalidInput, "source.NewXeniumSource", "morphology image not found: %s", image)
	}
	s := &XeniumSource{
		FileSource: NewFileSource(image, config.ModalityXenium),
		dir:        dir,
	}
	for _, name := range xeniumBoundaryFiles {
		if p := filepath.Join(dir, name); fileExists(p) {
			s.boundaries = p
			break
		}
	}
	return s, nil
}

// Metadata records which output tier is available.
func (s *XeniumSource) Metadata() (Metadata, error) {
	m, err := s.FileSource.Metadata()
	if err != nil {
		return m, err
	}
	m.Extra["tier"] = "1"
	if s.boundaries != "" {
		m.Extra["tier"] = "2"
		m.Extra["cell_boundaries_file"] = s.boundaries
	}
	return m, nil
}

// BoundaryPolygons returns one polygon per cell in pixel coordinates, or
// nil when the capture has no boundary file. Vertices are stored in
// micrometres and divided by the image pixel size when it is known.
func (s *XeniumSource) BoundaryPolygons() ([]geometry.Polygon, error) {
	if s.boundaries == "" {
		return nil, nil
	}
	s.polyOnce.Do(func() {
		meta, err := s.FileSource.Metadata()
		if err != nil {
			s.polyErr = err
			return
		}
		s.polys, s.polyErr = readBoundaries(s.boundaries, meta.PixelSize)
		if s.polyErr != nil {
			s.polyErr = regerr.Wrap(regerr.KindInvalidInput, "source.BoundaryPolygons", s.polyErr)
		}
	})
	return s.polys, s.polyErr
}

// readBoundaries parses a cell_id,vertex_x,vertex_y table. Vertices of a
// cell are consecutive; cells keep their first-appearance order and rings
// with fewer than three vertices are dropped.
func readBoundaries(path string, pixelSize float64) ([]geometry.Polygon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return parseBoundaries(r, pixelSize)
}

func parseBoundaries(r io.Reader, pixelSize float64) ([]geometry.Polygon, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read boundary header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	idCol, okID := cols["cell_id"]
	xCol, okX := cols["vertex_x"]
	yCol, okY := cols["vertex_y"]
	if !okID || !okX || !okY {
		return nil, fmt.Errorf("boundary table needs cell_id, vertex_x and vertex_y columns, got %v", header)
	}

	scale := 1.0
	if pixelSize > 0 {
		scale = 1 / pixelSize
	}

	var (
		polys   []geometry.Polygon
		current geometry.Polygon
		lastID  string
	)
	flush := func() {
		if len(current) >= 3 {
			polys = append(polys, current)
		}
		current = nil
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("boundary line %d: %w", line, err)
		}
		x, errX := strconv.ParseFloat(rec[xCol], 64)
		y, errY := strconv.ParseFloat(rec[yCol], 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("boundary line %d: bad vertex (%q, %q)", line, rec[xCol], rec[yCol])
		}
		if id := rec[idCol]; id != lastID {
			flush()
			lastID = id
		}
		current = append(current, geometry.Point2D{X: x * scale, Y: y * scale})
	}
	flush()

	// Closed rings repeat the first vertex at the end.
	return lo.Map(polys, func(p geometry.Polygon, _ int) geometry.Polygon {
		if len(p) > 3 && p[0] == p[len(p)-1] {
			return p[:len(p)-1]
		}
		return p
	}), nil
}
