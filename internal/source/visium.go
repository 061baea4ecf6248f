package source

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"tissuealign/internal/config"
	"tissuealign/internal/regerr"
)

const (
	visiumImageName     = "tissue_hires_image.png"
	visiumScaleFactors  = "scalefactors_json.json"
	visiumTissueList    = "tissue_positions_list.csv"
	visiumTissueCSV     = "tissue_positions.csv"
	visiumFiducialList  = "fiducial_positions_list.txt"

	// visiumSpotDiameterUM is the physical diameter of a capture spot.
	visiumSpotDiameterUM = 55.0
)

// ScaleFactors is the scalefactors_json.json written by the array
// processing software.
type ScaleFactors struct {
	TissueHiresScalef   float64 `json:"tissue_hires_scalef"`
	TissueLowresScalef  float64 `json:"tissue_lowres_scalef"`
	FiducialDiameter    float64 `json:"fiducial_diameter_fullres"`
	SpotDiameterFullres float64 `json:"spot_diameter_fullres"`
}

// HiresPixelSize is the µm per pixel of the high-resolution image: the
// spot diameter calibrates full resolution, the hires factor downsamples.
// Without a spot diameter it falls back to 1/hires factor.
func (f ScaleFactors) HiresPixelSize() float64 {
	if f.TissueHiresScalef <= 0 {
		return 0
	}
	if f.SpotDiameterFullres > 0 {
		return visiumSpotDiameterUM / (f.SpotDiameterFullres * f.TissueHiresScalef)
	}
	return 1 / f.TissueHiresScalef
}

// FiducialRadiusPx is the fiducial marker radius in hires pixels, 0 when unknown.
func (f ScaleFactors) FiducialRadiusPx() float64 {
	return f.FiducialDiameter * f.TissueHiresScalef / 2
}

// VisiumSource reads a grid-array capture directory: the hires H&E image
// plus the spatial/ metadata folder.
type VisiumSource struct {
	*FileSource
	dir     string
	factors *ScaleFactors
	extra   map[string]string
}

// NewVisiumSource accepts the capture directory, its spatial/ folder, or
// the image file itself.
func NewVisiumSource(path string) (*VisiumSource, error) {
	const op = "source.NewVisiumSource"
	dir, image := path, ""
	if !isDir(path) {
		dir, image = filepath.Dir(path), path
	}
	if filepath.Base(dir) == "spatial" {
		dir = filepath.Dir(dir)
	}
	spatial := filepath.Join(dir, "spatial")
	if image == "" {
		for _, candidate := range []string{filepath.Join(dir, visiumImageName), filepath.Join(spatial, visiumImageName)} {
			if fileExists(candidate) {
				image = candidate
				break
			}
		}
	}
	if image == "" {
		return nil, regerr.New(regerr.KindInvalidInput, op, "no %s in %s", visiumImageName, dir)
	}

	s := &VisiumSource{
		FileSource: NewFileSource(image, config.ModalityVisium),
		dir:        dir,
		extra:      map[string]string{},
	}
	if data, err := os.ReadFile(filepath.Join(spatial, visiumScaleFactors)); err == nil {
		var f ScaleFactors
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		s.factors = &f
		s.FileSource.PixelSize = f.HiresPixelSize()
		s.extra["tissue_hires_scalef"] = strconv.FormatFloat(f.TissueHiresScalef, 'g', -1, 64)
		if r := f.FiducialRadiusPx(); r > 0 {
			s.extra["fiducial_radius_px"] = strconv.FormatFloat(r, 'f', 2, 64)
		}
	}
	// Newer software versions renamed the positions list.
	for _, name := range []string{visiumTissueCSV, visiumTissueList} {
		if p := filepath.Join(spatial, name); fileExists(p) {
			s.extra["tissue_positions_file"] = p
			break
		}
	}
	if p := filepath.Join(spatial, visiumFiducialList); fileExists(p) {
		s.extra["fiducial_positions_file"] = p
	}
	return s, nil
}

// ScaleFactors returns the parsed scale factors, nil when absent.
func (s *VisiumSource) ScaleFactors() *ScaleFactors { return s.factors }

// FiducialRadius is the fiducial marker radius in hires pixels, 0 when the
// scale factors are missing.
func (s *VisiumSource) FiducialRadius() float64 {
	if s.factors == nil {
		return 0
	}
	return s.factors.FiducialRadiusPx()
}

// Metadata adds the spatial/ files found next to the image.
func (s *VisiumSource) Metadata() (Metadata, error) {
	m, err := s.FileSource.Metadata()
	if err != nil {
		return m, err
	}
	m.ChannelNames = []string{"H&E"}
	for k, v := range s.extra {
		m.Extra[k] = v
	}
	return m, nil
}
