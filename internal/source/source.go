// Package source provides the data sources the registration pipeline reads:
// one per acquisition modality, plus an in-memory source for embedding
// callers, and a harmonizer bringing a moving image onto a reference grid.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

// ChannelSelector picks one plane of a multichannel acquisition.
type ChannelSelector int

// AllChannels loads every channel the source has.
const AllChannels ChannelSelector = -1

// Metadata describes an acquisition without loading its pixels.
type Metadata struct {
	Modality     string            `json:"modality"`
	Path         string            `json:"path,omitempty"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Channels     int               `json:"channels"`
	ChannelNames []string          `json:"channel_names,omitempty"`
	PixelSize    float64           `json:"pixel_size_um,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Source is the uniform accessor surface of one acquisition.
type Source interface {
	ID() string
	Modality() string
	LoadImage(ch ChannelSelector) (imaging.Image, error)
	Metadata() (Metadata, error)
}

// BoundarySource is implemented by sources that can supply segmentation
// polygons in pixel coordinates. An empty result means none are available.
type BoundarySource interface {
	Source
	BoundaryPolygons() ([]geometry.Polygon, error)
}

// FiducialSource is implemented by sources that know the radius of their
// fiducial markers in image pixels. Zero means unknown.
type FiducialSource interface {
	Source
	FiducialRadius() float64
}

var (
	imageExts = []string{".png", ".jpg", ".jpeg"}
	tiffExts  = []string{".tif", ".tiff"}
	qptiffExt = []string{".qptif", ".qptiff"}
)

// SupportedFormats lists the file extensions Open accepts.
func SupportedFormats() []string {
	return lo.Flatten([][]string{imageExts, tiffExts, qptiffExt})
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// DetectModality infers the modality from a file extension or, for a
// directory, from its layout.
func DetectModality(path string) (string, error) {
	const op = "source.DetectModality"
	st, err := os.Stat(path)
	if err != nil {
		return "", regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	if !st.IsDir() {
		ext := extOf(path)
		switch {
		case lo.Contains(qptiffExt, ext):
			return config.ModalityPhenoCycler, nil
		case lo.Contains(tiffExts, ext):
			if strings.HasSuffix(strings.ToLower(path), ".ome"+ext) {
				return config.ModalityOMETIFF, nil
			}
			return config.ModalityGeneric, nil
		case lo.Contains(imageExts, ext):
			return config.ModalityVisium, nil
		}
		return "", regerr.New(regerr.KindInvalidInput, op, "unsupported file format %q", ext)
	}

	if isDir(filepath.Join(path, "spatial")) {
		return config.ModalityVisium, nil
	}
	if fileExists(filepath.Join(path, xeniumImageName)) {
		return config.ModalityXenium, nil
	}
	if len(globExt(path, qptiffExt)) > 0 {
		return config.ModalityPhenoCycler, nil
	}
	if len(globExt(path, tiffExts)) > 0 {
		return config.ModalityOMETIFF, nil
	}
	return "", regerr.New(regerr.KindInvalidInput, op, "could not determine modality of directory %s", path)
}

// Open builds the source for path. An empty modality is detected.
func Open(path, modality string) (Source, error) {
	const op = "source.Open"
	if modality == "" {
		m, err := DetectModality(path)
		if err != nil {
			return nil, err
		}
		modality = m
	}
	if _, err := os.Stat(path); err != nil {
		return nil, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}

	switch modality {
	case config.ModalityVisium:
		return NewVisiumSource(path)
	case config.ModalityXenium:
		return NewXeniumSource(path)
	case config.ModalityPhenoCycler, config.ModalityOMETIFF, config.ModalityGeneric:
		file, err := resolveTIFF(path, modality)
		if err != nil {
			return nil, err
		}
		return NewFileSource(file, modality), nil
	}
	return nil, regerr.New(regerr.KindInvalidInput, op, "unknown modality %q", modality)
}

// resolveTIFF picks the image file inside a directory.
func resolveTIFF(path, modality string) (string, error) {
	if !isDir(path) {
		return path, nil
	}
	exts := tiffExts
	if modality == config.ModalityPhenoCycler {
		exts = qptiffExt
	}
	files := globExt(path, exts)
	if len(files) == 0 {
		return "", regerr.New(regerr.KindInvalidInput, "source.Open", "no %s image in %s", modality, path)
	}
	return files[0], nil
}

// globExt lists the files in dir with one of exts, sorted by name.
func globExt(dir string, exts []string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	files := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return filepath.Join(dir, e.Name()), !e.IsDir() && lo.Contains(exts, extOf(e.Name()))
	})
	return files
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func sourceID(modality, path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fmt.Sprintf("%s:%s", modality, path)
}

func defaultChannelNames(n int) []string {
	return lo.Times(n, func(i int) string { return fmt.Sprintf("Channel_%d", i) })
}

// selectChannel applies ch to a fully loaded image.
func selectChannel(im imaging.Image, ch ChannelSelector) (imaging.Image, error) {
	if ch == AllChannels || (ch == 0 && im.Channels == 1) {
		return im, nil
	}
	return im.Channel(int(ch))
}
