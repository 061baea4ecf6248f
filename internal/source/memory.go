package source

import (
	"github.com/google/uuid"

	"tissuealign/internal/config"
	"tissuealign/internal/imaging"
	"tissuealign/pkg/geometry"
)

// MemorySource serves an image already in memory.
type MemorySource struct {
	SourceID     string
	Tag          string
	Image        imaging.Image
	Polygons     []geometry.Polygon
	ChannelNames []string
}

// NewMemorySource wraps im under a fresh random ID.
func NewMemorySource(modality string, im imaging.Image) *MemorySource {
	return &MemorySource{SourceID: "memory:" + uuid.NewString(), Tag: modality, Image: im}
}

func (s *MemorySource) ID() string { return s.SourceID }

func (s *MemorySource) Modality() string {
	if s.Tag == "" {
		return config.ModalityGeneric
	}
	return s.Tag
}

func (s *MemorySource) LoadImage(ch ChannelSelector) (imaging.Image, error) {
	if err := s.Image.Validate(); err != nil {
		return imaging.Image{}, err
	}
	return selectChannel(s.Image, ch)
}

func (s *MemorySource) Metadata() (Metadata, error) {
	names := s.ChannelNames
	if names == nil {
		names = defaultChannelNames(s.Image.Channels)
	}
	return Metadata{
		Modality:     s.Modality(),
		Width:        s.Image.Width,
		Height:       s.Image.Height,
		Channels:     s.Image.Channels,
		ChannelNames: names,
		PixelSize:    s.Image.PixelSize,
		Extra:        map[string]string{},
	}, nil
}

// BoundaryPolygons returns the polygons given at construction.
func (s *MemorySource) BoundaryPolygons() ([]geometry.Polygon, error) {
	return s.Polygons, nil
}
