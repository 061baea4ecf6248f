package source

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/image/tiff"

	"tissuealign/internal/imaging"
	"tissuealign/internal/regerr"
)

// FileSource reads a single image file: TIFF (including OME-TIFF and
// QPTIFF, one channel per full-resolution page), PNG or JPEG. Decoded
// images are cached per channel selector.
type FileSource struct {
	path     string
	modality string
	id       string

	// PixelSize overrides the pixel size found in the file when non-zero.
	PixelSize float64

	mu     sync.Mutex
	meta   *Metadata
	tiff   *tiffInfo
	data   []byte
	images map[ChannelSelector]imaging.Image
}

// NewFileSource returns a lazily loaded source for path.
func NewFileSource(path, modality string) *FileSource {
	return &FileSource{
		path:     path,
		modality: modality,
		id:       sourceID(modality, path),
		images:   make(map[ChannelSelector]imaging.Image),
	}
}

func (s *FileSource) ID() string       { return s.id }
func (s *FileSource) Modality() string { return s.modality }

// Path is the image file read.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) isTIFF() bool {
	return lo.Contains(tiffExts, extOf(s.path)) || lo.Contains(qptiffExt, extOf(s.path))
}

// Metadata reads dimensions, channels and pixel size from the file header.
func (s *FileSource) Metadata() (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readHeaderLocked(); err != nil {
		return Metadata{}, err
	}
	m := *s.meta
	m.ChannelNames = append([]string(nil), m.ChannelNames...)
	m.Extra = lo.Assign(m.Extra)
	return m, nil
}

func (s *FileSource) readHeaderLocked() error {
	const op = "source.Metadata"
	if s.meta != nil {
		return nil
	}
	meta := &Metadata{Modality: s.modality, Path: s.path, Extra: map[string]string{}}

	if s.isTIFF() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		info, err := readTIFFInfo(data)
		if err != nil {
			return regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		cfg, err := tiff.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		pages := info.ChannelPages()
		meta.Width, meta.Height = cfg.Width, cfg.Height
		meta.Channels = len(pages)
		if len(pages) == 1 {
			meta.Channels = modelChannels(cfg.ColorModel)
		}
		meta.PixelSize = info.PixelSize()
		if ps, names, ok := parseOME(info.Description); ok {
			if ps > 0 {
				meta.PixelSize = ps
			}
			if len(names) == meta.Channels {
				meta.ChannelNames = names
			}
			meta.Extra["ome"] = "true"
		}
		s.tiff = &info
		s.data = data
	} else {
		f, err := os.Open(s.path)
		if err != nil {
			return regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		defer f.Close()
		cfg, format, err := image.DecodeConfig(f)
		if err != nil {
			return regerr.Wrap(regerr.KindInvalidInput, op, err)
		}
		meta.Width, meta.Height = cfg.Width, cfg.Height
		meta.Channels = modelChannels(cfg.ColorModel)
		meta.Extra["format"] = format
	}
	if s.PixelSize > 0 {
		meta.PixelSize = s.PixelSize
	}
	if meta.ChannelNames == nil {
		meta.ChannelNames = defaultChannelNames(meta.Channels)
	}
	s.meta = meta
	return nil
}

func modelChannels(m color.Model) int {
	switch m {
	case color.GrayModel, color.Gray16Model:
		return 1
	}
	return 3
}

// LoadImage decodes the selected channel. For multi-page TIFFs each
// full-resolution page is one channel and AllChannels stacks them.
func (s *FileSource) LoadImage(ch ChannelSelector) (imaging.Image, error) {
	const op = "source.LoadImage"
	s.mu.Lock()
	defer s.mu.Unlock()
	if im, ok := s.images[ch]; ok {
		return im, nil
	}
	if err := s.readHeaderLocked(); err != nil {
		return imaging.Image{}, err
	}

	var (
		im  imaging.Image
		err error
	)
	switch {
	case !s.isTIFF():
		im, err = s.decodeImageFile()
		if err == nil {
			im, err = selectChannel(im, ch)
		}
	case len(s.tiff.ChannelPages()) <= 1:
		im, err = s.decodePage(0)
		if err == nil {
			im, err = selectChannel(im, ch)
		}
	case ch == AllChannels:
		im, err = s.stackPages()
	default:
		pages := s.tiff.ChannelPages()
		if int(ch) < 0 || int(ch) >= len(pages) {
			return imaging.Image{}, regerr.New(regerr.KindInvalidInput, op, "channel %d out of range [0,%d)", ch, len(pages))
		}
		im, err = s.decodePage(int(ch))
	}
	if err != nil {
		return imaging.Image{}, regerr.Wrap(regerr.KindInvalidInput, op, err)
	}
	s.images[ch] = im
	return im, nil
}

func (s *FileSource) decodeImageFile() (imaging.Image, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return imaging.Image{}, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return imaging.Image{}, err
	}
	return imaging.FromGo(img, s.meta.PixelSize), nil
}

// decodePage decodes the n-th full-resolution page.
func (s *FileSource) decodePage(n int) (imaging.Image, error) {
	data := s.data
	if n > 0 {
		data = withFirstPage(s.data, s.tiff.Order, s.tiff.ChannelPages()[n])
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return imaging.Image{}, err
	}
	return imaging.FromGo(img, s.meta.PixelSize), nil
}

// stackPages interleaves every single-channel page into one image.
func (s *FileSource) stackPages() (imaging.Image, error) {
	pages := s.tiff.ChannelPages()
	planes := make([]imaging.Image, len(pages))
	depth := 8
	for i := range pages {
		p, err := s.decodePage(i)
		if err != nil {
			return imaging.Image{}, err
		}
		if p.Channels != 1 {
			return imaging.Image{}, regerr.New(regerr.KindInvalidInput, "source.LoadImage",
				"page %d has %d channels, cannot stack", i, p.Channels)
		}
		depth = max(depth, p.BitDepth)
		planes[i] = p
	}
	out := imaging.NewImage(planes[0].Width, planes[0].Height, len(planes), depth)
	out.PixelSize = s.meta.PixelSize
	for c, p := range planes {
		shift := uint(depth - p.BitDepth)
		for i, v := range p.Pix {
			out.Pix[i*len(planes)+c] = v << shift
		}
	}
	return out, nil
}
