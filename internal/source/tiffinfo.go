package source

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strings"
)

// TIFF tags read from each directory.
const (
	tagImageWidth     = 256
	tagImageLength    = 257
	tagImageDesc      = 270
	tagXResolution    = 282
	tagYResolution    = 283
	tagResolutionUnit = 296
)

// TIFF field types.
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

const maxTIFFPages = 4096

// tiffPage is one image file directory.
type tiffPage struct {
	Offset        uint32
	Width, Height int
}

// tiffInfo is what the directory chain tells us before decoding any pixels.
type tiffInfo struct {
	Order       binary.ByteOrder
	Pages       []tiffPage
	XRes, YRes  float64
	Unit        uint16 // 1 none, 2 inch, 3 centimetre
	Description string
}

// readTIFFInfo walks the IFD chain of a classic (non-Big) TIFF. Resolution
// and description come from the first page.
func readTIFFInfo(data []byte) (tiffInfo, error) {
	info := tiffInfo{Unit: 2}
	if len(data) < 8 {
		return info, fmt.Errorf("not a valid TIFF file: %d bytes", len(data))
	}
	switch {
	case data[0] == 'I' && data[1] == 'I':
		info.Order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		info.Order = binary.BigEndian
	default:
		return info, fmt.Errorf("not a valid TIFF file")
	}
	order := info.Order
	if magic := order.Uint16(data[2:4]); magic != 42 {
		return info, fmt.Errorf("unsupported TIFF variant (magic %d)", magic)
	}

	seen := make(map[uint32]bool)
	offset := order.Uint32(data[4:8])
	for offset != 0 {
		if seen[offset] || len(info.Pages) >= maxTIFFPages {
			return info, fmt.Errorf("cyclic or oversized IFD chain at offset %d", offset)
		}
		seen[offset] = true
		if int(offset)+2 > len(data) {
			return info, fmt.Errorf("IFD offset %d beyond end of file", offset)
		}
		n := int(order.Uint16(data[offset : offset+2]))
		end := int(offset) + 2 + n*12
		if end+4 > len(data) {
			return info, fmt.Errorf("truncated IFD at offset %d", offset)
		}

		page := tiffPage{Offset: offset}
		first := len(info.Pages) == 0
		for i := 0; i < n; i++ {
			e := data[int(offset)+2+i*12 : int(offset)+2+(i+1)*12]
			tag := order.Uint16(e[0:2])
			typ := order.Uint16(e[2:4])
			count := order.Uint32(e[4:8])

			switch tag {
			case tagImageWidth:
				page.Width = int(inlineUint(order, typ, e[8:12]))
			case tagImageLength:
				page.Height = int(inlineUint(order, typ, e[8:12]))
			}
			if !first {
				continue
			}
			switch tag {
			case tagXResolution:
				if typ == typeRational {
					info.XRes = rational(data, order, order.Uint32(e[8:12]))
				}
			case tagYResolution:
				if typ == typeRational {
					info.YRes = rational(data, order, order.Uint32(e[8:12]))
				}
			case tagResolutionUnit:
				if typ == typeShort {
					info.Unit = order.Uint16(e[8:10])
				}
			case tagImageDesc:
				if typ == typeASCII {
					info.Description = asciiValue(data, order, count, e[8:12])
				}
			}
		}
		info.Pages = append(info.Pages, page)
		offset = order.Uint32(data[end : end+4])
	}
	if len(info.Pages) == 0 {
		return info, fmt.Errorf("TIFF has no image directories")
	}
	return info, nil
}

func inlineUint(order binary.ByteOrder, typ uint16, v []byte) uint32 {
	if typ == typeShort {
		return uint32(order.Uint16(v[0:2]))
	}
	return order.Uint32(v)
}

func rational(data []byte, order binary.ByteOrder, off uint32) float64 {
	if int(off)+8 > len(data) {
		return 0
	}
	num := order.Uint32(data[off : off+4])
	den := order.Uint32(data[off+4 : off+8])
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func asciiValue(data []byte, order binary.ByteOrder, count uint32, v []byte) string {
	var raw []byte
	if count <= 4 {
		raw = v[:count]
	} else {
		off := order.Uint32(v)
		if uint64(off)+uint64(count) > uint64(len(data)) {
			return ""
		}
		raw = data[off : off+count]
	}
	return strings.TrimRight(string(raw), "\x00")
}

// PixelSize converts the resolution tags to micrometres per pixel, 0 when
// the file carries no physical unit.
func (t tiffInfo) PixelSize() float64 {
	res := t.XRes
	if res == 0 {
		res = t.YRes
	}
	if res == 0 {
		return 0
	}
	switch t.Unit {
	case 2:
		return 25400 / res
	case 3:
		return 10000 / res
	}
	return 0
}

// ChannelPages are the full-resolution pages: those sharing the first
// page's dimensions. Pyramid levels and thumbnails are skipped.
func (t tiffInfo) ChannelPages() []tiffPage {
	var out []tiffPage
	for _, p := range t.Pages {
		if p.Width == t.Pages[0].Width && p.Height == t.Pages[0].Height {
			out = append(out, p)
		}
	}
	return out
}

// omeXML is the subset of the OME schema we read.
type omeXML struct {
	Images []struct {
		Pixels struct {
			PhysicalSizeX     float64 `xml:"PhysicalSizeX,attr"`
			PhysicalSizeXUnit string  `xml:"PhysicalSizeXUnit,attr"`
			Channels          []struct {
				Name string `xml:"Name,attr"`
			} `xml:"Channel"`
		} `xml:"Pixels"`
	} `xml:"Image"`
}

// parseOME extracts the pixel size (µm) and channel names from an OME-XML
// image description. ok is false when the description is not OME.
func parseOME(desc string) (pixelSize float64, names []string, ok bool) {
	if !strings.Contains(desc, "<OME") {
		return 0, nil, false
	}
	var doc omeXML
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil || len(doc.Images) == 0 {
		return 0, nil, false
	}
	px := doc.Images[0].Pixels
	switch px.PhysicalSizeXUnit {
	case "", "µm", "um", "micron":
		pixelSize = px.PhysicalSizeX
	case "nm":
		pixelSize = px.PhysicalSizeX / 1000
	case "mm":
		pixelSize = px.PhysicalSizeX * 1000
	}
	for _, c := range px.Channels {
		names = append(names, c.Name)
	}
	return pixelSize, names, true
}

// withFirstPage returns a copy of data whose header points at page p, so a
// decoder that only reads the first directory decodes p instead.
func withFirstPage(data []byte, order binary.ByteOrder, p tiffPage) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	order.PutUint32(out[4:8], p.Offset)
	return out
}
