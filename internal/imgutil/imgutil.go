// Package imgutil converts between acquisition pixel data and the PNG
// frames stored in the archive.
//
// A Plane is the common in-memory form: one 2D frame with interleaved
// samples widened to uint16 regardless of bit depth, so 8- and 16-bit
// pipelines share code. Frames persist as PNG, which is lossless at
// both depths and readable by any downstream tool.
package imgutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/framevault/framevault/internal/tiff"
)

// Plane is a single decoded frame.
type Plane struct {
	// Width and Height are the pixel dimensions.
	Width, Height int
	// Colors is the number of interleaved samples per pixel, 1 or 3.
	Colors int
	// Bits is the sample depth, 8 or 16.
	Bits int
	// Samples holds one value per sample, row-major with channels
	// interleaved. 8-bit samples occupy the range 0-255.
	Samples []uint16
}

// Validate checks the plane's dimensions against its sample count.
func (p *Plane) Validate() error {
	if p.Colors != 1 && p.Colors != 3 {
		return fmt.Errorf("plane has %d colors, want 1 or 3", p.Colors)
	}
	if p.Bits != 8 && p.Bits != 16 {
		return fmt.Errorf("plane has bit depth %d, want 8 or 16", p.Bits)
	}
	if want := p.Width * p.Height * p.Colors; len(p.Samples) != want {
		return fmt.Errorf("plane has %d samples, want %d", len(p.Samples), want)
	}
	return nil
}

// At returns the sample at pixel (x, y), channel c.
func (p *Plane) At(x, y, c int) uint16 {
	return p.Samples[(y*p.Width+x)*p.Colors+c]
}

// FromTIFFPage decodes one TIFF page into a Plane.
func FromTIFFPage(page *tiff.Page) (*Plane, error) {
	width, err := page.Width()
	if err != nil {
		return nil, err
	}
	height, err := page.Height()
	if err != nil {
		return nil, err
	}
	bits, err := page.BitsPerSample()
	if err != nil {
		return nil, err
	}
	colors, err := page.SamplesPerPixel()
	if err != nil {
		return nil, err
	}
	raw, err := page.Pixels()
	if err != nil {
		return nil, err
	}

	p := &Plane{
		Width:   width,
		Height:  height,
		Colors:  colors,
		Bits:    bits,
		Samples: make([]uint16, width*height*colors),
	}
	switch bits {
	case 8:
		for i, b := range raw {
			p.Samples[i] = uint16(b)
		}
	case 16:
		order := page.ByteOrder()
		for i := range p.Samples {
			p.Samples[i] = order.Uint16(raw[i*2:])
		}
	default:
		return nil, fmt.Errorf("bit depth %d not supported", bits)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePNG serializes the plane as a lossless PNG.
func (p *Plane) EncodePNG() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var img image.Image
	rect := image.Rect(0, 0, p.Width, p.Height)
	switch {
	case p.Colors == 1 && p.Bits == 8:
		gray := image.NewGray(rect)
		for i, s := range p.Samples {
			gray.Pix[i] = uint8(s)
		}
		img = gray
	case p.Colors == 1 && p.Bits == 16:
		gray := image.NewGray16(rect)
		for i, s := range p.Samples {
			gray.Pix[i*2] = uint8(s >> 8)
			gray.Pix[i*2+1] = uint8(s)
		}
		img = gray
	case p.Colors == 3 && p.Bits == 8:
		rgba := image.NewNRGBA(rect)
		for px := 0; px < p.Width*p.Height; px++ {
			rgba.Pix[px*4] = uint8(p.Samples[px*3])
			rgba.Pix[px*4+1] = uint8(p.Samples[px*3+1])
			rgba.Pix[px*4+2] = uint8(p.Samples[px*3+2])
			rgba.Pix[px*4+3] = 0xff
		}
		img = rgba
	case p.Colors == 3 && p.Bits == 16:
		rgba := image.NewNRGBA64(rect)
		for px := 0; px < p.Width*p.Height; px++ {
			for c := 0; c < 3; c++ {
				s := p.Samples[px*3+c]
				rgba.Pix[px*8+c*2] = uint8(s >> 8)
				rgba.Pix[px*8+c*2+1] = uint8(s)
			}
			rgba.Pix[px*8+6] = 0xff
			rgba.Pix[px*8+7] = 0xff
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG parses a stored frame back into a Plane.
func DecodePNG(data []byte) (*Plane, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding PNG: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	switch im := img.(type) {
	case *image.Gray:
		p := &Plane{Width: width, Height: height, Colors: 1, Bits: 8,
			Samples: make([]uint16, width*height)}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p.Samples[y*width+x] = uint16(im.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return p, nil
	case *image.Gray16:
		p := &Plane{Width: width, Height: height, Colors: 1, Bits: 16,
			Samples: make([]uint16, width*height)}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p.Samples[y*width+x] = im.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
			}
		}
		return p, nil
	case *image.NRGBA64:
		p := &Plane{Width: width, Height: height, Colors: 3, Bits: 16,
			Samples: make([]uint16, width*height*3)}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := im.NRGBA64At(bounds.Min.X+x, bounds.Min.Y+y)
				i := (y*width + x) * 3
				p.Samples[i] = c.R
				p.Samples[i+1] = c.G
				p.Samples[i+2] = c.B
			}
		}
		return p, nil
	default:
		// 8-bit color PNGs decode to NRGBA, RGBA, or Paletted
		// depending on the encoder; go through the color model.
		p := &Plane{Width: width, Height: height, Colors: 3, Bits: 8,
			Samples: make([]uint16, width*height*3)}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				i := (y*width + x) * 3
				p.Samples[i] = uint16(c.R)
				p.Samples[i+1] = uint16(c.G)
				p.Samples[i+2] = uint16(c.B)
			}
		}
		return p, nil
	}
}
