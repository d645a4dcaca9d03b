// Package capture produces JPEG frames for get_jpeg requests
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"

	"github.com/robohub/robohub/internal/logging"
)

// ErrNoDisplay is returned when no active display can be captured
var ErrNoDisplay = errors.New("no active display")

// Capturer produces one encoded JPEG frame
type Capturer interface {
	CaptureJPEG() ([]byte, error)
}

// Screen captures a display with kbinani/screenshot
type Screen struct {
	Display int
	Quality int     // 1..100, default 75
	Scale   float64 // (0, 1], default 0.5
	// MaxBytes, when set, shrinks the frame until it fits
	MaxBytes int
}

// CaptureJPEG grabs the display and encodes it
func (s Screen) CaptureJPEG() ([]byte, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, ErrNoDisplay
	}
	if s.Display < 0 || s.Display >= n {
		return nil, fmt.Errorf("invalid display %d, have %d displays", s.Display, n)
	}

	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(s.Display))
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	return Encode(img, s.Scale, s.Quality, s.MaxBytes)
}

// Encode scales img and encodes it as JPEG. With maxBytes > 0, scale and
// quality are reduced over a few attempts until the frame fits.
func Encode(img image.Image, scale float64, quality, maxBytes int) ([]byte, error) {
	if scale <= 0 || scale > 1 {
		scale = 0.5
	}
	if quality <= 0 || quality > 100 {
		quality = 75
	}

	for attempts := 0; attempts < 4; attempts++ {
		frame := img
		if scale < 1 {
			frame = scaleImage(img, scale)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("jpeg encode failed: %w", err)
		}
		if maxBytes <= 0 || buf.Len() <= maxBytes {
			return buf.Bytes(), nil
		}

		scale *= 0.7
		if quality > 20 {
			quality -= 10
		}
	}
	return nil, fmt.Errorf("frame larger than %d bytes after scaling attempts", maxBytes)
}

// scaleImage downscales src by the given factor (0..1]
func scaleImage(src image.Image, factor float64) image.Image {
	srcBounds := src.Bounds()
	w := max(1, int(float64(srcBounds.Dx())*factor))
	h := max(1, int(float64(srcBounds.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)
	return dst
}

// TestPattern renders a generated image, for hosts without a display
type TestPattern struct {
	Width, Height int
	Quality       int
}

// CaptureJPEG encodes a color-bar pattern
func (p TestPattern) CaptureJPEG() ([]byte, error) {
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}

	bars := []color.RGBA{
		{192, 192, 192, 255}, {192, 192, 0, 255}, {0, 192, 192, 255}, {0, 192, 0, 255},
		{192, 0, 192, 255}, {192, 0, 0, 255}, {0, 0, 192, 255},
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		c := bars[x*len(bars)/w]
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return Encode(img, 1, p.Quality, 0)
}

// Fallback tries Primary and uses Secondary when it fails
type Fallback struct {
	Primary   Capturer
	Secondary Capturer
}

// CaptureJPEG returns the first frame that could be produced
func (f Fallback) CaptureJPEG() ([]byte, error) {
	data, err := f.Primary.CaptureJPEG()
	if err == nil {
		return data, nil
	}
	logging.Debugf("primary capture failed, using fallback: %v", err)
	return f.Secondary.CaptureJPEG()
}
