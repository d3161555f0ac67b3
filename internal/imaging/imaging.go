// Package imaging decodes uploaded photos and produces the scaled copies used by the
// workbook export and the on-screen record table.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

var (
	ErrUnsupported = errors.New("image must be png, jpeg, or webp")
	ErrEmpty       = errors.New("image is empty")
	ErrTooLarge    = errors.New("image has too many pixels")
)

// MaxPixels bounds width*height of any image Decode will expand into memory.
const MaxPixels = 50_000_000

var allowedMimes = []string{"image/png", "image/jpeg", "image/webp"}

// AllowedMime reports whether a sniffed content type is an accepted upload type.
func AllowedMime(mime string) bool {
	for _, allowed := range allowedMimes {
		if mime == allowed {
			return true
		}
	}
	return false
}

// Sniff returns the detected content type of raw, or ErrUnsupported.
func Sniff(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", ErrEmpty
	}
	mime := http.DetectContentType(raw)
	if !AllowedMime(mime) {
		return "", fmt.Errorf("%w (got %s)", ErrUnsupported, mime)
	}
	return mime, nil
}

// Decode sniffs raw, checks the declared dimensions against MaxPixels, then decodes it.
func Decode(raw []byte) (image.Image, error) {
	if _, err := Sniff(raw); err != nil {
		return nil, err
	}
	if err := checkDimensions(raw); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		decoded, webpErr := webp.Decode(bytes.NewReader(raw))
		if webpErr != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		img = decoded
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.New("invalid image dimensions")
	}
	return img, nil
}

func checkDimensions(raw []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		webpCfg, webpErr := webp.DecodeConfig(bytes.NewReader(raw))
		if webpErr != nil {
			return fmt.Errorf("decode image header: %w", err)
		}
		cfg = webpCfg
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.New("invalid image dimensions")
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// Fit scales img down so that neither side exceeds maxSide, preserving aspect ratio.
// Images already inside the box are returned unchanged.
func Fit(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	return resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
}

// Preview renders a small RGBA copy for the record table. Unlike Fit it always allocates
// a fresh image so callers can encode it without touching the source.
func Preview(img image.Image, maxSide int) image.Image {
	w, h := fitDimensions(img.Bounds().Dx(), img.Bounds().Dy(), maxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func fitDimensions(width, height, maxSide int) (int, int) {
	if maxSide <= 0 || (width <= maxSide && height <= maxSide) {
		return width, height
	}
	if width >= height {
		h := height * maxSide / width
		if h < 1 {
			h = 1
		}
		return maxSide, h
	}
	w := width * maxSide / height
	if w < 1 {
		w = 1
	}
	return w, maxSide
}
