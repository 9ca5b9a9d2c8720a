// Package bitmap decodes captured or picked photographs into rasters.
package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoding errors.
var (
	ErrEmpty       = errors.New("bitmap: no image data")
	ErrTooLarge    = errors.New("bitmap: image exceeds size limit")
	ErrUnsupported = errors.New("bitmap: unsupported image format")
)

// Bitmap is a decoded raster plus the format it was read from.
type Bitmap struct {
	Image  image.Image
	Format string
}

// Limits bound what a decode may consume. Zero fields are unlimited.
type Limits struct {
	// MaxBytes caps the encoded size.
	MaxBytes int64
	// MaxPixels caps width*height as declared by the image header, checked
	// before any raster is allocated.
	MaxPixels int64
}

// Decode reads at most lim.MaxBytes from r and decodes them, applying any
// EXIF orientation so the raster is upright.
func Decode(r io.Reader, lim Limits) (*Bitmap, error) {
	src := r
	if lim.MaxBytes > 0 {
		src = io.LimitReader(r, lim.MaxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return DecodeBytes(data, lim)
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte, lim Limits) (*Bitmap, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if lim.MaxBytes > 0 && int64(len(data)) > lim.MaxBytes {
		return nil, ErrTooLarge
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if lim.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > lim.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d pixels", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	return &Bitmap{Image: img, Format: format}, nil
}

// Bounds is the raster size.
func (b *Bitmap) Bounds() image.Rectangle {
	return b.Image.Bounds()
}

// PNG encodes the raster losslessly; this is what the OCR engine receives.
func (b *Bitmap) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, b.Image, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales the raster down to fit within maxWidth x maxHeight.
// Smaller images are returned unscaled.
func (b *Bitmap) Thumbnail(maxWidth, maxHeight int) image.Image {
	bounds := b.Image.Bounds()
	if bounds.Dx() <= maxWidth && bounds.Dy() <= maxHeight {
		return imaging.Clone(b.Image)
	}
	return imaging.Fit(b.Image, maxWidth, maxHeight, imaging.Lanczos)
}

// EncodePNG writes any raster as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}
