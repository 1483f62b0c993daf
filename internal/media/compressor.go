// Package media normalizes captured photos and signatures before upload.
package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// accepted lists the image types a capture may carry.
var accepted = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff"}

// DetectImage sniffs raw and returns its MIME type. Anything that is not a
// supported image fails with INVALID_FORMAT.
func DetectImage(raw []byte) (string, error) {
	mt := mimetype.Detect(raw)
	for _, a := range accepted {
		if mt.Is(a) {
			return a, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrInvalidFormat, "unsupported attachment type %s", mt.String())
}

// Options bounds the compressor output.
type Options struct {
	MaxBytes     int // hard cap on encoded size
	MaxDimension int // long edge after downscaling
	MinDimension int // give up below this long edge
	Quality      int // first JPEG quality tried
	QualityStep  int
	QualityFloor int
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		MaxBytes:     1536 * 1024,
		MaxDimension: 2048,
		MinDimension: 64,
		Quality:      82,
		QualityStep:  8,
		QualityFloor: 42,
	}
}

// CompressedImage is the staged form of one attachment.
type CompressedImage struct {
	Data         []byte
	Width        int
	Height       int
	ContentType  string
	OriginalSize int
}

// Compressor shrinks images to JPEG within Options.
type Compressor struct {
	opts Options
}

// NewCompressor creates a Compressor. Zero fields take the defaults.
func NewCompressor(opts Options) *Compressor {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = def.MaxDimension
	}
	if opts.MinDimension <= 0 {
		opts.MinDimension = def.MinDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.QualityStep <= 0 {
		opts.QualityStep = def.QualityStep
	}
	if opts.QualityFloor <= 0 || opts.QualityFloor > opts.Quality {
		opts.QualityFloor = min(def.QualityFloor, opts.Quality)
	}
	return &Compressor{opts: opts}
}

// Options returns the effective limits.
func (c *Compressor) Options() Options {
	return c.opts
}

// Compress decodes raw, bakes in EXIF orientation, flattens transparency
// on white, downscales to MaxDimension and encodes JPEG within MaxBytes.
// JPEG input is also never made larger than it was. raw is never modified.
//
// A JPEG that already fits and needs no rotation is returned as-is when
// re-encoding would not make it smaller. Every other format is always
// normalized to JPEG, even when that grows a tiny palette image.
func (c *Compressor) Compress(raw []byte) (*CompressedImage, error) {
	contentType, err := DetectImage(raw)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompressionFailed, "decode image", err)
	}
	img = flatten(img)

	b := img.Bounds()
	if c.canPassThrough(raw, contentType, b.Dx(), b.Dy()) {
		enc, err := encodeJPEG(img, c.opts.Quality)
		if err != nil {
			return nil, err
		}
		if len(enc) < len(raw) {
			return &CompressedImage{Data: enc, Width: b.Dx(), Height: b.Dy(), ContentType: "image/jpeg", OriginalSize: len(raw)}, nil
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return &CompressedImage{Data: out, Width: b.Dx(), Height: b.Dy(), ContentType: contentType, OriginalSize: len(raw)}, nil
	}

	if b.Dx() > c.opts.MaxDimension || b.Dy() > c.opts.MaxDimension {
		img = imaging.Fit(img, c.opts.MaxDimension, c.opts.MaxDimension, imaging.Lanczos)
	}
	target := c.opts.MaxBytes
	if contentType == "image/jpeg" {
		target = min(len(raw), target)
	}
	out, err := c.fitWithin(img, target)
	if err != nil {
		return nil, err
	}
	out.OriginalSize = len(raw)
	return out, nil
}

// canPassThrough reports whether raw is a JPEG that needs no rotation
// and already fits the limits.
func (c *Compressor) canPassThrough(raw []byte, contentType string, w, h int) bool {
	if contentType != "image/jpeg" {
		return false
	}
	if len(raw) > c.opts.MaxBytes || w > c.opts.MaxDimension || h > c.opts.MaxDimension {
		return false
	}
	return jpegOrientation(raw) <= 1
}

// fitWithin walks the quality ladder, then shrinks the image by a fifth and
// walks it again until the encoding fits target bytes.
func (c *Compressor) fitWithin(img image.Image, target int) (*CompressedImage, error) {
	for {
		b := img.Bounds()
		for q := c.opts.Quality; q >= c.opts.QualityFloor; q -= c.opts.QualityStep {
			enc, err := encodeJPEG(img, q)
			if err != nil {
				return nil, err
			}
			if len(enc) <= target {
				return &CompressedImage{Data: enc, Width: b.Dx(), Height: b.Dy(), ContentType: "image/jpeg"}, nil
			}
		}

		w := int(math.Floor(float64(b.Dx()) * 0.8))
		h := int(math.Floor(float64(b.Dy()) * 0.8))
		if max(w, h) < c.opts.MinDimension || w < 1 || h < 1 {
			return nil, apperrors.Newf(apperrors.ErrCompressionFailed,
				"cannot encode image within %d bytes", target)
		}
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
}

// Thumbnail renders a small JPEG preview whose long edge is at most edge.
func (c *Compressor) Thumbnail(raw []byte, edge int) ([]byte, error) {
	if _, err := DetectImage(raw); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompressionFailed, "decode image", err)
	}
	return encodeJPEG(flatten(imaging.Fit(img, edge, edge, imaging.Box)), 75)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCompressionFailed, "encode jpeg", err)
	}
	return buf.Bytes(), nil
}

// flatten composites images with transparency onto white so that
// signatures stay readable once the alpha channel is dropped.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
