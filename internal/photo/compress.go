// Package photo compresses courier photos and moves them to remote storage.
package photo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/kimhsiao/logistik/backend/internal/errors"
)

const (
	DefaultQuality   = 70
	DefaultMaxWidth  = 1280
	DefaultMaxHeight = 1280
)

// Compress decodes raw (JPEG, PNG, GIF or WebP), applies EXIF orientation,
// downscales it to fit maxWidth x maxHeight when larger, and re-encodes it
// as JPEG at quality. The same input always yields the same output.
func Compress(raw []byte, quality, maxWidth, maxHeight int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New(errors.ErrPhotoInvalid, "empty image")
	}
	if quality < 1 || quality > 100 {
		return nil, errors.Newf(errors.ErrPhotoInvalid, "quality %d out of range", quality)
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, errors.Newf(errors.ErrPhotoInvalid, "invalid bounds %dx%d", maxWidth, maxHeight)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(errors.ErrPhotoInvalid, "failed to decode image", err)
	}

	if b := img.Bounds(); b.Dx() > maxWidth || b.Dy() > maxHeight {
		img = imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, errors.Wrap(errors.ErrPhotoInvalid, "failed to encode image", err)
	}
	return buf.Bytes(), nil
}

// Dimensions returns the pixel size of an encoded image.
func Dimensions(blob []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return 0, 0, errors.Wrap(errors.ErrPhotoInvalid, "failed to read image header", err)
	}
	return cfg.Width, cfg.Height, nil
}

// CalculateHash calculates the SHA-256 hash of blob.
func CalculateHash(blob []byte) string {
	h := sha256.Sum256(blob)
	return hex.EncodeToString(h[:])
}

// Key returns the content-addressed object key of a compressed photo.
// Identical blobs share a key, so a retried upload overwrites instead of
// duplicating.
func Key(blob []byte) string {
	return "photos/" + CalculateHash(blob) + ".jpg"
}

// Filename returns the last path element of Key(blob).
func Filename(blob []byte) string {
	return CalculateHash(blob) + ".jpg"
}
