// Package mediaprep resizes/recompresses outgoing photo bytes so they
// comply with the messenger's MaxPhotoMessageLen-adjacent byte-size
// limits before the broker hands them to a Messenger implementation.
// Grounded on plugin/chat_apps/media/handler.go's size-validation
// methods (ValidatePhotoSize et al.), generalized from "validate and
// reject" to "validate and transcode" since
// github.com/disintegration/imaging is in the dependency graph and the
// broker would otherwise have no photo-overflow recovery path at all.
package mediaprep

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// Config mirrors plugin/chat_apps/media.MediaConfig's size-limit shape,
// trimmed to the one media kind the broker actually sends: photos.
type Config struct {
	MaxPhotoSizeMB int64
	JPEGQuality    int // 1-100, passed to image/jpeg
	MaxDimensionPx int // longest side, after which the image is downscaled
}

func DefaultConfig() Config {
	return Config{
		MaxPhotoSizeMB: 10,
		JPEGQuality:    85,
		MaxDimensionPx: 2048,
	}
}

// ValidatePhotoSize checks if photo bytes are within the configured size
// limit, mirroring plugin/chat_apps/media.MediaHandler.ValidatePhotoSize.
func (c Config) ValidatePhotoSize(size int64) error {
	limit := c.MaxPhotoSizeMB * 1024 * 1024
	if size > limit {
		return fmt.Errorf("mediaprep: photo too large: %d MB (max %d MB)", size/(1024*1024), c.MaxPhotoSizeMB)
	}
	return nil
}

// PrepareForSend decodes data, downscales it if it exceeds
// MaxDimensionPx on its longest side, and re-encodes as JPEG at
// JPEGQuality. If the input is already within limits after decoding, it
// is still re-encoded — keeping one code path rather than special-casing
// "already small enough".
func (c Config) PrepareForSend(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mediaprep: decode: %w", err)
	}

	bounds := img.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if c.MaxDimensionPx > 0 && longest > c.MaxDimensionPx {
		if bounds.Dx() >= bounds.Dy() {
			img = imaging.Resize(img, c.MaxDimensionPx, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, c.MaxDimensionPx, imaging.Lanczos)
		}
	}

	var out bytes.Buffer
	quality := c.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("mediaprep: encode: %w", err)
	}
	if err := c.ValidatePhotoSize(int64(out.Len())); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
