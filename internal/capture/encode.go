package capture

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/cloud-monitor/internal/api"
)

// EncodingError reports a snapshot that produced no usable JPEG.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "frame encoding failed: " + e.Reason
}

// Frame is an encoded snapshot ready for upload.
type Frame struct {
	Filename   string
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Upload wraps the frame as a multipart upload.
func (f Frame) Upload() api.Upload {
	return api.Upload{Filename: f.Filename, ContentType: "image/jpeg", Data: f.Data}
}

// FrameFilename names a snapshot after its capture time in unix milliseconds.
func FrameFilename(at time.Time) string {
	return fmt.Sprintf("frame-%d.jpg", at.UnixMilli())
}

// FitWithin scales w x h down so the longer side is at most maxSide,
// keeping the aspect ratio. Sizes already within bounds are returned unchanged.
func FitWithin(w, h, maxSide int) (int, int) {
	longer := max(w, h)
	if maxSide <= 0 || longer <= maxSide {
		return w, h
	}
	scale := float64(maxSide) / float64(longer)
	return int(math.Round(float64(w) * scale)), int(math.Round(float64(h) * scale))
}

// EncodeFrame downsizes img to fit maxSide and encodes it as JPEG.
func EncodeFrame(img image.Image, maxSide, quality int, at time.Time) (Frame, error) {
	if img == nil || img.Bounds().Empty() {
		return Frame{}, &EncodingError{Reason: "empty frame"}
	}

	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxSide)
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Linear)
	}

	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Filename:   FrameFilename(at),
		Data:       data,
		Width:      w,
		Height:     h,
		CapturedAt: at,
	}, nil
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, &EncodingError{Reason: err.Error()}
	}
	if buf.Len() == 0 {
		return nil, &EncodingError{Reason: "encoder produced no data"}
	}
	return buf.Bytes(), nil
}
