// Package overlay maps detection boxes onto the displayed video and draws them.
package overlay

import (
	"fmt"
	"math"

	"github.com/dj-oyu/cloud-monitor/internal/api"
)

// Label geometry in displayed pixels.
const (
	LabelHeight  = 22
	labelOffset  = 26
	labelPadding = 10
	textInsetX   = 6
	textBaseline = 16
)

// Box is a prediction converted to a top-left rectangle in displayed coordinates.
type Box struct {
	Left       float64 `json:"left"`
	Top        float64 `json:"top"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
	LabelX     float64 `json:"label_x"`
	LabelY     float64 `json:"label_y"`
}

// Scale returns the model-to-display scale factors. A missing model size
// falls back to the displayed size, which makes the factor 1.
func Scale(det api.Detection, displayW, displayH float64) (sx, sy float64) {
	imgW := float64(det.ImageDimensions.Width)
	imgH := float64(det.ImageDimensions.Height)
	if imgW <= 0 {
		imgW = displayW
	}
	if imgH <= 0 {
		imgH = displayH
	}
	sx, sy = 1, 1
	if imgW > 0 {
		sx = displayW / imgW
	}
	if imgH > 0 {
		sy = displayH / imgH
	}
	return sx, sy
}

// Layout computes display rectangles for every prediction. It is recomputed
// per call so a resized display never reuses stale geometry.
func Layout(det *api.Detection, displayW, displayH float64) []Box {
	if det == nil {
		return nil
	}
	sx, sy := Scale(*det, displayW, displayH)

	boxes := make([]Box, 0, len(det.Predictions))
	for _, p := range det.Predictions {
		bb := p.BoundingBox
		b := Box{
			Left:       (bb.X - bb.Width/2) * sx,
			Top:        (bb.Y - bb.Height/2) * sy,
			Width:      bb.Width * sx,
			Height:     bb.Height * sy,
			Class:      p.Class,
			Confidence: p.Confidence,
			Label:      Label(p),
		}
		b.LabelX = b.Left
		b.LabelY = math.Max(0, b.Top-labelOffset)
		boxes = append(boxes, b)
	}
	return boxes
}

// Label formats a prediction as "class NN.N%".
func Label(p api.Prediction) string {
	return fmt.Sprintf("%s %.1f%%", p.Class, p.Confidence*100)
}
