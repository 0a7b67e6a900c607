package overlay

import (
	"image"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"

	"github.com/dj-oyu/cloud-monitor/internal/api"
)

const labelFontSize = 14

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
}

// Box colour is rgb(59,130,246) at varying alpha.
const (
	boxR = 59.0 / 255
	boxG = 130.0 / 255
	boxB = 246.0 / 255

	strokeAlpha     = 0.95
	fillAlpha       = 0.08
	labelAlpha      = 0.9
	strokeLineWidth = 3
)

// Renderer draws detection overlays on a transparent canvas the size of the
// displayed video. The canvas is cleared before every draw.
type Renderer struct {
	mu     sync.Mutex
	canvas *image.RGBA
	dc     *gg.Context
	face   font.Face
}

// NewRenderer returns a renderer with the bold label face loaded.
func NewRenderer() *Renderer {
	return &Renderer{
		face: truetype.NewFace(labelFont, &truetype.Options{Size: labelFontSize}),
	}
}

func (r *Renderer) ensureCanvas(w, h int) {
	if r.canvas != nil && r.canvas.Bounds().Dx() == w && r.canvas.Bounds().Dy() == h {
		return
	}
	r.canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	r.dc = gg.NewContextForRGBA(r.canvas)
	r.dc.SetFontFace(r.face)
}

// Render clears the canvas and draws every box of det at the given display size.
// The returned image is a copy the caller owns.
func (r *Renderer) Render(det *api.Detection, width, height int) *image.RGBA {
	if width <= 0 || height <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCanvas(width, height)
	dc := r.dc
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	for _, b := range Layout(det, float64(width), float64(height)) {
		dc.DrawRectangle(b.Left, b.Top, b.Width, b.Height)
		dc.SetRGBA(boxR, boxG, boxB, fillAlpha)
		dc.FillPreserve()
		dc.SetRGBA(boxR, boxG, boxB, strokeAlpha)
		dc.SetLineWidth(strokeLineWidth)
		dc.Stroke()

		textW, _ := dc.MeasureString(b.Label)
		dc.DrawRectangle(b.LabelX, b.LabelY, textW+labelPadding, LabelHeight)
		dc.SetRGBA(boxR, boxG, boxB, labelAlpha)
		dc.Fill()

		dc.SetRGB(1, 1, 1)
		dc.DrawString(b.Label, b.LabelX+textInsetX, b.LabelY+textBaseline)
	}

	out := image.NewRGBA(r.canvas.Bounds())
	copy(out.Pix, r.canvas.Pix)
	return out
}

// Compose scales frame to the display size and draws the overlay over it.
func (r *Renderer) Compose(frame image.Image, det *api.Detection, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	if width <= 0 || height <= 0 {
		return out
	}
	if frame != nil && !frame.Bounds().Empty() {
		draw.ApproxBiLinear.Scale(out, out.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	}
	layer := r.Render(det, width, height)
	draw.Draw(out, out.Bounds(), layer, image.Point{}, draw.Over)
	return out
}
