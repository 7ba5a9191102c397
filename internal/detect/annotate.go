package detect

import (
	"image"
	"image/color"
	"image/draw"

	"camrelay/internal/core"
)

var boxColor = color.RGBA{G: 255, A: 255}

const boxThickness = 2

// DrawBoxes returns a copy of the frame with detection rectangles drawn
// on it. The original frame is never touched: incidents upload the
// undrawn picture.
func DrawBoxes(frame *image.RGBA, dets []core.Detection) *image.RGBA {
	out := image.NewRGBA(frame.Bounds())
	copy(out.Pix, frame.Pix)
	for _, d := range dets {
		rect := image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3]))
		drawRect(out, rect.Intersect(out.Bounds()))
	}
	return out
}

func drawRect(img *image.RGBA, r image.Rectangle) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(boxColor)
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxThickness)
	bottom := image.Rect(r.Min.X, r.Max.Y-boxThickness, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxThickness, r.Max.Y)
	right := image.Rect(r.Max.X-boxThickness, r.Min.Y, r.Max.X, r.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(img, edge.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}
