// Package annotate draws the field rectangles and their current values
// over a screenshot.
package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"mdetruth/pkg/layout"
)

var (
	boxColor   = color.NRGBA{R: 230, G: 30, B: 30, A: 255}
	labelBg    = color.NRGBA{R: 230, G: 30, B: 30, A: 200}
	labelColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

const stroke = 2

// Annotator renders labeled displays. The zero value is ready to use.
type Annotator struct {
	Face font.Face
}

// Annotate returns a copy of img with every positioned field outlined and
// captioned with labels[field]. Fields without a label get only the box.
func (a Annotator) Annotate(img image.Image, pos layout.Positions, labels map[string]string) *image.NRGBA {
	face := a.Face
	if face == nil {
		face = basicfont.Face7x13
	}
	out := imaging.Clone(img)
	bounds := out.Bounds()
	for _, name := range pos.Names() {
		r := pos[name].Bounds().Intersect(bounds)
		if r.Empty() {
			continue
		}
		outline(out, r)
		text, ok := labels[name]
		if !ok {
			continue
		}
		caption(out, face, r, name+": "+text)
	}
	return out
}

func outline(dst *image.NRGBA, r image.Rectangle) {
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke),
		image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y),
		image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// caption places the text on a filled strip just above the box, or inside
// its top edge when there is no room above.
func caption(dst *image.NRGBA, face font.Face, r image.Rectangle, text string) {
	m := face.Metrics()
	height := (m.Ascent + m.Descent).Ceil() + 2
	width := font.MeasureString(face, text).Ceil() + 4

	top := r.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	strip := image.Rect(r.Min.X, top, r.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, strip, image.NewUniform(labelBg), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(r.Min.X+2, top+1+m.Ascent.Ceil()),
	}
	d.DrawString(text)
}
