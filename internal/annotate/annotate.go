// Package annotate draws detections, distances and the calibration target on frames
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// Options controls what is drawn
type Options struct {
	CalibrationTarget bool    // Draw the centring target used while calibrating
	TargetSize        float64 // Target diameter as a fraction of the short image side
	Quality           int     // JPEG quality of the output
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		TargetSize: 0.2,
		Quality:    80,
	}
}

var (
	targetColor = color.RGBA{G: 255, A: 255}
	centerColor = color.RGBA{R: 255, A: 255}
	hintText    = "Place the calibration object at the centre"
)

// palette gives each class a stable colour
var palette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
}

// ClassColor returns the drawing colour for a class id
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Label formats the caption of a detection, with the fused distance when present
func Label(d vision.Detection, obj fusion.Object, fused bool) string {
	if fused {
		return fmt.Sprintf("%s %.2f - %.2fm", d.ClassName, d.Confidence, obj.DistanceM)
	}
	return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
}

// Draw decodes a JPEG frame, draws onto it and re-encodes it
func Draw(frame []byte, dets []vision.Detection, result fusion.Result, opts Options) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	Detections(img, dets, result)
	if opts.CalibrationTarget {
		Target(img, opts.TargetSize)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultOptions().Quality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Detections draws a box and caption for every detection
func Detections(img draw.Image, dets []vision.Detection, result fusion.Result) {
	for i, d := range dets {
		c := ClassColor(d.ClassID)
		rect(img, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3], 2, c)

		obj, fused := result.Objects[i]
		text(img, d.BBox[0], d.BBox[1]-4, Label(d, obj, fused), c)
	}
}

// Target draws a circle and cross at the image centre
func Target(img draw.Image, size float64) {
	if size <= 0 {
		size = DefaultOptions().TargetSize
	}

	b := img.Bounds()
	cx := b.Min.X + b.Dx()/2
	cy := b.Min.Y + b.Dy()/2

	short := b.Dx()
	if b.Dy() < short {
		short = b.Dy()
	}
	r := int(float64(short) * size / 2)

	circle(img, cx, cy, r, targetColor)
	hline(img, cx-r, cx+r, cy, targetColor)
	vline(img, cx, cy-r, cy+r, targetColor)
	disc(img, cx, cy, 5, centerColor)

	text(img, b.Min.X+10, b.Min.Y+20, hintText, targetColor)
}

func text(img draw.Image, x, y int, s string, c color.Color) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(s)
}

func rect(img draw.Image, x0, y0, x1, y1, thickness int, c color.Color) {
	for t := 0; t < thickness; t++ {
		hline(img, x0, x1, y0+t, c)
		hline(img, x0, x1, y1-t, c)
		vline(img, x0+t, y0, y1, c)
		vline(img, x1-t, y0, y1, c)
	}
}

func hline(img draw.Image, x0, x1, y int, c color.Color) {
	for x := x0; x <= x1; x++ {
		set(img, x, y, c)
	}
}

func vline(img draw.Image, x, y0, y1 int, c color.Color) {
	for y := y0; y <= y1; y++ {
		set(img, x, y, c)
	}
}

// circle draws a 2px outline with the midpoint algorithm
func circle(img draw.Image, cx, cy, r int, c color.Color) {
	for _, radius := range []int{r, r - 1} {
		if radius <= 0 {
			continue
		}
		x, y, d := radius, 0, 1-radius
		for x >= y {
			for _, p := range [][2]int{{x, y}, {y, x}, {-y, x}, {-x, y}, {-x, -y}, {-y, -x}, {y, -x}, {x, -y}} {
				set(img, cx+p[0], cy+p[1], c)
			}
			y++
			if d < 0 {
				d += 2*y + 1
			} else {
				x--
				d += 2*(y-x) + 1
			}
		}
	}
}

func disc(img draw.Image, cx, cy, r int, c color.Color) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				set(img, cx+x, cy+y, c)
			}
		}
	}
}

func set(img draw.Image, x, y int, c color.Color) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}
