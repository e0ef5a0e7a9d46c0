// Package vision defines camera detections and adapters to the external object detector
package vision

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDetection is returned for detections carrying non-finite numbers
var ErrInvalidDetection = errors.New("invalid detection")

// Pixel is an image coordinate
type Pixel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one object found in a camera frame
type Detection struct {
	BBox       [4]int  `json:"bbox"` // x1, y1, x2, y2
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Center     Pixel   `json:"center"`

	// HorizontalAngleDeg is signed relative to the optical axis, positive toward image-right
	HorizontalAngleDeg float64 `json:"horizontal_angle_deg"`
}

// Validate checks that the numeric fields are well formed
func (d Detection) Validate() error {
	for _, v := range []float64{d.Confidence, d.Center.X, d.Center.Y, d.HorizontalAngleDeg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in %q", ErrInvalidDetection, d.ClassName)
		}
	}
	return nil
}

// PixelToAngle converts a horizontal pixel position to a bearing in [-fov/2, fov/2]
func PixelToAngle(px float64, imageWidth int, fovDeg float64) float64 {
	if imageWidth <= 0 {
		return 0
	}
	half := float64(imageWidth) / 2
	return (px - half) / half * (fovDeg / 2)
}

// NewDetection builds a Detection from a bounding box, deriving centre and bearing
func NewDetection(bbox [4]int, classID int, className string, confidence float64, imageWidth int, fovDeg float64) Detection {
	center := Pixel{
		X: float64(bbox[0]+bbox[2]) / 2,
		Y: float64(bbox[1]+bbox[3]) / 2,
	}

	return Detection{
		BBox:               bbox,
		ClassID:            classID,
		ClassName:          className,
		Confidence:         confidence,
		Center:             center,
		HorizontalAngleDeg: PixelToAngle(center.X, imageWidth, fovDeg),
	}
}

// ClosestToCenter returns the index of the detection nearest the image centre, or -1
func ClosestToCenter(dets []Detection, width, height int) int {
	cx := float64(width) / 2
	cy := float64(height) / 2

	best := -1
	bestDist := math.Inf(1)
	for i, d := range dets {
		dist := math.Hypot(d.Center.X-cx, d.Center.Y-cy)
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best
}
