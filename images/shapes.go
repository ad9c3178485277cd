// Package images - Image loading, letterboxing and box geometry.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is an axis-aligned box in pixel space, stored as center and size.
type Box struct {
	X float32 `json:"x"` // Center x.
	Y float32 `json:"y"` // Center y.
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// BoxFromCorners builds a Box from its top-left and bottom-right corners.
func BoxFromCorners(x1, y1, x2, y2 float32) Box {
	return Box{X: (x1 + x2) / 2, Y: (y1 + y2) / 2, W: x2 - x1, H: y2 - y1}
}

// Corners returns the top-left and bottom-right corners.
func (b Box) Corners() (x1, y1, x2, y2 float32) {
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// Area returns the box area, 0 for degenerate boxes.
func (b Box) Area() float32 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Clamp restricts the box to [0, width] x [0, height]. Boxes that cross the
// border are cut, never dropped.
func (b Box) Clamp(width, height float32) Box {
	x1, y1, x2, y2 := b.Corners()
	x1 = clamp(x1, 0, width)
	x2 = clamp(x2, 0, width)
	y1 = clamp(y1, 0, height)
	y2 = clamp(y2, 0, height)
	return BoxFromCorners(x1, y1, x2, y2)
}

// IoU returns the intersection over union of b and o.
func (b Box) IoU(o Box) float32 {
	ax1, ay1, ax2, ay2 := b.Corners()
	bx1, by1, bx2, by2 := o.Corners()
	return CalculateIoU(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2)
}

func (b Box) String() string {
	x1, y1, x2, y2 := b.Corners()
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", x1, y1, x2, y2)
}

// CalculateIoU measures how much two rectangles overlap, as a value between
// 0 (disjoint) and 1 (identical):
//
//	IoU = Area of Intersection / Area of Union
//
// The intersection starts at the larger of the two top-left corners and ends
// at the smaller of the two bottom-right corners. If its width or height is
// zero or negative the rectangles do not overlap and 0 is returned without
// dividing. The union uses inclusion-exclusion so the overlap is not counted
// twice:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// Arguments:
//   - ax1, ay1, ax2, ay2: Corners of the first rectangle.
//   - bx1, by1, bx2, by2: Corners of the second rectangle.
//
// Returns:
//   - A value between 0.0 and 1.0 representing the IoU score.
//
// Example Usage:
//
//	// Two 10x10 boxes offset by 5: intersection 25, union 175.
//	iou := CalculateIoU(0, 0, 10, 10, 5, 5, 15, 15) // 0.142857
func CalculateIoU(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2 float32) float32 {
	ix1 := math32.Max(ax1, bx1)
	iy1 := math32.Max(ay1, by1)
	ix2 := math32.Min(ax2, bx2)
	iy2 := math32.Min(ay2, by2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	areaA := (ax2 - ax1) * (ay2 - ay1)
	areaB := (bx2 - bx1) * (by2 - by1)
	unionArea := areaA + areaB - interArea
	if unionArea <= 0 {
		return 0
	}
	return interArea / unionArea
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
