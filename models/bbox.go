package models

import "math"

// BBox is an axis-aligned bounding box in frame-global pixel
// coordinates, top-left origin, X2 > X1 and Y2 > Y1.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area; zero for degenerate boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Diagonal returns the box diagonal length.
func (b BBox) Diagonal() float64 {
	return math.Hypot(b.Width(), b.Height())
}

// Center returns the box centroid.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// CentroidDistance returns the euclidean distance between the centroids
// of two boxes.
func (b BBox) CentroidDistance(o BBox) float64 {
	bx, by := b.Center()
	ox, oy := o.Center()
	return math.Hypot(bx-ox, by-oy)
}

// IoU returns the intersection-over-union of two boxes, in [0, 1].
func (b BBox) IoU(o BBox) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Translate returns the box shifted by (dx, dy). Used to map tile-local
// detector output into frame-global coordinates.
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// AspectRatio returns width/height, or 0 for a degenerate box.
func (b BBox) AspectRatio() float64 {
	h := b.Height()
	if h <= 0 {
		return 0
	}
	return b.Width() / h
}
