// Package pointcloud defines the organized depth clouds produced by a depth
// sensor and the plane fitting used throughout calibration.
//
// Clouds keep the sensor's pixel grid: every pixel has a slot, and slots
// with no valid measurement hold an explicit invalid (NaN) point.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// InvalidPoint is the marker stored at pixels with no valid depth sample.
var InvalidPoint = r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}

// IsFinite reports whether a point holds a real measurement.
func IsFinite(p r3.Vector) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z)
}

// Cloud is an organized point cloud: a width x height grid of points in the
// depth sensor frame, row-major. A cloud is dense until a pixel is marked
// invalid.
type Cloud struct {
	width, height int
	points        []r3.Vector
	dense         bool
}

// NewCloud returns a cloud of the given size with every pixel invalid.
func NewCloud(width, height int) *Cloud {
	points := make([]r3.Vector, width*height)
	for i := range points {
		points[i] = InvalidPoint
	}
	return &Cloud{width: width, height: height, points: points, dense: false}
}

// NewCloudFromPoints wraps a row-major point slice of size width*height.
func NewCloudFromPoints(width, height int, points []r3.Vector) (*Cloud, error) {
	if len(points) != width*height {
		return nil, errors.Errorf("expected %d points for a %dx%d cloud, got %d", width*height, width, height, len(points))
	}
	dense := true
	for i := range points {
		if !IsFinite(points[i]) {
			dense = false
			break
		}
	}
	return &Cloud{width: width, height: height, points: points, dense: dense}, nil
}

// Width returns the number of pixel columns.
func (c *Cloud) Width() int { return c.width }

// Height returns the number of pixel rows.
func (c *Cloud) Height() int { return c.height }

// Size returns the number of pixel slots, valid or not.
func (c *Cloud) Size() int { return len(c.points) }

// IsDense reports whether every pixel holds a valid point.
func (c *Cloud) IsDense() bool { return c.dense }

// At returns the point at pixel (u, v).
func (c *Cloud) At(u, v int) r3.Vector {
	return c.points[v*c.width+u]
}

// AtIndex returns the point at the given row-major index.
func (c *Cloud) AtIndex(i int) r3.Vector {
	return c.points[i]
}

// Set stores a point at pixel (u, v), updating the dense flag if the point
// is the invalid marker.
func (c *Cloud) Set(u, v int, p r3.Vector) {
	c.points[v*c.width+u] = p
	if !IsFinite(p) {
		c.dense = false
	}
}

// SetIndex stores a point at the given row-major index.
func (c *Cloud) SetIndex(i int, p r3.Vector) {
	c.points[i] = p
	if !IsFinite(p) {
		c.dense = false
	}
}

// Index returns the row-major index of pixel (u, v).
func (c *Cloud) Index(u, v int) int { return v*c.width + u }

// Pixel returns the pixel coordinates of a row-major index.
func (c *Cloud) Pixel(i int) (int, int) {
	return i % c.width, i / c.width
}

// Clone returns a deep copy of the cloud.
func (c *Cloud) Clone() *Cloud {
	points := make([]r3.Vector, len(c.points))
	copy(points, c.points)
	return &Cloud{width: c.width, height: c.height, points: points, dense: c.dense}
}

// Downsample reduces resolution by the given integer ratio, replacing each
// ratio x ratio block by the mean of its finite points. A block with no
// finite point becomes an invalid pixel and the result is marked non-dense.
// A ratio below 1 is a contract violation.
func (c *Cloud) Downsample(ratio int) (*Cloud, error) {
	if ratio < 1 {
		return nil, errors.Errorf("downsample ratio must be >= 1, got %d", ratio)
	}
	if ratio == 1 {
		return c.Clone(), nil
	}
	newWidth := c.width / ratio
	newHeight := c.height / ratio
	out := &Cloud{
		width:  newWidth,
		height: newHeight,
		points: make([]r3.Vector, newWidth*newHeight),
		dense:  c.dense,
	}
	for i := 0; i < newHeight; i++ {
		for j := 0; j < newWidth; j++ {
			var sum r3.Vector
			count := 0
			for di := 0; di < ratio; di++ {
				for dj := 0; dj < ratio; dj++ {
					p := c.At(j*ratio+dj, i*ratio+di)
					if IsFinite(p) {
						sum = sum.Add(p)
						count++
					}
				}
			}
			if count > 0 {
				out.points[i*newWidth+j] = sum.Mul(1 / float64(count))
			} else {
				out.points[i*newWidth+j] = InvalidPoint
				out.dense = false
			}
		}
	}
	return out, nil
}
