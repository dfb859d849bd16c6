// Package calibration estimates the rigid transform between a color camera
// and a depth sensor from checkerboard observations, together with a
// two-stage depth undistortion model and a refinement of the depth
// intrinsics. The entry point is Calibration, which owns the frame records
// and checkerboard views and sequences bootstrap estimation, undistortion
// model fitting and the joint nonlinear refinement.
package calibration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

// Checkerboard is the planar calibration target: a grid of interior corners
// on the z=0 plane of the board frame.
type Checkerboard struct {
	Name       string  `json:"name"`
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	CellWidth  float64 `json:"cell_width"`
	CellHeight float64 `json:"cell_height"`
}

// CheckValid checks the board definition.
func (b Checkerboard) CheckValid() error {
	if b.Cols < 2 || b.Rows < 2 {
		return errors.Errorf("checkerboard needs at least a 2x2 corner grid, got %dx%d", b.Cols, b.Rows)
	}
	if b.CellWidth <= 0 || b.CellHeight <= 0 {
		return errors.Errorf("checkerboard cell size must be positive, got %gx%g", b.CellWidth, b.CellHeight)
	}
	return nil
}

// NumCorners returns the interior corner count.
func (b Checkerboard) NumCorners() int {
	return b.Cols * b.Rows
}

// Corners returns the corner positions in the board frame, row-major.
func (b Checkerboard) Corners() []r3.Vector {
	corners := make([]r3.Vector, 0, b.NumCorners())
	for i := 0; i < b.Rows; i++ {
		for j := 0; j < b.Cols; j++ {
			corners = append(corners, r3.Vector{
				X: float64(j) * b.CellWidth,
				Y: float64(i) * b.CellHeight,
			})
		}
	}
	return corners
}

// CornersAt returns the corner positions under the given board pose.
func (b Checkerboard) CornersAt(pose spatialmath.Pose) []r3.Vector {
	corners := b.Corners()
	for i := range corners {
		corners[i] = pose.TransformPoint(corners[i])
	}
	return corners
}

// Center returns the board center in the board frame.
func (b Checkerboard) Center() r3.Vector {
	return r3.Vector{
		X: float64(b.Cols-1) * b.CellWidth / 2,
		Y: float64(b.Rows-1) * b.CellHeight / 2,
	}
}

// PlaneAt returns the board plane under the given pose, oriented toward the
// observing sensor's origin.
func (b Checkerboard) PlaneAt(pose spatialmath.Pose) pointcloud.Plane {
	boardPlane := pointcloud.NewPlane(r3.Vector{Z: 1}, 0)
	return boardPlane.Transform(pose).FlipTowardViewpoint(r3.Vector{})
}
