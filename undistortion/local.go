package undistortion

import (
	"github.com/pkg/errors"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
)

// PolynomialDegree is the degree of every correction polynomial, local and
// global.
const PolynomialDegree = 2

// LocalModel is a grid of independent depth-correction polynomials, one per
// pixel bin. Bins without enough samples hold no polynomial and leave depth
// untouched.
type LocalModel struct {
	width, height       int
	binWidth, binHeight int
	cols, rows          int
	polynomials         []Polynomial
}

// NewLocalModel creates an empty local model covering a depth image of the
// given resolution, with bins of binWidth x binHeight pixels.
func NewLocalModel(width, height, binWidth, binHeight int) (*LocalModel, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if binWidth <= 0 || binHeight <= 0 {
		return nil, errors.Errorf("invalid bin size %dx%d", binWidth, binHeight)
	}
	cols := (width + binWidth - 1) / binWidth
	rows := (height + binHeight - 1) / binHeight
	return &LocalModel{
		width:       width,
		height:      height,
		binWidth:    binWidth,
		binHeight:   binHeight,
		cols:        cols,
		rows:        rows,
		polynomials: make([]Polynomial, cols*rows),
	}, nil
}

// Cols returns the number of bin columns.
func (m *LocalModel) Cols() int { return m.cols }

// Rows returns the number of bin rows.
func (m *LocalModel) Rows() int { return m.rows }

// Bins returns the total bin count.
func (m *LocalModel) Bins() int { return m.cols * m.rows }

// BinOf returns the bin coordinates containing pixel (u, v).
func (m *LocalModel) BinOf(u, v int) (int, int) {
	return u / m.binWidth, v / m.binHeight
}

// BinIndex flattens bin coordinates to a single index.
func (m *LocalModel) BinIndex(bx, by int) int { return by*m.cols + bx }

// PolynomialAt returns the polynomial of bin (bx, by), or nil if the bin is
// unavailable.
func (m *LocalModel) PolynomialAt(bx, by int) Polynomial {
	return m.polynomials[m.BinIndex(bx, by)]
}

// SetPolynomialAt stores the polynomial of bin (bx, by).
func (m *LocalModel) SetPolynomialAt(bx, by int, p Polynomial) {
	m.polynomials[m.BinIndex(bx, by)] = p
}

// UndistortDepth corrects a measured depth at pixel (u, v). Unavailable bins
// return the depth unchanged.
func (m *LocalModel) UndistortDepth(u, v int, z float64) float64 {
	bx, by := m.BinOf(u, v)
	p := m.polynomials[m.BinIndex(bx, by)]
	if p == nil {
		return z
	}
	return p.Evaluate(z)
}

// Undistort corrects every finite point of an organized cloud in place,
// rescaling each point along its viewing ray so its depth matches the
// corrected value.
func (m *LocalModel) Undistort(cloud *pointcloud.Cloud) {
	for v := 0; v < cloud.Height(); v++ {
		for u := 0; u < cloud.Width(); u++ {
			pt := cloud.At(u, v)
			if !pointcloud.IsFinite(pt) || pt.Z <= 0 {
				continue
			}
			corrected := m.UndistortDepth(u, v, pt.Z)
			cloud.Set(u, v, pt.Mul(corrected/pt.Z))
		}
	}
}
