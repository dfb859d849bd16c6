package undistortion

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
)

// GlobalModel corrects the residual depth bias left after local correction.
// It is a 2x2 grid of polynomials over image position; cells (0,0), (0,1)
// and (1,0) are fit from data while cell (1,1) is solved from the other
// three through a boundary-continuity linear system.
type GlobalModel struct {
	width, height int
	cells         [2][2]Polynomial
}

// NewGlobalModel creates an empty global model for a depth image of the
// given resolution.
func NewGlobalModel(width, height int) (*GlobalModel, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	return &GlobalModel{width: width, height: height}, nil
}

// Width returns the covered image width in pixels.
func (m *GlobalModel) Width() int { return m.width }

// Height returns the covered image height in pixels.
func (m *GlobalModel) Height() int { return m.height }

// CellOf returns the (row, col) cell containing pixel (u, v).
func (m *GlobalModel) CellOf(u, v int) (int, int) {
	cy, cx := 0, 0
	if u >= m.width/2 {
		cx = 1
	}
	if v >= m.height/2 {
		cy = 1
	}
	return cy, cx
}

// Polynomial returns the polynomial of cell (cy, cx), or nil if unset.
func (m *GlobalModel) Polynomial(cy, cx int) Polynomial {
	return m.cells[cy][cx]
}

// SetPolynomial stores the polynomial of cell (cy, cx).
func (m *GlobalModel) SetPolynomial(cy, cx int, p Polynomial) {
	m.cells[cy][cx] = p
}

// UndistortDepth corrects a locally-undistorted depth at pixel (u, v).
// Unset cells return the depth unchanged.
func (m *GlobalModel) UndistortDepth(u, v int, z float64) float64 {
	cy, cx := m.CellOf(u, v)
	p := m.cells[cy][cx]
	if p == nil {
		return z
	}
	return p.Evaluate(z)
}

// Undistort corrects every finite point of an organized cloud in place. It
// is the second correction stage, applied to clouds the local model has
// already corrected. The cloud may be at a lower resolution than the
// model's image size; pixel coordinates are scaled accordingly.
func (m *GlobalModel) Undistort(cloud *pointcloud.Cloud) {
	scaleU := m.width / cloud.Width()
	scaleV := m.height / cloud.Height()
	if scaleU < 1 {
		scaleU = 1
	}
	if scaleV < 1 {
		scaleV = 1
	}
	for v := 0; v < cloud.Height(); v++ {
		for u := 0; u < cloud.Width(); u++ {
			pt := cloud.At(u, v)
			if !pointcloud.IsFinite(pt) || pt.Z <= 0 {
				continue
			}
			corrected := m.UndistortDepth(u*scaleU, v*scaleV, pt.Z)
			cloud.Set(u, v, pt.Mul(corrected/pt.Z))
		}
	}
}

// DerivedCellCoefficients solves the boundary-continuity system for the
// (1,1) cell given the three fitted cells: a Vandermonde system over the
// sample abscissas x = 1..n is solved against p01(x) + p10(x) - p00(x),
// where n is the coefficient count.
func DerivedCellCoefficients(c00, c01, c10 Polynomial) (Polynomial, error) {
	size := len(c00)
	if len(c01) != size || len(c10) != size {
		return nil, errors.Errorf("coefficient size mismatch: %d, %d, %d", len(c00), len(c01), len(c10))
	}
	a := mat.NewDense(size, size, nil)
	b := mat.NewVecDense(size, nil)
	for i := 0; i < size; i++ {
		x := float64(i + 1)
		y := c01.Evaluate(x) + c10.Evaluate(x) - c00.Evaluate(x)
		v := 1.0
		for j := 0; j < size; j++ {
			a.Set(i, j, v)
			v *= x
		}
		b.SetVec(i, y)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return nil, errors.Wrap(err, "continuity system is singular")
	}
	coeffs := make(Polynomial, size)
	copy(coeffs, sol.RawVector().Data)
	return coeffs, nil
}

// SolveContinuityCell fills the (1,1) cell from the three fitted cells. It
// is a contract violation to call it before those cells are fit.
func (m *GlobalModel) SolveContinuityCell() error {
	if m.cells[0][0] == nil || m.cells[0][1] == nil || m.cells[1][0] == nil {
		return errors.New("cannot solve continuity cell before cells (0,0), (0,1) and (1,0) are fit")
	}
	derived, err := DerivedCellCoefficients(m.cells[0][0], m.cells[0][1], m.cells[1][0])
	if err != nil {
		return err
	}
	m.cells[1][1] = derived
	return nil
}
