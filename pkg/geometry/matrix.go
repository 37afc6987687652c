// Package geometry holds the small amount of linear algebra the capture
// pipeline needs: 3x3 intrinsics, 4x4 rigid transforms and device
// orientation handling.
//
// Matrices are stored row-major (m[row][col]). ColumnMajor flattens in the
// order graphics APIs and the processing server expect.
package geometry

import (
	"errors"
	"math"
)

// ErrSingular is returned when a matrix cannot be inverted.
var ErrSingular = errors.New("geometry: singular matrix")

// Matrix3 is a 3x3 matrix, used for camera intrinsics.
type Matrix3 [3][3]float64

// Matrix4 is a 4x4 homogeneous transform.
type Matrix4 [4][4]float64

// Identity4 returns the 4x4 identity.
func Identity4() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation returns a transform that moves points by (x, y, z).
func Translation(x, y, z float64) Matrix4 {
	m := Identity4()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

// RotationY returns a rotation of angle radians about the Y axis.
func RotationY(angle float64) Matrix4 {
	s, c := math.Sincos(angle)
	m := Identity4()
	m[0][0], m[0][2] = c, s
	m[2][0], m[2][2] = -s, c
	return m
}

// Intrinsics builds a pinhole intrinsics matrix.
func Intrinsics(fx, fy, cx, cy float64) Matrix3 {
	return Matrix3{
		{fx, 0, cx},
		{0, fy, cy},
		{0, 0, 1},
	}
}

func (m Matrix3) FocalLength() (fx, fy float64)    { return m[0][0], m[1][1] }
func (m Matrix3) PrincipalPoint() (cx, cy float64) { return m[0][2], m[1][2] }

// RowMajor flattens m row by row.
func (m Matrix3) RowMajor() []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, m[r][:]...)
	}
	return out
}

// Mul returns m*o.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[r][k] * o[k][c]
			}
			out[r][c] = sum
		}
	}
	return out
}

// Position returns the translation column.
func (m Matrix4) Position() (x, y, z float64) { return m[0][3], m[1][3], m[2][3] }

// ColumnMajor flattens m column by column into 16 values.
func (m Matrix4) ColumnMajor() []float64 {
	out := make([]float64, 0, 16)
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out = append(out, m[r][c])
		}
	}
	return out
}

// RowMajor flattens m row by row into 16 values.
func (m Matrix4) RowMajor() []float64 {
	out := make([]float64, 0, 16)
	for r := 0; r < 4; r++ {
		out = append(out, m[r][:]...)
	}
	return out
}

// Matrix4FromColumnMajor is the inverse of ColumnMajor.
func Matrix4FromColumnMajor(v []float64) (Matrix4, bool) {
	var m Matrix4
	if len(v) != 16 {
		return m, false
	}
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			m[r][c] = v[c*4+r]
		}
	}
	return m, true
}

// Inverse returns the inverse of m using Gauss-Jordan elimination with
// partial pivoting.
func (m Matrix4) Inverse() (Matrix4, error) {
	a := m
	inv := Identity4()

	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return Matrix4{}, ErrSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		p := a[col][col]
		for c := 0; c < 4; c++ {
			a[col][c] /= p
			inv[col][c] /= p
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := a[r][col]
			if f == 0 {
				continue
			}
			for c := 0; c < 4; c++ {
				a[r][c] -= f * a[col][c]
				inv[r][c] -= f * inv[col][c]
			}
		}
	}
	return inv, nil
}

// ApproxEqual reports whether every element of m and o differs by at most
// tol.
func (m Matrix4) ApproxEqual(o Matrix4, tol float64) bool {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(m[r][c]-o[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// RelativeTransform returns inverse(reference) * target: the pose of target
// expressed in the reference frame.
func RelativeTransform(reference, target Matrix4) (Matrix4, error) {
	inv, err := reference.Inverse()
	if err != nil {
		return Matrix4{}, err
	}
	return inv.Mul(target), nil
}
