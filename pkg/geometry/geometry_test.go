package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustIntrinsics_Portrait(t *testing.T) {
	k := Intrinsics(1500, 1490, 955.5, 715.25)

	for _, o := range []Orientation{OrientationPortrait, OrientationPortraitUpsideDown} {
		w, h, adjusted := AdjustIntrinsics(1920, 1440, k, o)
		assert.Equal(t, 1440, w, o.String())
		assert.Equal(t, 1920, h, o.String())

		cx, cy := adjusted.PrincipalPoint()
		assert.InDelta(t, 1440-955.5, cx, 1e-9)
		assert.InDelta(t, 1920-715.25, cy, 1e-9)

		fx, fy := adjusted.FocalLength()
		assert.Equal(t, 1500.0, fx)
		assert.Equal(t, 1490.0, fy)
	}
}

func TestAdjustIntrinsics_Landscape(t *testing.T) {
	k := Intrinsics(1500, 1490, 955.5, 715.25)

	for _, o := range []Orientation{OrientationLandscapeLeft, OrientationLandscapeRight} {
		w, h, adjusted := AdjustIntrinsics(1920, 1440, k, o)
		assert.Equal(t, 1920, w)
		assert.Equal(t, 1440, h)

		cx, cy := adjusted.PrincipalPoint()
		assert.InDelta(t, 1920-955.5, cx, 1e-9)
		assert.InDelta(t, 1440-715.25, cy, 1e-9)
	}
}

func TestAdjustIntrinsics_UnknownPassesThrough(t *testing.T) {
	k := Intrinsics(1500, 1490, 955.5, 715.25)
	w, h, adjusted := AdjustIntrinsics(1920, 1440, k, OrientationUnknown)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1440, h)
	assert.Equal(t, k, adjusted)
}

func TestOrientation_RoundTripNames(t *testing.T) {
	for _, o := range []Orientation{
		OrientationUnknown,
		OrientationPortrait,
		OrientationPortraitUpsideDown,
		OrientationLandscapeLeft,
		OrientationLandscapeRight,
	} {
		assert.Equal(t, o, ParseOrientation(o.String()))
	}
	assert.Equal(t, OrientationUnknown, ParseOrientation("faceUp"))
}

func TestInverse_RigidTransform(t *testing.T) {
	m := Translation(1, 2, 3).Mul(RotationY(math.Pi / 3))

	inv, err := m.Inverse()
	require.NoError(t, err)
	assert.True(t, m.Mul(inv).ApproxEqual(Identity4(), 1e-9))
	assert.True(t, inv.Mul(m).ApproxEqual(Identity4(), 1e-9))
}

func TestInverse_Singular(t *testing.T) {
	_, err := Matrix4{}.Inverse()
	assert.ErrorIs(t, err, ErrSingular)
}

func TestRelativeTransform_CameraInAnchorFrame(t *testing.T) {
	anchor := Translation(0, 0, -1).Mul(RotationY(math.Pi / 2))
	camera := Translation(0.5, 1.5, 0)

	rel, err := RelativeTransform(anchor, camera)
	require.NoError(t, err)

	// Putting the relative pose back in the anchor frame recovers the camera.
	assert.True(t, anchor.Mul(rel).ApproxEqual(camera, 1e-9))

	// Identity anchor leaves the camera pose unchanged.
	rel, err = RelativeTransform(Identity4(), camera)
	require.NoError(t, err)
	assert.True(t, rel.ApproxEqual(camera, 1e-12))
}

func TestColumnMajor_TranslationLast(t *testing.T) {
	v := Translation(7, 8, 9).ColumnMajor()
	require.Len(t, v, 16)
	assert.Equal(t, []float64{7, 8, 9, 1}, v[12:])

	back, ok := Matrix4FromColumnMajor(v)
	require.True(t, ok)
	assert.Equal(t, Translation(7, 8, 9), back)

	_, ok = Matrix4FromColumnMajor(v[:15])
	assert.False(t, ok)
}

func TestIntrinsicsRowMajor_PrincipalPointAtIndex2And5(t *testing.T) {
	v := Intrinsics(10, 11, 12, 13).RowMajor()
	assert.Equal(t, []float64{10, 0, 12, 0, 11, 13, 0, 0, 1}, v)
}
