package geometry

// Orientation is the device interface orientation at capture time.
type Orientation int

const (
	OrientationUnknown Orientation = iota
	OrientationPortrait
	OrientationPortraitUpsideDown
	OrientationLandscapeLeft
	OrientationLandscapeRight
)

func (o Orientation) String() string {
	switch o {
	case OrientationPortrait:
		return "portrait"
	case OrientationPortraitUpsideDown:
		return "portraitUpsideDown"
	case OrientationLandscapeLeft:
		return "landscapeLeft"
	case OrientationLandscapeRight:
		return "landscapeRight"
	default:
		return "unknown"
	}
}

// ParseOrientation maps the names produced by String back to values.
func ParseOrientation(s string) Orientation {
	switch s {
	case "portrait":
		return OrientationPortrait
	case "portraitUpsideDown":
		return OrientationPortraitUpsideDown
	case "landscapeLeft":
		return OrientationLandscapeLeft
	case "landscapeRight":
		return OrientationLandscapeRight
	default:
		return OrientationUnknown
	}
}

// IsPortrait reports whether o is one of the two portrait orientations.
func (o Orientation) IsPortrait() bool {
	return o == OrientationPortrait || o == OrientationPortraitUpsideDown
}

// IsLandscape reports whether o is one of the two landscape orientations.
func (o Orientation) IsLandscape() bool {
	return o == OrientationLandscapeLeft || o == OrientationLandscapeRight
}

// EXIFOrientation returns the EXIF orientation tag a viewer needs to show
// a rear-camera buffer upright. The sensor buffer is always landscape-right.
func (o Orientation) EXIFOrientation() uint16 {
	switch o {
	case OrientationPortrait:
		return 6 // rotate 90 CW
	case OrientationPortraitUpsideDown:
		return 8 // rotate 90 CCW
	case OrientationLandscapeLeft:
		return 3 // rotate 180
	default:
		return 1
	}
}

// AdjustIntrinsics derives the image dimensions and intrinsics seen by a
// consumer of a buffer captured in the sensor's fixed landscape layout
// while the device was held in orientation o.
//
// Portrait swaps the dimensions; both portrait and landscape reflect the
// principal point as (newWidth-cx, newHeight-cy). Unknown passes through.
func AdjustIntrinsics(width, height int, k Matrix3, o Orientation) (int, int, Matrix3) {
	var w, h int
	switch {
	case o.IsPortrait():
		w, h = height, width
	case o.IsLandscape():
		w, h = width, height
	default:
		return width, height, k
	}

	cx, cy := k.PrincipalPoint()
	adjusted := k
	adjusted[0][2] = float64(w) - cx
	adjusted[1][2] = float64(h) - cy
	return w, h, adjusted
}
