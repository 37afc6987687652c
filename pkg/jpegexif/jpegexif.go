// Package jpegexif encodes JPEG images carrying an EXIF orientation tag and
// reads that tag back.
package jpegexif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	markerSOI  = 0xD8
	markerAPP1 = 0xE1
	markerSOS  = 0xDA

	tagOrientation = 0x0112
	typeShort      = 3
)

var exifHeader = []byte("Exif\x00\x00")

// ErrNotJPEG is returned for data that does not start with an SOI marker.
var ErrNotJPEG = errors.New("jpegexif: not a JPEG stream")

// Encode compresses img at quality and inserts an APP1 segment holding a
// single orientation entry (1..8) directly after the SOI marker.
func Encode(img image.Image, quality int, orientation uint16) ([]byte, error) {
	if orientation < 1 || orientation > 8 {
		return nil, fmt.Errorf("jpegexif: orientation %d out of range", orientation)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpegexif: encode: %w", err)
	}
	data := buf.Bytes()
	if len(data) < 2 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, ErrNotJPEG
	}

	segment := app1Segment(orientation)
	out := make([]byte, 0, len(data)+len(segment))
	out = append(out, data[:2]...)
	out = append(out, segment...)
	return append(out, data[2:]...), nil
}

func app1Segment(orientation uint16) []byte {
	be := binary.BigEndian

	// TIFF header, one IFD with one entry, no next IFD.
	tiff := make([]byte, 8+2+12+4)
	copy(tiff, "MM")
	be.PutUint16(tiff[2:], 42)
	be.PutUint32(tiff[4:], 8)
	be.PutUint16(tiff[8:], 1)
	be.PutUint16(tiff[10:], tagOrientation)
	be.PutUint16(tiff[12:], typeShort)
	be.PutUint32(tiff[14:], 1)
	be.PutUint16(tiff[18:], orientation)

	payload := append(append([]byte{}, exifHeader...), tiff...)
	segment := make([]byte, 4, 4+len(payload))
	segment[0], segment[1] = 0xFF, markerAPP1
	be.PutUint16(segment[2:], uint16(len(payload)+2))
	return append(segment, payload...)
}

// Orientation returns the EXIF orientation of a JPEG stream, if present.
func Orientation(data []byte) (uint16, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return 0, false
	}

	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 0, false
		}
		marker := data[pos+1]
		if marker == markerSOS {
			return 0, false
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return 0, false
		}
		if marker == markerAPP1 {
			if v, ok := parseExif(data[pos+4 : end]); ok {
				return v, true
			}
		}
		pos = end
	}
	return 0, false
}

func parseExif(seg []byte) (uint16, bool) {
	if !bytes.HasPrefix(seg, exifHeader) {
		return 0, false
	}
	tiff := seg[len(exifHeader):]
	if len(tiff) < 8 {
		return 0, false
	}

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "MM":
		order = binary.BigEndian
	case "II":
		order = binary.LittleEndian
	default:
		return 0, false
	}

	ifd := int(order.Uint32(tiff[4:]))
	if ifd+2 > len(tiff) {
		return 0, false
	}
	count := int(order.Uint16(tiff[ifd:]))
	for i := 0; i < count; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(tiff) {
			return 0, false
		}
		if order.Uint16(tiff[entry:]) == tagOrientation && order.Uint16(tiff[entry+2:]) == typeShort {
			return order.Uint16(tiff[entry+8:]), true
		}
	}
	return 0, false
}
