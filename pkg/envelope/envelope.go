// Package envelope frames every payload exchanged between peers.
//
// A payload is one kind byte followed by a CBOR body. Environment maps are
// large and compress well, so the map body carries zstd-compressed bytes.
// Receivers classify a payload by its kind byte alone; anything they cannot
// classify or decode is reported as ErrUnknownPayload.
package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Kind identifies the body that follows the first byte.
type Kind byte

const (
	KindMap           Kind = 1
	KindCollaboration Kind = 2
	KindEntity        Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindCollaboration:
		return "collaboration"
	case KindEntity:
		return "entity"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// MaxMapSize bounds the decompressed size of an environment map.
const MaxMapSize = 256 << 20

// decodeHint caps the buffer reserved from a peer's declared map size.
const decodeHint = 1 << 20

// ErrUnknownPayload is returned for payloads that are empty, carry an
// unknown kind, or whose body does not decode.
var ErrUnknownPayload = errors.New("envelope: unknown payload")

// Map is a serialized environment map from the host.
type Map struct {
	SenderID string
	Data     []byte
}

// Collaboration is one incremental tracking update.
type Collaboration struct {
	SenderID string
	Data     []byte
	// Critical updates should travel on the reliable channel.
	Critical bool
}

// EntityOp says what an Entity message does to the receiver's scene.
type EntityOp uint8

const (
	EntityUpsert EntityOp = 1
	EntityRemove EntityOp = 2
)

// Entity replicates one scene object from its authoritative owner.
type Entity struct {
	SenderID  string    `cbor:"1,keyasint"`
	Op        EntityOp  `cbor:"2,keyasint"`
	ObjectID  string    `cbor:"3,keyasint"`
	Signature string    `cbor:"4,keyasint,omitempty"`
	Pose      []float64 `cbor:"5,keyasint,omitempty"` // column-major 4x4
}

// Message is a decoded payload. Exactly one of the body pointers matching
// Kind is set.
type Message struct {
	Kind          Kind
	Map           *Map
	Collaboration *Collaboration
	Entity        *Entity
}

type mapBody struct {
	SenderID string `cbor:"1,keyasint"`
	Size     int    `cbor:"2,keyasint"`
	Zstd     []byte `cbor:"3,keyasint"`
}

type collaborationBody struct {
	SenderID string `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
	Critical bool   `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxMapSize))
	if err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeMap compresses and frames an environment map.
func EncodeMap(m Map) ([]byte, error) {
	if len(m.Data) == 0 {
		return nil, errors.New("envelope: empty map")
	}
	if len(m.Data) > MaxMapSize {
		return nil, fmt.Errorf("envelope: map of %d bytes exceeds limit", len(m.Data))
	}
	return frame(KindMap, mapBody{
		SenderID: m.SenderID,
		Size:     len(m.Data),
		Zstd:     zstdEncoder.EncodeAll(m.Data, nil),
	})
}

// EncodeCollaboration frames an incremental tracking update.
func EncodeCollaboration(c Collaboration) ([]byte, error) {
	return frame(KindCollaboration, collaborationBody{
		SenderID: c.SenderID,
		Data:     c.Data,
		Critical: c.Critical,
	})
}

// EncodeEntity frames a scene replication message.
func EncodeEntity(e Entity) ([]byte, error) {
	if e.ObjectID == "" {
		return nil, errors.New("envelope: entity without object id")
	}
	return frame(KindEntity, e)
}

func frame(kind Kind, body any) ([]byte, error) {
	encoded, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", kind, err)
	}
	out := make([]byte, 0, len(encoded)+1)
	out = append(out, byte(kind))
	return append(out, encoded...), nil
}

// Decode classifies and decodes a payload received from a peer.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("%w: empty", ErrUnknownPayload)
	}
	kind, body := Kind(payload[0]), payload[1:]

	switch kind {
	case KindMap:
		var mb mapBody
		if err := decMode.Unmarshal(body, &mb); err != nil {
			return Message{}, malformed(kind, err)
		}
		if mb.Size <= 0 || mb.Size > MaxMapSize {
			return Message{}, fmt.Errorf("%w: map size %d", ErrUnknownPayload, mb.Size)
		}
		data, err := zstdDecoder.DecodeAll(mb.Zstd, make([]byte, 0, min(mb.Size, decodeHint)))
		if err != nil {
			return Message{}, malformed(kind, err)
		}
		if len(data) != mb.Size {
			return Message{}, fmt.Errorf("%w: map decompressed to %d bytes, expected %d", ErrUnknownPayload, len(data), mb.Size)
		}
		return Message{Kind: kind, Map: &Map{SenderID: mb.SenderID, Data: data}}, nil

	case KindCollaboration:
		var cb collaborationBody
		if err := decMode.Unmarshal(body, &cb); err != nil {
			return Message{}, malformed(kind, err)
		}
		if len(cb.Data) == 0 {
			return Message{}, fmt.Errorf("%w: empty collaboration data", ErrUnknownPayload)
		}
		return Message{Kind: kind, Collaboration: &Collaboration{
			SenderID: cb.SenderID,
			Data:     cb.Data,
			Critical: cb.Critical,
		}}, nil

	case KindEntity:
		var e Entity
		if err := decMode.Unmarshal(body, &e); err != nil {
			return Message{}, malformed(kind, err)
		}
		if e.ObjectID == "" || (e.Op != EntityUpsert && e.Op != EntityRemove) {
			return Message{}, fmt.Errorf("%w: invalid entity", ErrUnknownPayload)
		}
		if e.Op == EntityUpsert && len(e.Pose) != 16 {
			return Message{}, fmt.Errorf("%w: entity pose has %d values", ErrUnknownPayload, len(e.Pose))
		}
		return Message{Kind: kind, Entity: &e}, nil

	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownPayload, kind)
	}
}

func malformed(kind Kind, err error) error {
	return fmt.Errorf("%w: %s body: %v", ErrUnknownPayload, kind, err)
}
