// Package protocol defines the packets exchanged between a vicinity server
// and its clients. Every packet starts with a one-byte [Type]. State packets
// carry a msgpack body and travel on the reliable stream; [Audio] packets use
// a fixed little-endian header followed by the encoded frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// Version is the protocol revision exchanged during login.
const Version uint16 = 2

// MaxPacketSize bounds any packet accepted by [Decode].
const MaxPacketSize = 64 << 10

var (
	// ErrMalformed is returned for packets that cannot be parsed.
	ErrMalformed = errors.New("protocol: malformed packet")
	// ErrUnknownType is returned for an unrecognised type tag.
	ErrUnknownType = errors.New("protocol: unknown packet type")
	// ErrPayloadTooLarge is returned for packets or audio frames above the
	// size limits.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Type is the packet tag.
type Type uint8

const (
	TypeLogin Type = iota + 1
	TypeLoginAccepted
	TypeLoginDenied
	TypeEntityCreated
	TypeEntityUpdate
	TypeEntityHidden
	TypeEntityDestroyed
	TypeServerFlags
	TypeAudio
	TypeSetEffect
	TypeClearEffect
	TypeWorldRanges
)

var typeNames = map[Type]string{
	TypeLogin:           "login",
	TypeLoginAccepted:   "login_accepted",
	TypeLoginDenied:     "login_denied",
	TypeEntityCreated:   "entity_created",
	TypeEntityUpdate:    "entity_update",
	TypeEntityHidden:    "entity_hidden",
	TypeEntityDestroyed: "entity_destroyed",
	TypeServerFlags:     "server_flags",
	TypeAudio:           "audio",
	TypeSetEffect:       "set_effect",
	TypeClearEffect:     "clear_effect",
	TypeWorldRanges:     "world_ranges",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Message is implemented by every packet body.
type Message interface {
	Type() Type
}

// audioHeaderSize is tag + source + timestamp + loudness.
const audioHeaderSize = 1 + 4 + 4 + 4

// Encode serialises m including its type tag.
func Encode(m Message) ([]byte, error) {
	if a, ok := m.(*Audio); ok {
		return encodeAudio(a)
	}
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	if len(body)+1 > MaxPacketSize {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), ErrPayloadTooLarge)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(m.Type()))
	return append(out, body...), nil
}

func encodeAudio(a *Audio) ([]byte, error) {
	if len(a.Payload) > audio.MaxEncodedSize {
		return nil, fmt.Errorf("protocol: encode audio (%d bytes): %w", len(a.Payload), ErrPayloadTooLarge)
	}
	out := make([]byte, audioHeaderSize, audioHeaderSize+len(a.Payload))
	out[0] = byte(TypeAudio)
	binary.LittleEndian.PutUint32(out[1:], uint32(int32(a.Source)))
	binary.LittleEndian.PutUint32(out[5:], a.Timestamp)
	binary.LittleEndian.PutUint32(out[9:], math.Float32bits(a.Loudness))
	return append(out, a.Payload...), nil
}

// Decode parses one packet. Audio payloads alias b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(b) > MaxPacketSize {
		return nil, fmt.Errorf("protocol: decode (%d bytes): %w", len(b), ErrPayloadTooLarge)
	}
	t := Type(b[0])
	if t == TypeAudio {
		return decodeAudio(b)
	}
	m := newMessage(t)
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	if err := msgpack.Unmarshal(b[1:], m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return m, nil
}

func decodeAudio(b []byte) (*Audio, error) {
	if len(b) < audioHeaderSize {
		return nil, fmt.Errorf("%w: audio header (%d bytes)", ErrMalformed, len(b))
	}
	payload := b[audioHeaderSize:]
	if len(payload) > audio.MaxEncodedSize {
		return nil, fmt.Errorf("protocol: decode audio (%d bytes): %w", len(payload), ErrPayloadTooLarge)
	}
	loud := math.Float32frombits(binary.LittleEndian.Uint32(b[9:]))
	if math.IsNaN(float64(loud)) || loud < 0 {
		loud = 0
	}
	return &Audio{
		Source:    int(int32(binary.LittleEndian.Uint32(b[1:]))),
		Timestamp: binary.LittleEndian.Uint32(b[5:]),
		Loudness:  loud,
		Payload:   payload,
	}, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeLogin:
		return &Login{}
	case TypeLoginAccepted:
		return &LoginAccepted{}
	case TypeLoginDenied:
		return &LoginDenied{}
	case TypeEntityCreated:
		return &EntityCreated{}
	case TypeEntityUpdate:
		return &EntityUpdate{}
	case TypeEntityHidden:
		return &EntityHidden{}
	case TypeEntityDestroyed:
		return &EntityDestroyed{}
	case TypeServerFlags:
		return &ServerFlags{}
	case TypeSetEffect:
		return &SetEffect{}
	case TypeClearEffect:
		return &ClearEffect{}
	case TypeWorldRanges:
		return &WorldRanges{}
	}
	return nil
}
