package protocol

import (
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/world"
)

// Login is the first packet a client sends.
type Login struct {
	Version uint16    `msgpack:"version"`
	UserID  uuid.UUID `msgpack:"user_id"`
	Name    string    `msgpack:"name"`
	Locale  string    `msgpack:"locale,omitempty"`
}

func (*Login) Type() Type { return TypeLogin }

// LoginAccepted completes the handshake.
type LoginAccepted struct {
	EntityID int             `msgpack:"entity_id"`
	Codec    string          `msgpack:"codec"`
	Bitrate  int             `msgpack:"bitrate,omitempty"`
	MinRange float64         `msgpack:"min_range"`
	MaxRange float64         `msgpack:"max_range"`
	Effects  []effect.Params `msgpack:"effects,omitempty"`
}

func (*LoginAccepted) Type() Type { return TypeLoginAccepted }

// LoginDenied rejects a login. The connection is closed afterwards.
type LoginDenied struct {
	Reason     string `msgpack:"reason"`
	RetryLater bool   `msgpack:"retry_later,omitempty"`
}

func (*LoginDenied) Type() Type { return TypeLoginDenied }

// EntityCreated tells an observer that an entity became visible, carrying
// its full state.
type EntityCreated struct {
	State EntityState `msgpack:"state"`
}

func (*EntityCreated) Type() Type { return TypeEntityCreated }

// EntityHidden tells an observer that an entity is no longer audible. The
// entity still exists.
type EntityHidden struct {
	ID int `msgpack:"id"`
}

func (*EntityHidden) Type() Type { return TypeEntityHidden }

// EntityDestroyed tells an observer that an entity no longer exists.
type EntityDestroyed struct {
	ID int `msgpack:"id"`
}

func (*EntityDestroyed) Type() Type { return TypeEntityDestroyed }

// ServerFlags reports the server-side mute and deafen state of the
// receiving session.
type ServerFlags struct {
	Muted    bool `msgpack:"muted"`
	Deafened bool `msgpack:"deafened"`
}

func (*ServerFlags) Type() Type { return TypeServerFlags }

// SetEffect adds or replaces an effect.
type SetEffect struct {
	Params effect.Params `msgpack:"params"`
}

func (*SetEffect) Type() Type { return TypeSetEffect }

// ClearEffect removes the effect registered under Bitmask.
type ClearEffect struct {
	Bitmask world.Bitmask `msgpack:"bitmask"`
}

func (*ClearEffect) Type() Type { return TypeClearEffect }

// WorldRanges replaces the world default ranges announced at login. Clients
// attenuate with the new values from the next mixed frame on.
type WorldRanges struct {
	MinRange float64 `msgpack:"min_range"`
	MaxRange float64 `msgpack:"max_range"`
}

func (*WorldRanges) Type() Type { return TypeWorldRanges }

// Audio carries one encoded frame. Source is ignored on packets sent by a
// client; the server fills in the sender's entity.
type Audio struct {
	Source    int
	Timestamp uint32
	Loudness  float32
	Payload   []byte
}

func (*Audio) Type() Type { return TypeAudio }

// Property is one entry of a property bag on the wire. An absent value in an
// [EntityUpdate] removes the key.
type Property struct {
	Key   world.PropertyKey
	Value world.Value
}

var _ msgpack.CustomEncoder = Property{}
var _ msgpack.CustomDecoder = (*Property)(nil)

// EncodeMsgpack writes the property as [key, kind, value].
func (p Property) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeUint16(uint16(p.Key)); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(p.Value.Kind())); err != nil {
		return err
	}
	switch p.Value.Kind() {
	case world.KindByte:
		v, _ := p.Value.Byte()
		return enc.EncodeUint8(v)
	case world.KindInt:
		v, _ := p.Value.Int()
		return enc.EncodeInt32(v)
	case world.KindUint:
		v, _ := p.Value.Uint()
		return enc.EncodeUint32(v)
	case world.KindFloat:
		v, _ := p.Value.Float()
		return enc.EncodeFloat32(v)
	default:
		return enc.EncodeNil()
	}
}

// DecodeMsgpack reads a property written by [Property.EncodeMsgpack].
func (p *Property) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("property: want 3 elements, got %d", n)
	}
	key, err := dec.DecodeUint16()
	if err != nil {
		return err
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	p.Key = world.PropertyKey(key)
	switch world.Kind(kind) {
	case world.KindByte:
		v, err := dec.DecodeUint8()
		p.Value = world.ByteValue(v)
		return err
	case world.KindInt:
		v, err := dec.DecodeInt32()
		p.Value = world.IntValue(v)
		return err
	case world.KindUint:
		v, err := dec.DecodeUint32()
		p.Value = world.UintValue(v)
		return err
	case world.KindFloat:
		v, err := dec.DecodeFloat32()
		p.Value = world.FloatValue(v)
		return err
	case world.KindAbsent:
		p.Value = world.Absent
		return dec.DecodeNil()
	default:
		return fmt.Errorf("property %d: unknown kind %d", key, kind)
	}
}

// EntityState is the full wire state of an entity.
type EntityState struct {
	ID           int           `msgpack:"id"`
	Name         string        `msgpack:"name"`
	WorldID      string        `msgpack:"world_id"`
	Position     mgl64.Vec3    `msgpack:"position"`
	Rotation     mgl64.Vec2    `msgpack:"rotation"`
	Talk         world.Bitmask `msgpack:"talk"`
	Listen       world.Bitmask `msgpack:"listen"`
	MinRange     float64       `msgpack:"min_range"`
	MaxRange     float64       `msgpack:"max_range"`
	CaveFactor   float64       `msgpack:"cave"`
	MuffleFactor float64       `msgpack:"muffle"`
	Muted        bool          `msgpack:"muted"`
	Deafened     bool          `msgpack:"deafened"`
	Properties   []Property    `msgpack:"properties,omitempty"`
}

// StateOf converts a snapshot into its wire form. Properties are ordered by
// key.
func StateOf(s world.Snapshot) EntityState {
	st := EntityState{
		ID:           s.ID,
		Name:         s.Name,
		WorldID:      s.WorldID,
		Position:     s.Position,
		Rotation:     s.Rotation,
		Talk:         s.Talk,
		Listen:       s.Listen,
		MinRange:     s.MinRange,
		MaxRange:     s.MaxRange,
		CaveFactor:   s.CaveFactor,
		MuffleFactor: s.MuffleFactor,
		Muted:        s.Muted,
		Deafened:     s.Deafened,
	}
	for k, v := range s.Properties {
		st.Properties = append(st.Properties, Property{Key: k, Value: v})
	}
	slices.SortFunc(st.Properties, func(a, b Property) int { return int(a.Key) - int(b.Key) })
	return st
}

// Snapshot converts the wire state back into a world snapshot.
func (s EntityState) Snapshot() world.Snapshot {
	snap := world.Snapshot{
		ID:   s.ID,
		Name: s.Name,
		Attributes: world.Attributes{
			WorldID:      s.WorldID,
			Position:     s.Position,
			Rotation:     s.Rotation,
			Talk:         s.Talk,
			Listen:       s.Listen,
			MinRange:     s.MinRange,
			MaxRange:     s.MaxRange,
			CaveFactor:   s.CaveFactor,
			MuffleFactor: s.MuffleFactor,
			Muted:        s.Muted,
			Deafened:     s.Deafened,
		},
		Properties: make(map[world.PropertyKey]world.Value, len(s.Properties)),
	}
	for _, p := range s.Properties {
		if !p.Value.IsAbsent() {
			snap.Properties[p.Key] = p.Value
		}
	}
	return snap
}

// EntityUpdate carries the changed fields of an entity. Fields selects which
// members are meaningful. The server sends it to observers after a tick; a
// client sends it for its own entity (ID is then ignored).
type EntityUpdate struct {
	ID       int         `msgpack:"id"`
	Fields   world.Dirty `msgpack:"fields"`
	Speaking bool        `msgpack:"speaking,omitempty"`
	Loudness float64     `msgpack:"loudness,omitempty"`
	State    EntityState `msgpack:"state"`
}

func (*EntityUpdate) Type() Type { return TypeEntityUpdate }

// UpdateOf builds the update for the dirty fields of e. Only the property
// keys listed are included; keys no longer set are sent as absent.
func UpdateOf(e *world.Entity, fields world.Dirty, keys []world.PropertyKey) *EntityUpdate {
	snap := e.Snapshot()
	u := &EntityUpdate{ID: e.ID(), Fields: fields}
	u.State = StateOf(snap)
	u.State.Properties = nil
	for _, k := range keys {
		u.State.Properties = append(u.State.Properties, Property{Key: k, Value: e.Property(k)})
	}
	if fields&world.DirtySpeaking != 0 {
		u.Speaking, u.Loudness = e.Speaking()
	}
	return u
}

// ClientFields are the attribute groups a trusted client may change on its
// own entity. Speaking state is always derived by the server.
const ClientFields = world.DirtyAll &^ world.DirtySpeaking

// SelfFields are the attribute groups a player controls directly. Servers
// that let a game backend own routing accept only these from clients.
const SelfFields = world.DirtyName | world.DirtyPosition | world.DirtyRotation |
	world.DirtyMuted | world.DirtyDeafened | world.DirtyProperties

// Apply writes the fields of u selected by mask into e.
func (u *EntityUpdate) Apply(e *world.Entity, mask world.Dirty) {
	f := u.Fields & mask
	s := u.State
	if f&world.DirtyName != 0 {
		e.SetName(s.Name)
	}
	if f&world.DirtyPosition != 0 {
		e.SetPosition(s.Position)
	}
	if f&world.DirtyRotation != 0 {
		e.SetRotation(s.Rotation)
	}
	if f&world.DirtyWorldID != 0 {
		e.SetWorldID(s.WorldID)
	}
	if f&world.DirtyTalk != 0 {
		e.SetTalkBitmask(s.Talk)
	}
	if f&world.DirtyListen != 0 {
		e.SetListenBitmask(s.Listen)
	}
	if f&world.DirtyRange != 0 {
		e.SetRange(s.MinRange, s.MaxRange)
	}
	if f&world.DirtyModifiers != 0 {
		e.SetModifiers(s.CaveFactor, s.MuffleFactor)
	}
	if f&world.DirtyMuted != 0 {
		e.SetMuted(s.Muted)
	}
	if f&world.DirtyDeafened != 0 {
		e.SetDeafened(s.Deafened)
	}
	if f&world.DirtyProperties != 0 {
		for _, p := range s.Properties {
			e.SetProperty(p.Key, p.Value)
		}
	}
	if f&world.DirtySpeaking != 0 {
		e.SetSpeaking(u.Speaking, u.Loudness)
	}
}
