package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
)

func roundTrip(t *testing.T, m protocol.Message) protocol.Message {
	t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("Encode(%s): %v", m.Type(), err)
	}
	if protocol.Type(b[0]) != m.Type() {
		t.Fatalf("tag = %d, want %d", b[0], m.Type())
	}
	got, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("Decode(%s): %v", m.Type(), err)
	}
	return got
}

func TestLogin_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &protocol.Login{Version: protocol.Version, UserID: uuid.New(), Name: "alice", Locale: "de-DE"}
	if diff := cmp.Diff(in, roundTrip(t, in)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEntityCreated_CarriesFullSnapshot(t *testing.T) {
	t.Parallel()
	w := world.New()
	e, _ := w.CreateEntity("bob")
	e.SetPosition(mgl64.Vec3{1, 2, 3})
	e.SetRotation(mgl64.Vec2{90, -10})
	e.SetWorldID("overworld")
	e.SetTalkBitmask(0b101)
	e.SetListenBitmask(0b011)
	e.SetRange(2, 40)
	e.SetModifiers(0.25, 0.75)
	e.SetMuted(true)
	e.SetProperty(1, world.ByteValue(7))
	e.SetProperty(2, world.IntValue(-42))
	e.SetProperty(3, world.UintValue(1<<31))
	e.SetProperty(4, world.FloatValue(0.5))

	snap := e.Snapshot()
	got := roundTrip(t, &protocol.EntityCreated{State: protocol.StateOf(snap)})
	created, ok := got.(*protocol.EntityCreated)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if diff := cmp.Diff(snap, created.State.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestEntityUpdate_AppliesSelectedFields(t *testing.T) {
	t.Parallel()
	w := world.New()
	src, _ := w.CreateEntity("src")
	src.TakeDirty()
	src.SetPosition(mgl64.Vec3{4, 5, 6})
	src.SetProperty(9, world.IntValue(3))
	src.SetProperty(9, world.Absent)
	src.SetProperty(10, world.FloatValue(1.5))
	src.SetMuted(true)
	src.ReportSpoke(src.LastSpoke(), 0.4)
	dirty, keys := src.TakeDirty()

	u := roundTrip(t, protocol.UpdateOf(src, dirty, keys)).(*protocol.EntityUpdate)

	mirror, _ := w.CreateEntity("mirror")
	mirror.SetProperty(9, world.UintValue(1))
	u.Apply(mirror, protocol.ClientFields)

	got := mirror.Attributes()
	if got.Position != (mgl64.Vec3{4, 5, 6}) || !got.Muted {
		t.Errorf("attributes = %+v, want position and mute applied", got)
	}
	if v := mirror.Property(9); !v.IsAbsent() {
		t.Errorf("property 9 = %v, want removed", v)
	}
	if v, ok := mirror.Property(10).Float(); !ok || v != 1.5 {
		t.Errorf("property 10 = %v, want 1.5", mirror.Property(10))
	}
	if speaking, _ := mirror.Speaking(); speaking {
		t.Error("ClientFields must not apply the speaking flag")
	}
	if mirror.Name() != "mirror" {
		t.Errorf("name = %q, untouched field was overwritten", mirror.Name())
	}

	u.Apply(mirror, world.DirtyAll)
	if speaking, loud := mirror.Speaking(); !speaking || loud != 0.4 {
		t.Errorf("Speaking = %v, %v; want true, 0.4", speaking, loud)
	}
}

func TestEffectPackets_RoundTrip(t *testing.T) {
	t.Parallel()
	set := &protocol.SetEffect{Params: effect.Params{Kind: effect.KindReverb, Bitmask: 0b100, RoomSize: 0.7, Wet: 0.3, Scaled: true}}
	if diff := cmp.Diff(set, roundTrip(t, set)); diff != "" {
		t.Errorf("SetEffect mismatch (-want +got):\n%s", diff)
	}
	clr := &protocol.ClearEffect{Bitmask: 0b100}
	if diff := cmp.Diff(clr, roundTrip(t, clr)); diff != "" {
		t.Errorf("ClearEffect mismatch (-want +got):\n%s", diff)
	}
}

func TestWorldRanges_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &protocol.WorldRanges{MinRange: 2, MaxRange: 100}
	if diff := cmp.Diff(in, roundTrip(t, in)); diff != "" {
		t.Errorf("WorldRanges mismatch (-want +got):\n%s", diff)
	}
	if got := protocol.TypeWorldRanges.String(); got != "world_ranges" {
		t.Errorf("String() = %q, want world_ranges", got)
	}
}

func TestAudio_BinaryLayout(t *testing.T) {
	t.Parallel()
	in := &protocol.Audio{Source: 7, Timestamp: 0x01020304, Loudness: 0.5, Payload: []byte{0xAA, 0xBB}}
	b, err := protocol.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{
		byte(protocol.TypeAudio),
		7, 0, 0, 0,
		4, 3, 2, 1,
		0, 0, 0, 0x3f,
		0xAA, 0xBB,
	}
	if !bytes.Equal(b, want) {
		t.Errorf("Encode = % x, want % x", b, want)
	}
	got, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, protocol.ErrMalformed},
		{"unknown type", []byte{0xEE}, protocol.ErrUnknownType},
		{"truncated audio", []byte{byte(protocol.TypeAudio), 1, 2}, protocol.ErrMalformed},
		{"garbage body", []byte{byte(protocol.TypeLogin), 0xc1}, protocol.ErrMalformed},
		{"bad property kind", append([]byte{byte(protocol.TypeEntityCreated)}, 0x81, 0xa5, 's', 't', 'a', 't', 'e', 0x81, 0xaa,
			'p', 'r', 'o', 'p', 'e', 'r', 't', 'i', 'e', 's', 0x91, 0x93, 0x01, 0x09, 0x00), protocol.ErrMalformed},
		{"oversize audio", append([]byte{byte(protocol.TypeAudio)}, make([]byte, 12+audio.MaxEncodedSize+1)...), protocol.ErrPayloadTooLarge},
		{"oversize packet", make([]byte, protocol.MaxPacketSize+1), protocol.ErrPayloadTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := protocol.Decode(tc.in); !errors.Is(err, tc.want) {
				t.Errorf("Decode err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncode_RejectsOversizeAudio(t *testing.T) {
	t.Parallel()
	_, err := protocol.Encode(&protocol.Audio{Payload: make([]byte, audio.MaxEncodedSize+1)})
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}
