package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/vicinity/internal/client"
	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/server"
	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
)

const timeout = 3 * time.Second

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startServer(t *testing.T, w *world.World, codec string) (*server.Server, string) {
	t.Helper()
	srv := server.New(w, server.Config{Codec: codec, TickWorkers: 2},
		server.WithMetrics(testMetrics(t)),
		server.WithRanges(visibility.Ranges{Max: 10}))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Close() })
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url, name string, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts = append([]client.Option{client.WithMetrics(testMetrics(t)), client.WithSyncInterval(5 * time.Millisecond)}, opts...)
	c, err := client.Dial(ctx, url, client.Identity{UserID: uuid.New(), Name: name, Locale: "en"}, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// hearing sets up speaker a at the origin and listener b at (5,0,0) and
// ticks the server until b runs a pipeline for a.
func hearing(t *testing.T, srv *server.Server, w *world.World, url string) (a, b *client.Client) {
	t.Helper()
	a = dial(t, url, "a")
	b = dial(t, url, "b")
	a.Self().SetTalkBitmask(0b01)
	b.Self().SetListenBitmask(0b01)
	b.Self().SetPosition(mgl64.Vec3{5, 0, 0})

	waitFor(t, "server applied updates", func() bool {
		ea, okA := w.Entity(a.Self().ID())
		eb, okB := w.Entity(b.Self().ID())
		return okA && okB && ea.Attributes().Talk == 0b01 && eb.Attributes().Position == (mgl64.Vec3{5, 0, 0})
	})
	srv.Tick(context.Background())
	waitFor(t, "pipeline for a", func() bool { return b.Pipelines() == 1 })
	return a, b
}

func TestClient_EndToEndAudio(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	a, b := hearing(t, srv, w, url)
	if diff := cmp.Diff([]int{a.Self().ID()}, b.Speakers()); diff != "" {
		t.Errorf("Speakers mismatch (-want +got):\n%s", diff)
	}

	mirror, ok := b.World().Entity(a.Self().ID())
	if !ok {
		t.Fatal("speaker not mirrored")
	}
	if got := mirror.Attributes().Talk; got != 0b01 {
		t.Errorf("mirrored talk = %v, want 0b01", got)
	}

	for range 10 {
		pcm := make([]int16, audio.FrameSamples)
		for i := range pcm {
			pcm[i] = 8000
		}
		a.DataAvailable(pcm, audio.EngineFormat)
	}

	buf := make([]int16, audio.FrameSamples)
	waitFor(t, "mixed audio", func() bool {
		b.Mixer().Read(buf)
		return buf[0] != 0
	})
	// Distance 5 of a 10 unit range halves the volume.
	if buf[0] != 4000 {
		t.Errorf("mixed sample = %d, want 4000", buf[0])
	}
	waitFor(t, "speaking indicator", func() bool {
		speaking, _ := mirror.Speaking()
		return speaking
	})
}

func TestClient_CaptureResamplesStereo(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	a, b := hearing(t, srv, w, url)
	b.Self().SetPosition(mgl64.Vec3{})
	b.Sync()
	waitFor(t, "listener moved", func() bool {
		e, _ := w.Entity(b.Self().ID())
		return e.Attributes().Position == mgl64.Vec3{}
	})

	// 24 kHz stereo: 480 frames per 20 ms, 960 samples per block.
	format := audio.Format{SampleRate: 24000, Channels: 2}
	for range 10 {
		pcm := make([]int16, 960)
		for i := range pcm {
			pcm[i] = 1000
		}
		a.DataAvailable(pcm, format)
	}
	buf := make([]int16, audio.FrameSamples)
	waitFor(t, "mixed audio", func() bool {
		b.Mixer().Read(buf)
		return buf[0] != 0
	})
	if buf[0] != 1000 {
		t.Errorf("mixed sample = %d, want 1000", buf[0])
	}
}

func TestClient_RangesFollowServer(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	a, b := hearing(t, srv, w, url)
	if got := b.Ranges(); got.Max != 10 {
		t.Fatalf("initial Ranges().Max = %v, want 10", got.Max)
	}

	srv.SetRanges(visibility.Ranges{Max: 100})
	waitFor(t, "ranges announced", func() bool { return b.Ranges().Max == 100 })

	b.Self().SetPosition(mgl64.Vec3{50, 0, 0})
	b.Sync()
	waitFor(t, "listener moved", func() bool {
		e, _ := w.Entity(b.Self().ID())
		return e.Attributes().Position == mgl64.Vec3{50, 0, 0}
	})
	srv.Tick(context.Background())

	for range 10 {
		pcm := make([]int16, audio.FrameSamples)
		for i := range pcm {
			pcm[i] = 8000
		}
		a.DataAvailable(pcm, audio.EngineFormat)
	}
	buf := make([]int16, audio.FrameSamples)
	waitFor(t, "mixed audio", func() bool {
		b.Mixer().Read(buf)
		return buf[0] != 0
	})
	// Distance 50 of the reloaded 100 unit range halves the volume.
	if buf[0] != 4000 {
		t.Errorf("mixed sample = %d, want 4000", buf[0])
	}
}

func TestClient_UsesAnnouncedBitrate(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv := server.New(w, server.Config{Codec: "pcm", Bitrate: 24000, TickWorkers: 2},
		server.WithMetrics(testMetrics(t)))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Close() })

	var gotName string
	var gotBitrate int
	dial(t, "ws"+strings.TrimPrefix(hs.URL, "http"), "a",
		client.WithCodecResolver(func(name string, bitrate int) (codec.Codec, error) {
			gotName, gotBitrate = name, bitrate
			return client.BuiltinCodecs(name, bitrate)
		}))
	if gotName != "pcm" || gotBitrate != 24000 {
		t.Errorf("resolver got (%q, %d), want (pcm, 24000)", gotName, gotBitrate)
	}
}

func TestClient_HiddenClosesPipeline(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	a, b := hearing(t, srv, w, url)

	a.Self().SetPosition(mgl64.Vec3{50, 0, 0})
	waitFor(t, "server moved a", func() bool {
		e, _ := w.Entity(a.Self().ID())
		return e.Attributes().Position == mgl64.Vec3{50, 0, 0}
	})
	srv.Tick(context.Background())
	waitFor(t, "pipeline closed", func() bool { return b.Pipelines() == 0 })
	if got := b.Speakers(); len(got) != 0 {
		t.Errorf("Speakers = %v, want none", got)
	}

	if _, ok := b.World().Entity(a.Self().ID()); !ok {
		t.Error("hidden entity was dropped from the mirror")
	}
	if b.Self().CanSee(a.Self().ID()) {
		t.Error("hidden entity still visible")
	}
}

func TestClient_DestroyedSpeakerRemoved(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	a, b := hearing(t, srv, w, url)

	id := a.Self().ID()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "mirror destroyed", func() bool {
		_, ok := b.World().Entity(id)
		return !ok
	})
	waitFor(t, "pipeline closed", func() bool { return b.Pipelines() == 0 })
	if got := b.Speakers(); len(got) != 0 {
		t.Errorf("Speakers = %v, want none", got)
	}
}

func TestClient_MirrorsEffectsAndFlags(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	reverb := effect.Params{Kind: effect.KindReverb, Bitmask: 0b1, RoomSize: 0.5, Wet: 0.4}
	if err := srv.SetEffect(reverb); err != nil {
		t.Fatalf("SetEffect: %v", err)
	}

	c := dial(t, url, "c")
	if got := c.Effects().Len(); got != 1 {
		t.Fatalf("effects after login = %d, want 1", got)
	}
	if err := srv.SetEffect(effect.Params{Kind: effect.KindEcho, Bitmask: 0b10, DelayMs: 50}); err != nil {
		t.Fatalf("SetEffect: %v", err)
	}
	waitFor(t, "effect added", func() bool { return c.Effects().Len() == 2 })
	srv.RemoveEffect(0b1)
	waitFor(t, "effect removed", func() bool { return c.Effects().Len() == 1 })

	if err := srv.SetServerMuted(c.Self().ID(), true); err != nil {
		t.Fatalf("SetServerMuted: %v", err)
	}
	waitFor(t, "server mute", c.ServerMuted)
}

func TestClient_KickEndsClient(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")
	c := dial(t, url, "c")

	if err := srv.Kick(c.Self().ID()); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatal("client did not stop")
	}
	if c.Err() == nil {
		t.Error("Err() = nil after the server dropped the connection")
	}
}

func TestDial_Errors(t *testing.T) {
	t.Parallel()

	t.Run("world full", func(t *testing.T) {
		t.Parallel()
		w := world.New(world.WithCapacity(1))
		_, url := startServer(t, w, "pcm")
		dial(t, url, "first")
		_, err := client.Dial(context.Background(), url, client.Identity{UserID: uuid.New(), Name: "second"},
			client.WithMetrics(testMetrics(t)))
		if !errors.Is(err, client.ErrLoginDenied) || !errors.Is(err, client.ErrTryAgainLater) {
			t.Errorf("err = %v, want ErrLoginDenied and ErrTryAgainLater", err)
		}
	})

	t.Run("unknown codec", func(t *testing.T) {
		t.Parallel()
		_, url := startServer(t, world.New(), "speex")
		_, err := client.Dial(context.Background(), url, client.Identity{UserID: uuid.New(), Name: "x"},
			client.WithMetrics(testMetrics(t)))
		if !errors.Is(err, client.ErrUnknownCodec) {
			t.Errorf("err = %v, want ErrUnknownCodec", err)
		}
	})
}
