package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/MrWong99/vicinity/internal/client"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
)

func reconnector(t *testing.T, url string, retries int, onConnect func(*client.Client)) *client.Reconnector {
	t.Helper()
	return client.NewReconnector(client.ReconnectorConfig{
		URL:        url,
		Identity:   client.Identity{UserID: uuid.New(), Name: "r", Locale: "en"},
		Options:    []client.Option{client.WithMetrics(testMetrics(t)), client.WithSyncInterval(5 * time.Millisecond)},
		MaxRetries: retries,
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		OnConnect:  onConnect,
	})
}

func runReconnector(t *testing.T, r *client.Reconnector) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return errc
}

func TestReconnector_RedialsAfterKick(t *testing.T) {
	t.Parallel()
	w := world.New()
	srv, url := startServer(t, w, "pcm")

	var connects atomic.Int32
	r := reconnector(t, url, 3, func(c *client.Client) {
		connects.Add(1)
		c.Self().SetPosition(mgl64.Vec3{1, 2, 3})
	})
	errc := runReconnector(t, r)

	waitFor(t, "first connection", func() bool { return r.Client() != nil })
	first := r.Client().Self().ID()
	if err := srv.Kick(first); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	waitFor(t, "second connection", func() bool {
		c := r.Client()
		return c != nil && c.Self().ID() != first
	})
	if got := connects.Load(); got != 2 {
		t.Errorf("OnConnect calls = %d, want 2", got)
	}
	second := r.Client().Self().ID()
	waitFor(t, "position restored", func() bool {
		e, ok := w.Entity(second)
		return ok && e.Attributes().Position == mgl64.Vec3{1, 2, 3}
	})

	r.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v, want nil after Stop", err)
		}
	case <-time.After(timeout):
		t.Fatal("Run did not return after Stop")
	}
	if r.Client() != nil {
		t.Error("Client() != nil after Stop")
	}
}

func TestReconnector_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown codec is permanent", func(t *testing.T) {
		t.Parallel()
		_, url := startServer(t, world.New(), "speex")
		r := reconnector(t, url, 3, nil)
		select {
		case err := <-runReconnector(t, r):
			if !errors.Is(err, client.ErrUnknownCodec) {
				t.Errorf("Run() = %v, want ErrUnknownCodec", err)
			}
		case <-time.After(timeout):
			t.Fatal("Run did not return")
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()
		var dials atomic.Int32
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			dials.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		t.Cleanup(hs.Close)
		r := reconnector(t, "ws"+strings.TrimPrefix(hs.URL, "http"), 3, nil)
		select {
		case err := <-runReconnector(t, r):
			if !errors.Is(err, client.ErrGaveUp) {
				t.Errorf("Run() = %v, want ErrGaveUp", err)
			}
		case <-time.After(timeout):
			t.Fatal("Run did not return")
		}
		if got := dials.Load(); got != 3 {
			t.Errorf("dials = %d, want 3", got)
		}
	})

	t.Run("world full is retried", func(t *testing.T) {
		t.Parallel()
		w := world.New(world.WithCapacity(1))
		_, url := startServer(t, w, "pcm")
		occupant := dial(t, url, "occupant")

		r := reconnector(t, url, 1000, nil)
		errc := runReconnector(t, r)
		time.Sleep(2 * time.Millisecond)
		occupant.Close()
		waitFor(t, "connection after slot freed", func() bool { return r.Client() != nil })
		select {
		case err := <-errc:
			t.Fatalf("Run() returned early: %v", err)
		default:
		}
	})
}

func TestReconnector_SilentWhileDisconnected(t *testing.T) {
	t.Parallel()
	r := client.NewReconnector(client.ReconnectorConfig{URL: "ws://127.0.0.1:1/ws"})
	buf := []int16{1, 2, 3}
	n, err := r.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read() = %d, %v; want 3, nil", n, err)
	}
	for i, s := range buf {
		if s != 0 {
			t.Errorf("buf[%d] = %d, want 0", i, s)
		}
	}
	r.DataAvailable(make([]int16, audio.FrameSamples), audio.EngineFormat)
}
