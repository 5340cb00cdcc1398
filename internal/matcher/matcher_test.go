package matcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
)

var testPoints = []geo.Point{
	{Lat: 43.70, Lon: -72.50},
	{Lat: 43.70, Lon: -72.499},
	{Lat: 43.70, Lon: -72.498},
}

const okBody = `{
	"code": "Ok",
	"matchings": [{
		"geometry": {"coordinates": [[-72.50, 43.70], [-72.499, 43.70], [-72.498, 43.70]]},
		"confidence": 0.87
	}]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 2*time.Second, 16, zap.NewNop())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c, srv
}

func TestMatch_Success(t *testing.T) {
	var gotPath, gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(okBody))
	})

	res, err := c.Match(context.Background(), testPoints)
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/match/v1/driving/") {
		t.Errorf("path = %q, want /match/v1/driving/ prefix", gotPath)
	}
	if !strings.Contains(gotPath, "-72.5,43.7;-72.499,43.7;-72.498,43.7") {
		t.Errorf("path %q missing lon,lat;… coordinate list", gotPath)
	}
	if !strings.Contains(gotQuery, "overview=full") || !strings.Contains(gotQuery, "geometries=geojson") {
		t.Errorf("query = %q, want overview=full and geometries=geojson", gotQuery)
	}

	if len(res.Coordinates) != 3 {
		t.Fatalf("got %d coordinates, want 3", len(res.Coordinates))
	}
	// GeoJSON pairs are [lon, lat]; Result points must be flipped back.
	if res.Coordinates[0].Lat != 43.70 || res.Coordinates[0].Lon != -72.50 {
		t.Errorf("first coordinate = %+v, want lat 43.70 lon -72.50", res.Coordinates[0])
	}
	if res.Confidence != 0.87 {
		t.Errorf("confidence = %v, want 0.87", res.Confidence)
	}
}

func TestMatch_TooFewInputPoints(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be called")
	})
	_, err := c.Match(context.Background(), testPoints[:1])
	if err == nil {
		t.Fatal("expected error for a single input point")
	}
}

func TestMatch_CodeNotOk(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "NoSegment", "matchings": []}`))
	})
	_, err := c.Match(context.Background(), testPoints)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatch_EmptyMatchings(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "Ok", "matchings": []}`))
	})
	_, err := c.Match(context.Background(), testPoints)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatch_DegenerateGeometry(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "Ok", "matchings": [{"geometry": {"coordinates": [[-72.5, 43.7]]}, "confidence": 0.9}]}`))
	})
	_, err := c.Match(context.Background(), testPoints)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for single-vertex geometry, got %v", err)
	}
}

func TestMatch_ClientErrorIsNoMatch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad coordinates", http.StatusBadRequest)
	})
	_, err := c.Match(context.Background(), testPoints)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for 400, got %v", err)
	}
}

func TestMatch_ServerErrorIsRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Match(context.Background(), testPoints)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.Retryable {
		t.Error("5xx must be retryable")
	}
}

func TestMatch_ConnectionRefusedIsRetryable(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.Match(context.Background(), testPoints)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.Retryable {
		t.Error("connection error must be retryable")
	}
}

func TestMatch_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(okBody))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 50*time.Millisecond, 16, zap.NewNop())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	_, err = c.Match(context.Background(), testPoints)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.Retryable {
		t.Error("timeout must be retryable")
	}
}

func TestMatch_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(okBody))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 5*time.Second, 16, zap.NewNop())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = c.Match(ctx, testPoints)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMatch_SuccessIsCached(t *testing.T) {
	var calls int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(okBody))
	})

	for i := 0; i < 3; i++ {
		if _, err := c.Match(context.Background(), testPoints); err != nil {
			t.Fatalf("match %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (cached)", calls)
	}
}

func TestMatch_NoMatchIsNotCached(t *testing.T) {
	var calls int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"code": "NoMatch", "matchings": []}`))
	})

	for i := 0; i < 2; i++ {
		if _, err := c.Match(context.Background(), testPoints); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("match %d: expected ErrNoMatch, got %v", i, err)
		}
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2 (no-match not cached)", calls)
	}
}

func TestCoordinatePath(t *testing.T) {
	got := coordinatePath([]geo.Point{{Lat: 43.7, Lon: -72.5}, {Lat: 43.75, Lon: -72.45}})
	want := "-72.5,43.7;-72.45,43.75"
	if got != want {
		t.Errorf("coordinatePath = %q, want %q", got, want)
	}
}
