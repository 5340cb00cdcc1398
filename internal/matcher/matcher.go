// Package matcher calls the external map-matching service and reduces its
// responses to three outcomes: a matched route, no match, or a transport
// error that may be retried.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/metrics"
)

// ErrNoMatch means the matcher accepted the request but declined to produce
// a route, or produced a degenerate one. Counts toward the retry limit but
// will not succeed on retry with the same points.
var ErrNoMatch = errors.New("matcher: no match")

// TransportError wraps network, timeout, and upstream 5xx failures.
type TransportError struct {
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("matcher transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Result is a snapped route along the road network. The first and last
// vertices may differ from the input points.
type Result struct {
	Coordinates []geo.Point
	Confidence  float64
}

const maxResponseBytes = 8 << 20

type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache[string, *Result]
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, cacheSize int, logger *zap.Logger) (*Client, error) {
	cache, err := lru.New[string, *Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating matcher cache: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cache:   cache,
		logger:  logger,
	}, nil
}

type matchResponse struct {
	Code      string `json:"code"`
	Matchings []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Confidence float64 `json:"confidence"`
	} `json:"matchings"`
}

// Match snaps an ordered list of at least two points to the road network.
// Successful results are cached by coordinate sequence; NoMatch is not, so a
// later retry with the same points still asks the service.
func (c *Client) Match(ctx context.Context, points []geo.Point) (*Result, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("matcher: need at least 2 points, got %d", len(points))
	}

	key := coordinatePath(points)
	if res, ok := c.cache.Get(key); ok {
		metrics.MatcherRequestsTotal.WithLabelValues("cache_hit").Inc()
		return res, nil
	}

	url := fmt.Sprintf("%s/match/v1/driving/%s?overview=full&geometries=geojson", c.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building match request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.MatcherDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.MatcherRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, &TransportError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.MatcherRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, &TransportError{Retryable: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		// The service rejected these points; retrying the same request
		// cannot succeed.
		c.logger.Debug("matcher rejected request",
			zap.Int("status", resp.StatusCode), zap.Int("points", len(points)))
		metrics.MatcherRequestsTotal.WithLabelValues("no_match").Inc()
		return nil, ErrNoMatch
	}

	var body matchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		metrics.MatcherRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, &TransportError{Retryable: true, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if body.Code != "Ok" || len(body.Matchings) == 0 {
		metrics.MatcherRequestsTotal.WithLabelValues("no_match").Inc()
		return nil, ErrNoMatch
	}

	raw := body.Matchings[0].Geometry.Coordinates
	coords := make([]geo.Point, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		coords = append(coords, geo.Point{Lon: pair[0], Lat: pair[1]})
	}
	if len(coords) < 2 {
		metrics.MatcherRequestsTotal.WithLabelValues("no_match").Inc()
		return nil, ErrNoMatch
	}

	res := &Result{Coordinates: coords, Confidence: body.Matchings[0].Confidence}
	c.cache.Add(key, res)
	metrics.MatcherRequestsTotal.WithLabelValues("matched").Inc()
	return res, nil
}

// coordinatePath renders points as the lon,lat;lon,lat path segment the
// matching service expects.
func coordinatePath(points []geo.Point) string {
	var b strings.Builder
	for i, p := range points {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatFloat(p.Lon, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Lat, 'f', -1, 64))
	}
	return b.String()
}
