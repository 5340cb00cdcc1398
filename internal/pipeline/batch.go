// Package pipeline turns unprocessed GPS points into matched polylines and
// segment activations: batch formation, matching, writing, activation, and
// the worker loop driving it all per device.
package pipeline

import (
	"time"

	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/store"
)

type BatchConfig struct {
	SizeMax      int
	Window       time.Duration
	MinMovementM float64
	ConnectGap   time.Duration
}

// Batch is a run of points to be matched as one route. The first point may be
// a carryover (the previous batch's tail, or the device's last processed
// point) prepended for seamless stitching; carryovers are not NEW and are
// never marked processed again.
type Batch struct {
	Points []store.RawGpsPoint
	NewIDs []int64
}

func (b Batch) StartTime() time.Time { return b.Points[0].RecordedAt }
func (b Batch) EndTime() time.Time   { return b.Points[len(b.Points)-1].RecordedAt }
func (b Batch) NewCount() int        { return len(b.NewIDs) }

func (b Batch) GeoPoints() []geo.Point {
	pts := make([]geo.Point, len(b.Points))
	for i, p := range b.Points {
		pts[i] = p.Geo()
	}
	return pts
}

func makeBatch(points []store.RawGpsPoint, headCarried bool) Batch {
	b := Batch{Points: points}
	newPoints := points
	if headCarried {
		newPoints = points[1:]
	}
	for _, p := range newPoints {
		b.NewIDs = append(b.NewIDs, p.ID)
	}
	return b
}

// BuildBatches walks points in recorded order and groups them into batches. A
// point joins the current batch while the gap to the previous point is within
// the window and the batch has room; otherwise the batch closes and its last
// point is carried into the next one. The anchor, when continuous with the
// first point, is prepended the same way. A trailing single-point batch and a
// leading anchor-only batch are dropped.
func BuildBatches(anchor *store.RawGpsPoint, points []store.RawGpsPoint, cfg BatchConfig) []Batch {
	if len(points) == 0 {
		return nil
	}

	working := points
	headCarried := false
	if anchor != nil {
		gap := points[0].RecordedAt.Sub(anchor.RecordedAt)
		// An anchor newer than the first unprocessed point means an earlier
		// batch failed after a later one succeeded; drop it rather than
		// produce an interval that runs backwards.
		if gap >= 0 && gap <= cfg.ConnectGap {
			working = make([]store.RawGpsPoint, 0, len(points)+1)
			working = append(working, *anchor)
			working = append(working, points...)
			headCarried = true
		}
	}

	var batches []Batch
	cur := []store.RawGpsPoint{working[0]}
	curHeadCarried := headCarried
	for _, p := range working[1:] {
		last := cur[len(cur)-1]
		if p.RecordedAt.Sub(last.RecordedAt) <= cfg.Window && len(cur) < cfg.SizeMax {
			cur = append(cur, p)
			continue
		}
		batches = append(batches, makeBatch(cur, curHeadCarried))
		cur = []store.RawGpsPoint{last, p}
		curHeadCarried = true
	}
	batches = append(batches, makeBatch(cur, curHeadCarried))

	// A single-point trailing batch means the input was a single point.
	if n := len(batches); len(batches[n-1].Points) < 2 {
		batches = batches[:n-1]
	}
	// An anchor further than the window from the first new point closes as an
	// anchor-only batch; its point already heads the next batch via carryover.
	if len(batches) > 0 && len(batches[0].NewIDs) == 0 {
		batches = batches[1:]
	}
	return batches
}

// HasSignificantMovement reports whether the straight-line distance from the
// first to the last point reaches the threshold. Parked vehicles fail this
// and skip matching entirely.
func HasSignificantMovement(points []store.RawGpsPoint, minMeters float64) bool {
	if len(points) < 2 {
		return false
	}
	first := points[0].Geo()
	last := points[len(points)-1].Geo()
	return geo.DistanceMeters(first, last) >= minMeters
}
