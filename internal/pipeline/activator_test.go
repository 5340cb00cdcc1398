package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
)

const testWKT = "LINESTRING(-72.5 43.7,-72.497 43.7)"

func TestActivate_ForwardPass(t *testing.T) {
	fs := newFakeStore()
	seg := fs.seedSegment(1, 90, 72.5)
	act := NewSegmentActivator(fs, zap.NewNop())

	end := batchT0.Add(90 * time.Second)
	sum, err := act.Activate(context.Background(), 10, "D1", testWKT, 92, end)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if sum.SegmentsTouched != 1 || sum.Advanced != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if seg.lastForward == nil || !seg.lastForward.Equal(end) {
		t.Errorf("forward timestamp = %v, want %v", seg.lastForward, end)
	}
	if seg.lastReverse != nil {
		t.Errorf("reverse timestamp set on a forward pass: %v", seg.lastReverse)
	}
	if seg.countTotal != 1 {
		t.Errorf("total count = %d", seg.countTotal)
	}
}

func TestActivate_StragglerDoesNotRewind(t *testing.T) {
	fs := newFakeStore()
	newer := batchT0.Add(5 * time.Minute)
	seg := fs.seedSegment(1, 90, 64)
	seg.lastForward = &newer
	seg.countToday, seg.countTotal = 5, 5
	act := NewSegmentActivator(fs, zap.NewNop())

	straggler := batchT0.Add(3 * time.Minute)
	sum, err := act.Activate(context.Background(), 42, "D1", testWKT, 92, straggler)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if sum.SegmentsTouched != 1 || sum.Advanced != 0 {
		t.Errorf("summary = %+v, want touched without advancing", sum)
	}
	if !seg.lastForward.Equal(newer) {
		t.Errorf("forward timestamp rewound to %v", seg.lastForward)
	}
	if seg.countToday != 5 || seg.countTotal != 5 {
		t.Errorf("counts changed: %d/%d", seg.countToday, seg.countTotal)
	}

	// The audit trail still records the pass at its own time.
	upd, ok := fs.updates[[2]int64{1, 42}]
	if !ok {
		t.Fatal("expected a segment update row for the straggler")
	}
	if !upd.Timestamp.Equal(straggler) {
		t.Errorf("update timestamp = %v, want %v", upd.Timestamp, straggler)
	}
}

func TestActivate_BidirectionalPasses(t *testing.T) {
	fs := newFakeStore()
	seg := fs.seedSegment(1, 90, 80)
	act := NewSegmentActivator(fs, zap.NewNop())

	// 170 degrees off the segment bearing: reverse.
	t1 := batchT0.Add(time.Minute)
	if _, err := act.Activate(context.Background(), 10, "D1", testWKT, 260, t1); err != nil {
		t.Fatalf("reverse pass failed: %v", err)
	}
	// 10 degrees off: forward, later.
	t2 := batchT0.Add(10 * time.Minute)
	if _, err := act.Activate(context.Background(), 11, "D1", testWKT, 100, t2); err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}

	if seg.lastReverse == nil || !seg.lastReverse.Equal(t1) {
		t.Errorf("reverse timestamp = %v, want %v", seg.lastReverse, t1)
	}
	if seg.lastForward == nil || !seg.lastForward.Equal(t2) {
		t.Errorf("forward timestamp = %v, want %v", seg.lastForward, t2)
	}
	if seg.countTotal != 2 {
		t.Errorf("total count = %d, want 2", seg.countTotal)
	}

	if fs.updates[[2]int64{1, 10}].Direction != string(geo.DirectionReverse) {
		t.Error("first update direction not reverse")
	}
	if fs.updates[[2]int64{1, 11}].Direction != string(geo.DirectionForward) {
		t.Error("second update direction not forward")
	}
}

func TestActivate_RerunIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	seg := fs.seedSegment(1, 90, 80)
	act := NewSegmentActivator(fs, zap.NewNop())

	end := batchT0.Add(time.Minute)
	if _, err := act.Activate(context.Background(), 10, "D1", testWKT, 92, end); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	sum, err := act.Activate(context.Background(), 10, "D1", testWKT, 92, end)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if sum.Advanced != 0 {
		t.Errorf("second run advanced %d segments", sum.Advanced)
	}
	if seg.countTotal != 1 {
		t.Errorf("total count = %d after rerun, want 1", seg.countTotal)
	}
	if len(fs.updates) != 1 {
		t.Errorf("rerun inserted update rows: %d", len(fs.updates))
	}
}

func TestActivate_FailureRollsBackEverySegment(t *testing.T) {
	fs := newFakeStore()
	first := fs.seedSegment(1, 90, 80)
	fs.seedSegment(2, 90, 60)
	fs.advanceErrOn = 2
	act := NewSegmentActivator(fs, zap.NewNop())

	_, err := act.Activate(context.Background(), 10, "D1", testWKT, 92, batchT0)
	if err == nil {
		t.Fatal("expected an error")
	}
	// Segment 1 advanced before segment 2 failed; the rollback undoes it.
	if first.countTotal != 0 || first.lastForward != nil {
		t.Errorf("first segment kept partial state: %+v", first)
	}
	if len(fs.updates) != 0 {
		t.Errorf("update rows survived rollback: %d", len(fs.updates))
	}
}

func TestActivate_NoIntersections(t *testing.T) {
	fs := newFakeStore()
	act := NewSegmentActivator(fs, zap.NewNop())

	sum, err := act.Activate(context.Background(), 10, "D1", testWKT, 92, batchT0)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if sum.SegmentsTouched != 0 || sum.Advanced != 0 {
		t.Errorf("summary = %+v, want zeroes", sum)
	}
}
