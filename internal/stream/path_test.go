package stream

import (
	"testing"
)

func TestPathAggregatorDisplacementFilter(t *testing.T) {
	paths := newPathAggregator()

	if !paths.Append("u1", 47.0, 8.0) {
		t.Fatalf("first fix must always be stored")
	}
	// Well inside the threshold of the last stored point.
	if paths.Append("u1", 47.00001, 8.00001) {
		t.Fatalf("sub-threshold fix must be dropped")
	}
	if paths.Len("u1") != 1 {
		t.Fatalf("expected 1 point, got %d", paths.Len("u1"))
	}
	if !paths.Append("u1", 47.0001, 8.0001) {
		t.Fatalf("fix past the threshold must be stored")
	}
	if paths.Len("u1") != 2 {
		t.Fatalf("expected 2 points, got %d", paths.Len("u1"))
	}
}

func TestPathAggregatorFlushOnce(t *testing.T) {
	paths := newPathAggregator()
	paths.Append("u1", 47.0, 8.0)
	paths.Append("u1", 47.01, 8.0)
	paths.Append("u2", 10.0, 10.0)

	points, meters := paths.Flush("u1")
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	// 0.01 degrees of latitude is roughly 1.1 km.
	if meters < 1000 || meters > 1300 {
		t.Fatalf("unexpected path length %f m", meters)
	}

	points, meters = paths.Flush("u1")
	if len(points) != 0 || meters != 0 {
		t.Fatalf("second flush must be empty, got %d points / %f m", len(points), meters)
	}

	ids := paths.UserIDs()
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("unexpected remaining paths %v", ids)
	}
}
