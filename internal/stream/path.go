package stream

import (
	"math"

	"github.com/prevotnp/Session-Maps/internal/session"
	"github.com/prevotnp/Session-Maps/internal/shared/geo"
)

// MinDisplacementDeg is the minimum displacement, in geographic degrees,
// between consecutive stored path points (~5 m near the equator). Fixes
// closer than this to the last stored point are treated as GPS noise.
const MinDisplacementDeg = 0.00005

// pathAggregator accumulates each member's reported positions into a
// polyline for the session's lifetime. Owned by a session hub's goroutine.
type pathAggregator struct {
	paths map[string][]session.Point
}

func newPathAggregator() *pathAggregator {
	return &pathAggregator{paths: map[string][]session.Point{}}
}

// Append stores the point if it moved far enough from the last stored
// point, and reports whether it was stored.
func (a *pathAggregator) Append(userID string, lat, lng float64) bool {
	path := a.paths[userID]
	next := appendPoint(path, session.Point{Lat: lat, Lng: lng})
	if len(next) == len(path) {
		return false
	}
	a.paths[userID] = next
	return true
}

// Flush returns the accumulated path and its haversine length in meters,
// clearing the buffer so a member's path is persisted at most once.
func (a *pathAggregator) Flush(userID string) ([]session.Point, float64) {
	path := a.paths[userID]
	delete(a.paths, userID)

	var meters float64
	for i := 1; i < len(path); i++ {
		meters += geo.HaversineM(path[i-1].Lat, path[i-1].Lng, path[i].Lat, path[i].Lng)
	}
	return path, meters
}

// Len reports the current point count for a member.
func (a *pathAggregator) Len(userID string) int {
	return len(a.paths[userID])
}

// UserIDs lists members with a non-empty path.
func (a *pathAggregator) UserIDs() []string {
	ids := make([]string, 0, len(a.paths))
	for id := range a.paths {
		ids = append(ids, id)
	}
	return ids
}

// appendPoint applies the displacement filter to a path. Pure.
func appendPoint(path []session.Point, pt session.Point) []session.Point {
	if len(path) > 0 {
		last := path[len(path)-1]
		if math.Hypot(pt.Lat-last.Lat, pt.Lng-last.Lng) <= MinDisplacementDeg {
			return path
		}
	}
	return append(path, pt)
}
