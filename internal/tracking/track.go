package tracking

import (
	"time"

	"passage/internal/tracking/direction"
)

// historyCap bounds each track's centroid history. Ten positions at active
// rate cover roughly two seconds of movement, enough for the first/last
// third averages to be meaningful.
const historyCap = 10

// track is one person identity within a single camera, keyed by the
// detector's tracker id. A track belongs to exactly one worker goroutine,
// so it carries no locking.
type track struct {
	id        int
	positions []direction.Vector
	firstSeen time.Time
	lastSeen  time.Time
	inROI     bool

	// directionLogged latches after the first committed entry/exit; later
	// classifications for this identity are dropped.
	directionLogged bool
	label           direction.Label

	// snapshotPath is the one still captured at birth, referenced by any
	// event this track later produces. Empty when the write failed.
	snapshotPath string
}

func newTrack(id int, now time.Time, snapshotPath string) *track {
	return &track{
		id:           id,
		positions:    make([]direction.Vector, 0, historyCap),
		firstSeen:    now,
		lastSeen:     now,
		snapshotPath: snapshotPath,
	}
}

// observe appends a centroid, evicting the oldest when full.
func (t *track) observe(p direction.Vector, now time.Time) {
	if len(t.positions) == historyCap {
		copy(t.positions, t.positions[1:])
		t.positions[len(t.positions)-1] = p
	} else {
		t.positions = append(t.positions, p)
	}
	t.lastSeen = now
}

// expired reports whether the track has been unseen for longer than ttl. A
// track seen again exactly at the ttl mark is retained.
func (t *track) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.lastSeen) > ttl
}
