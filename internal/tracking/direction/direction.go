package direction

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinMagnitude is the smallest accepted length for a free-form "x,y"
// direction descriptor.
const MinMagnitude = 1e-6

const (
	// MinMovementPx is the displacement below which a track is treated as
	// standing still. A path moving exactly this far is still undetermined.
	MinMovementPx = 2.0
	// DotThreshold bounds the ambiguous band around the perpendicular.
	// Alignment must exceed it (strictly) to commit a label.
	DotThreshold = 0.2
)

// Label is the committed crossing direction of a track relative to the
// configured entry axis.
type Label string

const (
	Entry        Label = "entry"
	Exit         Label = "exit"
	Undetermined Label = ""
)

// Vector is a 2D displacement in pixel space. Y grows downward.
type Vector struct {
	X float64
	Y float64
}

// Norm returns the Euclidean length of v.
func (v Vector) Norm() float64 { return math.Hypot(v.X, v.Y) }

// Unit returns v scaled to length 1. The zero vector is returned unchanged.
func (v Vector) Unit() Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return Vector{X: v.X / n, Y: v.Y / n}
}

// Dot returns the scalar product of v and o.
func (v Vector) Dot(o Vector) float64 { return v.X*o.X + v.Y*o.Y }

// Sub returns v minus o.
func (v Vector) Sub(o Vector) Vector { return Vector{X: v.X - o.X, Y: v.Y - o.Y} }

// symbolic maps entry direction codes to their axis vectors. IN and OUT are
// reserved for radial counting and fall back to the LTR axis until that
// lands.
var symbolic = map[string]Vector{
	"LTR":  {X: 1},
	"RTL":  {X: -1},
	"BTT":  {Y: -1},
	"TTB":  {Y: 1},
	"BLTR": {X: 1, Y: -1},
	"BRTL": {X: -1, Y: -1},
	"TLBR": {X: 1, Y: 1},
	"TRBL": {X: -1, Y: 1},
	"IN":   {X: 1},
	"OUT":  {X: 1},
}

// Parse resolves an entry direction descriptor to a unit vector. It accepts
// one of the symbolic codes (LTR, RTL, BTT, TTB, BLTR, BRTL, TLBR, TRBL, IN,
// OUT) or a free-form "x,y" pair whose magnitude is at least MinMagnitude.
// Anything else is an error, so callers can use Parse to validate descriptors
// before persisting them.
func Parse(s string) (Vector, error) {
	if v, ok := symbolic[s]; ok {
		return v.Unit(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Vector{}, fmt.Errorf("unknown entry direction %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Vector{}, fmt.Errorf("invalid entry direction %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Vector{}, fmt.Errorf("invalid entry direction %q: %w", s, err)
	}
	v := Vector{X: x, Y: y}
	if v.Norm() < MinMagnitude {
		return Vector{}, fmt.Errorf("entry direction %q is too short to normalize", s)
	}
	return v.Unit(), nil
}

// Movement derives the dominant displacement of a centroid path: the average
// of the last third of the points minus the average of the first third. The
// second return is false when the path moved MinMovementPx or less.
func Movement(path []Vector) (Vector, bool) {
	if len(path) < 2 {
		return Vector{}, false
	}
	k := len(path) / 3
	if k < 1 {
		k = 1
	}
	start := average(path[:k])
	end := average(path[len(path)-k:])
	d := end.Sub(start)
	if d.Norm() <= MinMovementPx {
		return Vector{}, false
	}
	return d, true
}

func average(pts []Vector) Vector {
	var sum Vector
	for _, p := range pts {
		sum.X += p.X
		sum.Y += p.Y
	}
	n := float64(len(pts))
	return Vector{X: sum.X / n, Y: sum.Y / n}
}

// Classify labels a centroid path against the entry axis. The path is the
// track's recent history in observation order; entry must be a unit vector
// from Parse. Paths that barely move or cross near-perpendicular stay
// undetermined.
func Classify(path []Vector, entry Vector) Label {
	m, ok := Movement(path)
	if !ok {
		return Undetermined
	}
	d := m.Unit().Dot(entry)
	switch {
	case d > DotThreshold:
		return Entry
	case d < -DotThreshold:
		return Exit
	default:
		return Undetermined
	}
}

// Flow reports the horizontal reading of a movement vector using the legacy
// counter vocabulary.
func Flow(m Vector) string {
	switch {
	case m.X > 0:
		return "left_to_right"
	case m.X < 0:
		return "right_to_left"
	default:
		return "unknown"
	}
}
