package direction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbolicCodes(t *testing.T) {
	diag := 1 / math.Sqrt2

	tests := []struct {
		code string
		want Vector
	}{
		{"LTR", Vector{X: 1}},
		{"RTL", Vector{X: -1}},
		{"BTT", Vector{Y: -1}},
		{"TTB", Vector{Y: 1}},
		{"BLTR", Vector{X: diag, Y: -diag}},
		{"BRTL", Vector{X: -diag, Y: -diag}},
		{"TLBR", Vector{X: diag, Y: diag}},
		{"TRBL", Vector{X: -diag, Y: diag}},
		{"IN", Vector{X: 1}},
		{"OUT", Vector{X: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			v, err := Parse(tt.code)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.X, v.X, 1e-12)
			assert.InDelta(t, tt.want.Y, v.Y, 1e-12)
			assert.InDelta(t, 1.0, v.Norm(), 1e-12)
		})
	}
}

func TestParseFreeVector(t *testing.T) {
	v, err := Parse("0.7071,0.7071")
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, v.X, 1e-4)
	assert.InDelta(t, 1/math.Sqrt2, v.Y, 1e-4)

	v, err = Parse(" 3 , -4 ")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v.X, 1e-12)
	assert.InDelta(t, -0.8, v.Y, 1e-12)
}

func TestParseRejectsBadDescriptors(t *testing.T) {
	bad := []string{
		"",
		"ltr",
		"NORTH",
		"1",
		"1,2,3",
		"one,two",
		"0,0",
		"0.0000001,0",
	}

	for _, s := range bad {
		_, err := Parse(s)
		assert.Error(t, err, "descriptor %q", s)
	}
}

func TestMovementAveragesThirds(t *testing.T) {
	// Six points: k=2, start avg of first two, end avg of last two.
	path := []Vector{
		{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 50, Y: 50},
		{X: 60, Y: 60}, {X: 100, Y: 0}, {X: 102, Y: 0},
	}

	m, ok := Movement(path)
	require.True(t, ok)
	assert.InDelta(t, 100.0, m.X, 1e-9)
	assert.InDelta(t, 0.0, m.Y, 1e-9)
}

func TestMovementExactThresholdIsStill(t *testing.T) {
	// Displacement of exactly 2.0 px does not count as movement.
	_, ok := Movement([]Vector{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}})
	assert.False(t, ok)

	// Just beyond it does.
	_, ok = Movement([]Vector{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2.5, Y: 0}})
	assert.True(t, ok)
}

func TestClassifyEntryAndExit(t *testing.T) {
	ltr, err := Parse("LTR")
	require.NoError(t, err)

	entryPath := []Vector{{X: 110, Y: 240}, {X: 200, Y: 240}, {X: 300, Y: 240}, {X: 420, Y: 240}, {X: 520, Y: 240}}
	assert.Equal(t, Entry, Classify(entryPath, ltr))

	exitPath := []Vector{{X: 520, Y: 240}, {X: 420, Y: 240}, {X: 300, Y: 240}}
	assert.Equal(t, Exit, Classify(exitPath, ltr))
}

func TestClassifyDiagonalFreeVector(t *testing.T) {
	axis, err := Parse("0.7071,0.7071")
	require.NoError(t, err)

	path := []Vector{{X: 100, Y: 100}, {X: 200, Y: 200}, {X: 300, Y: 300}}
	assert.Equal(t, Entry, Classify(path, axis))
}

func TestClassifyPerpendicularIsUndetermined(t *testing.T) {
	ltr, err := Parse("LTR")
	require.NoError(t, err)

	path := []Vector{{X: 300, Y: 100}, {X: 300, Y: 240}, {X: 300, Y: 380}}
	assert.Equal(t, Undetermined, Classify(path, ltr))
}

func TestClassifyDotThresholdBand(t *testing.T) {
	ltr, err := Parse("LTR")
	require.NoError(t, err)

	// Path at ~79 degrees off axis: alignment just under the threshold.
	under := []Vector{{X: 0, Y: 0}, {X: 1.9, Y: 9.82}}
	assert.Equal(t, Undetermined, Classify(under, ltr))

	// Path at ~78 degrees: alignment just over it.
	over := []Vector{{X: 0, Y: 0}, {X: 2.1, Y: 9.78}}
	assert.Equal(t, Entry, Classify(over, ltr))

	// Mirror for the exit side.
	underExit := []Vector{{X: 1.9, Y: 9.82}, {X: 0, Y: 0}}
	assert.Equal(t, Undetermined, Classify(underExit, ltr))

	overExit := []Vector{{X: 2.1, Y: 9.78}, {X: 0, Y: 0}}
	assert.Equal(t, Exit, Classify(overExit, ltr))
}

func TestClassifyStandingStill(t *testing.T) {
	ltr, err := Parse("LTR")
	require.NoError(t, err)

	path := []Vector{{X: 100, Y: 100}, {X: 100.5, Y: 100}, {X: 101, Y: 100}}
	assert.Equal(t, Undetermined, Classify(path, ltr))
}

func TestFlow(t *testing.T) {
	assert.Equal(t, "left_to_right", Flow(Vector{X: 12, Y: 3}))
	assert.Equal(t, "right_to_left", Flow(Vector{X: -5, Y: 8}))
	assert.Equal(t, "unknown", Flow(Vector{X: 0, Y: 10}))
}
