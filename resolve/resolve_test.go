package resolve_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RikaKagurasaka/symi/expand"
	"github.com/RikaKagurasaka/symi/lexer"
	"github.com/RikaKagurasaka/symi/parser"
	"github.com/RikaKagurasaka/symi/resolve"
)

func build(t *testing.T, src string) ([]resolve.Event, []string) {
	t.Helper()
	toks, lexDiags := lexer.Tokenize([]byte(src))
	require.Empty(t, lexDiags)
	root, parseDiags := parser.Parse(toks)
	require.Empty(t, parseDiags)
	expanded, expandDiags := expand.Expand(root)
	require.Empty(t, expandDiags)
	events, resolveDiags := resolve.Resolve(expanded)
	var msgs []string
	for _, d := range resolveDiags {
		msgs = append(msgs, d.Message)
	}
	return events, msgs
}

func notesOnly(events []resolve.Event) []resolve.Event {
	var out []resolve.Event
	for _, e := range events {
		if e.Kind == resolve.KindNote {
			out = append(out, e)
		}
	}
	return out
}

// Scenario A: four quarter notes at 120bpm in 4/4, default base-freq.
func TestScenarioA_FourQuarterNotes(t *testing.T) {
	events, diags := build(t, "(4/4)(120) C4,D4,E4,F4,")
	assert.Empty(t, diags)

	notes := notesOnly(events)
	require.Len(t, notes, 4)

	wantStarts := []float64{0, 0.5, 1.0, 1.5}
	wantFreqs := []float64{261.625565, 293.664768, 329.627557, 349.228231}
	for i, n := range notes {
		assert.InDelta(t, wantStarts[i], n.StartSec, 1e-6)
		assert.InDelta(t, 0.5, n.DurationSec, 1e-6)
		assert.InDelta(t, wantFreqs[i], n.Freq, 1e-3)
	}

	var measureSecs []float64
	for _, e := range events {
		if e.Kind == resolve.KindNewMeasure {
			measureSecs = append(measureSecs, e.StartSec)
		}
	}
	require.Len(t, measureSecs, 2)
	assert.InDelta(t, 0, measureSecs[0], 1e-9)
	assert.InDelta(t, 2.0, measureSecs[1], 1e-6)
}

// Scenario C: a base-freq anchor header followed by the anchor note
// itself resolving to exactly the declared target.
func TestScenarioC_BaseFreqAnchor(t *testing.T) {
	events, diags := build(t, "<A4=432> A4,")
	assert.Empty(t, diags)

	require.GreaterOrEqual(t, len(events), 2)
	var baseDef *resolve.Event
	for i := range events {
		if events[i].Kind == resolve.KindBaseFreqDef {
			baseDef = &events[i]
			break
		}
	}
	require.NotNil(t, baseDef)
	assert.InDelta(t, 432, baseDef.BaseFreq, 1e-6)
	assert.InDelta(t, 0, baseDef.StartSec, 1e-9)

	notes := notesOnly(events)
	require.Len(t, notes, 1)
	assert.InDelta(t, 432, notes[0].Freq, 1e-6)
}

// Scenario D: a [1:3] tuplet applied to three successive notes.
func TestScenarioD_TripletDurationScope(t *testing.T) {
	events, diags := build(t, "(120) [1:3]C4,[1:3]D4,[1:3]E4,")
	assert.Empty(t, diags)

	notes := notesOnly(events)
	require.Len(t, notes, 3)

	want := 1.0 / 6.0
	wantStarts := []float64{0, want, 2 * want}
	for i, n := range notes {
		assert.InDelta(t, wantStarts[i], n.StartSec, 1e-6)
		assert.InDelta(t, want, n.DurationSec, 1e-6)
	}
}

// Scenario E: a chain note holding both a start and ramp-target pitch,
// seven semitones apart.
func TestScenarioE_ChainNote(t *testing.T) {
	events, diags := build(t, "C4@G4")
	assert.Empty(t, diags)

	notes := notesOnly(events)
	require.Len(t, notes, 1)
	require.True(t, notes[0].HasBendTo)
	assert.InDelta(t, 261.625565, notes[0].Freq, 1e-3)

	semitones := 12 * math.Log2(notes[0].BendToFreq/notes[0].Freq)
	assert.InDelta(t, 7, semitones, 1e-3)

	require.True(t, notes[0].HasPitchRatio)
	assert.InDelta(t, 1.0, notes[0].PitchRatio, 1e-6)
}

// Scenario G: a quantized beat whose last slot is extended by three
// trailing commas, ending up four times the others' duration.
func TestScenarioG_TrailingCommaExtension(t *testing.T) {
	events, diags := build(t, "{4}A,B,C,D,[,,,]")
	assert.Empty(t, diags)

	notes := notesOnly(events)
	require.Len(t, notes, 4)

	base := notes[0].DurationSec
	for _, n := range notes[:3] {
		assert.InDelta(t, base, n.DurationSec, 1e-9)
	}
	assert.InDelta(t, base*4, notes[3].DurationSec, 1e-9)
}
