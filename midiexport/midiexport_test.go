package midiexport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RikaKagurasaka/symi/expand"
	"github.com/RikaKagurasaka/symi/lexer"
	"github.com/RikaKagurasaka/symi/midiexport"
	"github.com/RikaKagurasaka/symi/parser"
	"github.com/RikaKagurasaka/symi/resolve"
)

func resolveSrc(t *testing.T, src string) []resolve.Event {
	t.Helper()
	toks, lexDiags := lexer.Tokenize([]byte(src))
	require.Empty(t, lexDiags)
	root, parseDiags := parser.Parse(toks)
	require.Empty(t, parseDiags)
	expanded, expandDiags := expand.Expand(root)
	require.Empty(t, expandDiags)
	events, resolveDiags := resolve.Resolve(expanded)
	require.Empty(t, resolveDiags)
	return events
}

// Scenario A re-exported: four plain quarter notes must round-trip
// cleanly at the default bend range.
func TestExportFourQuarterNotes(t *testing.T) {
	events := resolveSrc(t, "(4/4)(120) C4,D4,E4,F4,")
	opts := midiexport.DefaultOptions()

	data, diags := midiexport.Export(events, opts)
	assert.Empty(t, diags)
	require.NotEmpty(t, data)

	assert.Equal(t, []byte{0x4D, 0x54, 0x68, 0x64}, data[:4], "file must start with the MThd chunk id")

	roundTripDiags := midiexport.VerifyRoundTrip(data, events, opts)
	assert.Empty(t, roundTripDiags)
}

// Scenario E: a chain note ramping 7 semitones exceeds the default
// +/-2 semitone bend range and must fail export with a diagnostic
// rather than silently clamping or truncating the glide.
func TestExportChainNoteExceedsDefaultBendRange(t *testing.T) {
	events := resolveSrc(t, "C4@G4")
	opts := midiexport.DefaultOptions()

	data, diags := midiexport.Export(events, opts)
	assert.Nil(t, data)
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0].Message, "out of range")
}

// The same chain note succeeds once the bend range is widened enough
// to cover the full glide.
func TestExportChainNoteWithWidenedBendRange(t *testing.T) {
	events := resolveSrc(t, "C4@G4")
	opts := midiexport.DefaultOptions()
	opts.PitchBendRangeSemitones = 12

	data, diags := midiexport.Export(events, opts)
	assert.Empty(t, diags)
	require.NotEmpty(t, data)

	roundTripDiags := midiexport.VerifyRoundTrip(data, events, opts)
	assert.Empty(t, roundTripDiags)
}

// Overlapping voices in a chord export cleanly and round-trip; at 12-TET
// pitches their bend states match, so they may share one channel.
func TestExportChordRoundTrips(t *testing.T) {
	events := resolveSrc(t, "(120) C4;E4;G4")
	opts := midiexport.DefaultOptions()

	data, diags := midiexport.Export(events, opts)
	assert.Empty(t, diags)
	require.NotEmpty(t, data)

	roundTripDiags := midiexport.VerifyRoundTrip(data, events, opts)
	assert.Empty(t, roundTripDiags)
}
