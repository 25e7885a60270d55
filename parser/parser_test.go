package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RikaKagurasaka/symi/ast"
	"github.com/RikaKagurasaka/symi/lexer"
	"github.com/RikaKagurasaka/symi/parser"
)

func parse(t *testing.T, src string) (*ast.Root, []diagString) {
	t.Helper()
	toks, lexDiags := lexer.Tokenize([]byte(src))
	root, parseDiags := parser.Parse(toks)
	require.NotNil(t, root)
	var all []diagString
	for _, d := range lexDiags {
		all = append(all, diagString(d.Message))
	}
	for _, d := range parseDiags {
		all = append(all, diagString(d.Message))
	}
	return root, all
}

type diagString string

// Scenario A: "(4/4)(120) C4,D4,E4,F4," on two control headers plus a
// four-note sequence sharing one line.
func TestScenarioA_ControlHeadersAndNotes(t *testing.T) {
	root, diags := parse(t, "(4/4)(120) C4,D4,E4,F4,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 3)

	timeSig, ok := root.Items[0].(*ast.ControlTimeSig)
	require.True(t, ok, "expected a time signature header, got %T", root.Items[0])
	assert.Equal(t, 4, timeSig.Num)
	assert.Equal(t, 4, timeSig.Den)

	bpm, ok := root.Items[1].(*ast.ControlBpm)
	require.True(t, ok, "expected a bpm header, got %T", root.Items[1])
	assert.Equal(t, float64(120), bpm.Bpm)

	seq, ok := root.Items[2].(*ast.Sequence)
	require.True(t, ok, "expected a trailing sequence, got %T", root.Items[2])
	require.Len(t, seq.Items, 4)
}

// Scenario B: the colon-chord construct "lo:A,B,C+,D+," parses as a
// Chord whose first voice is the macro call and whose second voice is
// the full right-hand sequence.
func TestScenarioB_ColonChord(t *testing.T) {
	root, diags := parse(t, "lo:A,B,C+,D+,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)

	chord, ok := root.Items[0].(*ast.Chord)
	require.True(t, ok, "expected a Chord for the colon-chord form, got %T", root.Items[0])
	require.Len(t, chord.Voices, 2)

	macroVoice, ok := chord.Voices[0].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, macroVoice.Atoms, 1)
	call, ok := macroVoice.Atoms[0].(*ast.MacroCall)
	require.True(t, ok)
	assert.Equal(t, "lo", call.Name)

	rhs, ok := chord.Voices[1].(*ast.Sequence)
	require.True(t, ok)
	assert.Len(t, rhs.Items, 4)
}

func TestMacroDefWithQuantizeBody(t *testing.T) {
	root, diags := parse(t, "lo = {4}C,D,E,F,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)

	def, ok := root.Items[0].(*ast.MacroDef)
	require.True(t, ok)
	assert.Equal(t, "lo", def.Name)
	assert.False(t, def.HasRelativeMarker)

	seq, ok := def.Body.(*ast.Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 1)

	run, ok := seq.Items[0].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, run.Atoms, 1)
	quant, ok := run.Atoms[0].(*ast.Quantize)
	require.True(t, ok)
	require.Len(t, quant.Children, 4)
}

func TestRelativeMacroDefMarker(t *testing.T) {
	root, _ := parse(t, "lo() = C,D,")
	require.Len(t, root.Items, 1)
	def, ok := root.Items[0].(*ast.MacroDef)
	require.True(t, ok)
	assert.True(t, def.HasRelativeMarker)
}

// Scenario C: the header "<A4=432>" on its own parses as a base-freq
// header with one anchor-pair item.
func TestScenarioC_BaseFreqHeader(t *testing.T) {
	root, diags := parse(t, "<A4=432>")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
	hdr, ok := root.Items[0].(*ast.ControlBaseFreq)
	require.True(t, ok)
	require.Len(t, hdr.Items, 1)
	assert.True(t, hdr.Items[0].HasFrom)
}

// Scenario D: duration-scope atoms "[1:3]C4" parse with exactly one
// child each.
func TestScenarioD_DurationScope(t *testing.T) {
	root, diags := parse(t, "(120) [1:3]C4,[1:3]D4,[1:3]E4,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 2)

	seq, ok := root.Items[1].(*ast.Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 3)

	run, ok := seq.Items[0].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, run.Atoms, 1)
	scope, ok := run.Atoms[0].(*ast.DurationScope)
	require.True(t, ok)
	assert.EqualValues(t, 1, scope.Num)
	assert.EqualValues(t, 3, scope.Den)
	require.Len(t, scope.Children, 1)
	_, ok = scope.Children[0].(*ast.Note)
	assert.True(t, ok)
}

// Scenario E: "C4@G4" parses as a single ChainOp.
func TestScenarioE_ChainOp(t *testing.T) {
	root, diags := parse(t, "C4@G4")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
	seq, ok := root.Items[0].(*ast.Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 1)
	run, ok := seq.Items[0].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, run.Atoms, 1)
	chain, ok := run.Atoms[0].(*ast.ChainOp)
	require.True(t, ok)
	assert.Equal(t, byte('C'), chain.From.SpellLetter)
	assert.Equal(t, byte('G'), chain.To.SpellLetter)
}

// Scenario F: self-recursive macro def still parses fine; recursion
// is only detected during expansion.
func TestScenarioF_RecursiveMacroDefParses(t *testing.T) {
	root, diags := parse(t, "x = x")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
	def, ok := root.Items[0].(*ast.MacroDef)
	require.True(t, ok)
	assert.Equal(t, "x", def.Name)
}

// Scenario G: "{4}A,B,C,D,[,,,]" — the quantize fills all 4 of its 4
// parts with A,B,C,D (reaching through their internal commas), then a
// trailing comma-duration atom with three commas follows as its own item.
func TestScenarioG_CommaDuration(t *testing.T) {
	root, diags := parse(t, "{4}A,B,C,D,[,,,]")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)

	seq, ok := root.Items[0].(*ast.Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 2)

	first, ok := seq.Items[0].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, first.Atoms, 1)
	quant, ok := first.Atoms[0].(*ast.Quantize)
	require.True(t, ok)
	assert.EqualValues(t, 4, quant.N)
	assert.EqualValues(t, 4, quant.M)
	require.Len(t, quant.Children, 4)

	last, ok := seq.Items[1].(*ast.AtomRun)
	require.True(t, ok)
	require.Len(t, last.Atoms, 1)
	cd, ok := last.Atoms[0].(*ast.CommaDuration)
	require.True(t, ok)
	assert.Equal(t, 3, cd.CommaCount)
}

func TestGhostLine(t *testing.T) {
	root, diags := parse(t, "=C4,D4,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
	_, ok := root.Items[0].(*ast.GhostLine)
	assert.True(t, ok)
}

func TestGroupParens(t *testing.T) {
	root, diags := parse(t, "(C4,D4),E4,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
}

func TestChordSemicolonVoices(t *testing.T) {
	root, diags := parse(t, "C4;E4;G4,")
	assert.Empty(t, diags)
	require.Len(t, root.Items, 1)
	seq, ok := root.Items[0].(*ast.Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 1)
	chord, ok := seq.Items[0].(*ast.Chord)
	require.True(t, ok)
	assert.Len(t, chord.Voices, 3)
}

func TestUnexpectedTokenProducesDiagnosticAndSynchronizes(t *testing.T) {
	_, diags := parse(t, "C4,)D4,")
	assert.NotEmpty(t, diags)
}
