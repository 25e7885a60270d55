package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	execErr := root.Execute()

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)

	require.NoError(t, execErr)
	return buf.String()
}

func writeSource(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "song.symi")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestTokensCommandPrintsTokenStream(t *testing.T) {
	path := writeSource(t, "C4,")
	out := runCmd(t, "tokens", path)
	assert.Contains(t, out, "C4")
}

func TestEventsCommandPrintsResolvedNotes(t *testing.T) {
	path := writeSource(t, "(4/4)(120) C4,D4,")
	out := runCmd(t, "events", path)
	assert.Contains(t, out, "note")
	assert.Contains(t, out, "Hz")
}

func TestEventsCommandJSON(t *testing.T) {
	path := writeSource(t, "C4,")
	out := runCmd(t, "--json", "events", path)
	assert.Contains(t, out, `"kind"`)
	assert.Contains(t, out, `"startTick"`)
	assert.Contains(t, out, `"pitchRatio"`)
}

func TestEventsCommandChainNoteShowsPitchRatio(t *testing.T) {
	path := writeSource(t, "C4@G4")

	out := runCmd(t, "events", path)
	assert.Contains(t, out, "pitchRatio=1.000000")

	jsonOut := runCmd(t, "--json", "events", path)
	assert.Contains(t, jsonOut, `"pitchRatio": 1`)
}

func TestValidateMidiExportCommandOK(t *testing.T) {
	path := writeSource(t, "(120) C4,D4,E4,")
	out := runCmd(t, "validate-midi-export", path)
	assert.Contains(t, out, "ok")
}

func TestExportMidiCommandWritesFile(t *testing.T) {
	path := writeSource(t, "(4/4)(120) C4,D4,E4,F4,")
	dir := t.TempDir()
	outPath := filepath.Join(dir, "song.mid")

	out := runCmd(t, "export-midi", path, outPath)
	assert.Contains(t, out, "wrote")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4D, 0x54, 0x68, 0x64}, data[:4])
}
