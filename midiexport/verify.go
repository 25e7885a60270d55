package midiexport

import (
	"bytes"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/resolve"
)

// extractedNote is one note-on/note-off pair recovered by walking a
// track's delta times, mirroring extractBeatNotes's accumulate-then-
// classify idiom.
type extractedNote struct {
	channel  uint8
	key      uint8
	startVal int16
	hasEnd   bool
	endVal   int16
	startSec float64
	endSec   float64
}

// VerifyRoundTrip re-parses data and checks that every note event it
// recovers lands within opts' time and pitch tolerances of the
// original resolved events, catching any export miscalculation before
// it reaches a player.
func VerifyRoundTrip(data []byte, events []resolve.Event, opts Options) []diag.Diagnostic {
	file, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return []diag.Diagnostic{diag.Errorf(0, 0, "re-reading exported MIDI: %v", err)}
	}

	ticksPerQuarter, ok := file.TimeFormat.(smf.MetricTicks)
	if !ok {
		return []diag.Diagnostic{diag.Errorf(0, 0, "unsupported time format in exported MIDI")}
	}
	ticksToSec := func(t uint32) float64 {
		return float64(t) / float64(ticksPerQuarter) * 60 / opts.ExportTempoBPM
	}

	var extracted []extractedNote
	for _, track := range file.Tracks {
		extracted = append(extracted, extractTrackNotes(track, ticksToSec)...)
	}
	sort.Slice(extracted, func(i, j int) bool { return extracted[i].startSec < extracted[j].startSec })

	var want []resolve.Event
	for _, e := range events {
		if e.Kind == resolve.KindNote {
			want = append(want, e)
		}
	}

	var diags []diag.Diagnostic
	if len(want) != len(extracted) {
		diags = append(diags, diag.Errorf(0, 0,
			"round trip note count mismatch: resolved %d, recovered %d", len(want), len(extracted)))
		return diags
	}

	for i, e := range want {
		got := extracted[i]
		if math.Abs(got.startSec-e.StartSec) > opts.TimeToleranceSec {
			diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
				"round trip start time drift: want %.6fs, got %.6fs", e.StartSec, got.startSec))
		}
		gotDur := got.endSec - got.startSec
		wantDur := e.DurationSec
		if math.Abs(gotDur-wantDur) > opts.TimeToleranceSec {
			diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
				"round trip duration drift: want %.6fs, got %.6fs", wantDur, gotDur))
		}

		gotFreq := refFreqFor(got.key) * math.Pow(2, bendValueToCents(got.startVal, opts)/1200)
		cents := 1200 * math.Log2(gotFreq/e.Freq)
		if math.Abs(cents) > opts.PitchToleranceCents {
			diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
				"round trip pitch drift: want %.3fHz, got %.3fHz (%.3f cents)", e.Freq, gotFreq, cents))
		}

		if e.HasBendTo {
			if !got.hasEnd {
				diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo, "round trip lost chain bend target"))
				continue
			}
			gotEndFreq := refFreqFor(got.key) * math.Pow(2, bendValueToCents(got.endVal, opts)/1200)
			endCents := 1200 * math.Log2(gotEndFreq/e.BendToFreq)
			if math.Abs(endCents) > opts.PitchToleranceCents {
				diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
					"round trip chain target drift: want %.3fHz, got %.3fHz (%.3f cents)", e.BendToFreq, gotEndFreq, endCents))
			}
		}
	}
	return diags
}

func bendValueToCents(v int16, opts Options) float64 {
	rangeCents := float64(opts.PitchBendRangeSemitones) * 100
	return float64(v) / 8192 * rangeCents
}

// extractTrackNotes walks one track's delta times accumulating
// absolute ticks, pairing each NoteOn with its following NoteOff on the
// same channel/key and recording whichever PitchBend values preceded
// each edge.
func extractTrackNotes(track smf.Track, ticksToSec func(uint32) float64) []extractedNote {
	var out []extractedNote
	var currentTick uint32
	lastBend := map[uint8]int16{}
	open := map[[2]uint8]int{}

	for _, event := range track {
		currentTick += event.Delta
		msg := event.Message

		var ch, key, vel uint8
		var bendVal int16

		switch {
		case msg.GetPitchBend(&ch, &bendVal, nil):
			lastBend[ch] = bendVal

		case msg.GetNoteOn(&ch, &key, &vel) && vel > 0:
			out = append(out, extractedNote{
				channel:  ch,
				key:      key,
				startVal: lastBend[ch],
				startSec: ticksToSec(currentTick),
			})
			open[[2]uint8{ch, key}] = len(out) - 1

		case msg.GetNoteOff(&ch, &key, &vel), msg.GetNoteOn(&ch, &key, &vel) && vel == 0:
			if idx, ok := open[[2]uint8{ch, key}]; ok {
				out[idx].endSec = ticksToSec(currentTick)
				if bend, ok := lastBend[ch]; ok && bend != out[idx].startVal {
					out[idx].hasEnd = true
					out[idx].endVal = bend
				}
				delete(open, [2]uint8{ch, key})
			}
		}
	}
	return out
}
