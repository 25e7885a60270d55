// Package midiexport renders a resolved event list into a Standard MIDI
// File, expressing microtonal pitch as a nearest 12-TET key plus a
// per-channel pitch bend, and verifies the rendering round-trips.
package midiexport

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/resolve"
)

// gmDrumChannel is reserved for General MIDI drums and is never handed
// out by channel assignment.
const gmDrumChannel = 9

const channelsPerTrack = 16

// maxTracks bounds channel-assignment overflow; a source with more
// simultaneously-overlapping voices than this fails with
// NoChannelAvailable rather than growing a file without limit.
const maxTracks = 64

const referenceFreq = 440.0
const referenceMidiKey = 69

// Options configures export. Zero value is not valid; use
// DefaultOptions as a starting point.
type Options struct {
	// PitchBendRangeSemitones is the RPN 0,0 bend range programmed on
	// every channel used. A note whose nearest-12-TET deviation (or
	// chain target deviation) exceeds this range cannot be represented
	// and fails export with BendOutOfRange.
	PitchBendRangeSemitones int

	// TicksPerQuarter is the file's metric-ticks resolution.
	TicksPerQuarter uint16

	// ExportTempoBPM labels the file's single tempo meta event. Actual
	// note timing comes from each event's already tempo-integrated
	// StartSec/DurationSec, not from re-deriving a tempo curve, so this
	// value is a display convention rather than a timing input.
	ExportTempoBPM float64

	// TimeToleranceSec is the maximum timing drift VerifyRoundTrip
	// tolerates between a resolved event and its re-extracted MIDI
	// counterpart.
	TimeToleranceSec float64

	// PitchToleranceCents is the maximum cents error VerifyRoundTrip
	// tolerates, and also bounds the pitch-bend quantization step: if
	// the 14-bit bend wheel's per-unit resolution under
	// PitchBendRangeSemitones can't represent a deviation this finely,
	// export fails with ToleranceExceeded.
	PitchToleranceCents float64
}

// DefaultOptions matches the values used throughout spec scenario 8.
func DefaultOptions() Options {
	return Options{
		PitchBendRangeSemitones: 2,
		TicksPerQuarter:         480,
		ExportTempoBPM:          120,
		TimeToleranceSec:        0.002,
		PitchToleranceCents:     1,
	}
}

type noteCtx struct {
	event       resolve.Event
	index       int
	key         uint8
	bendStart   int16
	bendEnd     int16
	hasBendEnd  bool
	startCents  float64
	endCents    float64
	track       int
	channel     int
	startTick   uint32
	endTick     uint32
	bendAtEnd   uint32
}

// Export renders events as a Type-1 Standard MIDI File. It returns the
// rendered bytes on success, or a non-empty diagnostic list (and nil
// bytes) if any note cannot be represented within opts.
func Export(events []resolve.Event, opts Options) ([]byte, []diag.Diagnostic) {
	var notes []noteCtx
	var diags []diag.Diagnostic

	for i, e := range events {
		if e.Kind != resolve.KindNote {
			continue
		}
		ctx, ds := buildNoteCtx(e, i, opts)
		diags = append(diags, ds...)
		if len(ds) == 0 {
			notes = append(notes, ctx)
		}
	}
	if len(diags) > 0 {
		return nil, diags
	}

	if ok := assignChannels(notes, opts); !ok {
		return nil, []diag.Diagnostic{diag.Errorf(0, 0,
			"no channel available: more than %d overlapping voices", maxTracks*(channelsPerTrack-1))}
	}

	for i := range notes {
		notes[i].startTick = secondsToTicks(notes[i].event.StartSec, opts)
		notes[i].endTick = secondsToTicks(notes[i].event.StartSec+notes[i].event.DurationSec, opts)
		notes[i].bendAtEnd = notes[i].endTick
	}

	file := buildSMF(notes, opts)

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, []diag.Diagnostic{diag.Errorf(0, 0, "writing MIDI file: %v", err)}
	}
	return buf.Bytes(), nil
}

// buildNoteCtx computes the nearest 12-TET key and the pitch bend(s)
// needed to reach e.Freq (and e.BendToFreq, if chained) from that key,
// validating both against opts.
func buildNoteCtx(e resolve.Event, index int, opts Options) (noteCtx, []diag.Diagnostic) {
	key, bend, cents := nearestKeyAndBend(e.Freq, opts)
	var diags []diag.Diagnostic

	if math.Abs(cents/100) > float64(opts.PitchBendRangeSemitones) {
		diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
			"pitch bend out of range: %.2f semitones exceeds +/-%d", cents/100, opts.PitchBendRangeSemitones))
	}
	if quantum := bendQuantumCents(opts); quantum/2 > opts.PitchToleranceCents {
		diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
			"pitch bend resolution %.3f cents exceeds tolerance %.3f", quantum/2, opts.PitchToleranceCents))
	}

	ctx := noteCtx{event: e, index: index, key: key, bendStart: bend, startCents: cents, endCents: cents}

	if e.HasBendTo {
		endCents := 1200 * math.Log2(e.BendToFreq/refFreqFor(key))
		endBend := centsToBendValue(endCents, opts)
		if math.Abs(endCents/100) > float64(opts.PitchBendRangeSemitones) {
			diags = append(diags, diag.Errorf(e.SpanFrom, e.SpanTo,
				"chain target pitch bend out of range: %.2f semitones exceeds +/-%d", endCents/100, opts.PitchBendRangeSemitones))
		}
		ctx.bendEnd = endBend
		ctx.hasBendEnd = true
		ctx.endCents = endCents
	}

	return ctx, diags
}

// nearestKeyAndBend finds the 12-TET key closest to freq and the cents
// deviation of freq from that key's own reference pitch.
func nearestKeyAndBend(freq float64, opts Options) (key uint8, bend int16, cents float64) {
	semitone := 12*math.Log2(freq/referenceFreq) + referenceMidiKey
	k := int(math.Round(semitone))
	if k < 0 {
		k = 0
	}
	if k > 127 {
		k = 127
	}
	cents = 1200 * math.Log2(freq/refFreqFor(uint8(k)))
	return uint8(k), centsToBendValue(cents, opts), cents
}

func refFreqFor(key uint8) float64 {
	return referenceFreq * math.Pow(2, float64(int(key)-referenceMidiKey)/12)
}

// centsToBendValue maps a cents deviation to a 14-bit-centered signed
// bend value under the channel's programmed bend range.
func centsToBendValue(cents float64, opts Options) int16 {
	rangeCents := float64(opts.PitchBendRangeSemitones) * 100
	if rangeCents == 0 {
		return 0
	}
	v := cents / rangeCents * 8192
	if v > 8191 {
		v = 8191
	}
	if v < -8192 {
		v = -8192
	}
	return int16(math.Round(v))
}

func bendQuantumCents(opts Options) float64 {
	rangeCents := float64(opts.PitchBendRangeSemitones) * 100
	return rangeCents / 8192
}

func secondsToTicks(sec float64, opts Options) uint32 {
	beatsPerSec := opts.ExportTempoBPM / 60
	ticks := sec * beatsPerSec * float64(opts.TicksPerQuarter)
	if ticks < 0 {
		ticks = 0
	}
	return uint32(math.Round(ticks))
}

// usableChannels lists the channel indices available for assignment,
// skipping channel 9 (GM drums).
func usableChannels() []int {
	var cs []int
	for c := 0; c < channelsPerTrack; c++ {
		if c != gmDrumChannel {
			cs = append(cs, c)
		}
	}
	return cs
}

// chanState tracks one channel's current pitch-bend wheel position and
// when it's next free, per track.
type chanState struct {
	cents     float64
	busyUntil float64
	seen      bool
}

// assignChannels colors the note-overlap interval graph: a channel can
// be reused by an overlapping note only if its wheel already sits
// within opts.PitchToleranceCents of what that note needs (no bend
// move required), otherwise the previous occupant must have ended at
// least opts.TimeToleranceSec earlier. Channel 9 (GM drums) is never
// allocated; when a track's 15 usable channels are exhausted a new
// track is opened. Returns false if maxTracks is exceeded.
func assignChannels(notes []noteCtx, opts Options) bool {
	order := make([]int, len(notes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return notes[order[a]].event.StartSec < notes[order[b]].event.StartSec
	})

	usable := usableChannels()
	tracks := [][]chanState{make([]chanState, channelsPerTrack)}

	for _, idx := range order {
		n := &notes[idx]
		start := n.event.StartSec
		end := start + n.event.DurationSec
		finalCents := n.endCents

		placed := false
		for ti := range tracks {
			for _, c := range usable {
				st := &tracks[ti][c]
				if !st.seen || math.Abs(st.cents-n.startCents) <= opts.PitchToleranceCents || st.busyUntil+opts.TimeToleranceSec <= start {
					n.track = ti
					n.channel = c
					st.cents = finalCents
					if end > st.busyUntil || !st.seen {
						st.busyUntil = end
					}
					st.seen = true
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			if len(tracks) >= maxTracks {
				return false
			}
			tracks = append(tracks, make([]chanState, channelsPerTrack))
			c := usable[0]
			tracks[len(tracks)-1][c] = chanState{cents: finalCents, busyUntil: end, seen: true}
			n.track = len(tracks) - 1
			n.channel = c
		}
	}
	return true
}

// buildSMF assembles one tempo/conductor track plus one track per
// channel-assignment track bucket, following createMidiTrack's event
// ordering convention: a pitch bend shares its note-on's delta time,
// and a note-off at the same tick as another note's note-on is
// ordered first so the two never appear to overlap on the wire.
func buildSMF(notes []noteCtx, opts Options) *smf.SMF {
	file := smf.NewSMF1()
	file.TimeFormat = smf.MetricTicks(opts.TicksPerQuarter)

	tempoTrack := smf.Track{}
	tempoTrack = append(tempoTrack, smf.Event{Delta: 0, Message: smf.Message(smf.MetaTrackSequenceName("Tempo"))})
	tempoTrack = append(tempoTrack, smf.Event{Delta: 0, Message: smf.Message(smf.MetaTempo(opts.ExportTempoBPM))})
	tempoTrack = append(tempoTrack, smf.Event{Delta: 0, Message: smf.EOT})
	file.Add(tempoTrack)

	byTrack := map[int][]noteCtx{}
	for _, n := range notes {
		byTrack[n.track] = append(byTrack[n.track], n)
	}

	trackIDs := make([]int, 0, len(byTrack))
	for t := range byTrack {
		trackIDs = append(trackIDs, t)
	}
	sort.Ints(trackIDs)

	for _, t := range trackIDs {
		file.Add(buildNoteTrack(fmt.Sprintf("Voice %d", t+1), byTrack[t], opts))
	}

	return file
}

type timedMsg struct {
	tick uint32
	prio int
	msg  smf.Message
}

func buildNoteTrack(name string, notes []noteCtx, opts Options) smf.Track {
	track := smf.Track{}
	track = append(track, smf.Event{Delta: 0, Message: smf.Message(smf.MetaTrackSequenceName(name))})

	channels := map[int]bool{}
	for _, n := range notes {
		channels[n.channel] = true
	}
	chanList := make([]int, 0, len(channels))
	for c := range channels {
		chanList = append(chanList, c)
	}
	sort.Ints(chanList)

	var msgs []timedMsg
	for _, c := range chanList {
		msgs = append(msgs, timedMsg{tick: 0, prio: 0, msg: smf.Message(midi.ProgramChange(uint8(c), 0))})
		msgs = append(msgs, timedMsg{tick: 0, prio: 0, msg: smf.Message(midi.ControlChange(uint8(c), 101, 0))})
		msgs = append(msgs, timedMsg{tick: 0, prio: 0, msg: smf.Message(midi.ControlChange(uint8(c), 100, 0))})
		msgs = append(msgs, timedMsg{tick: 0, prio: 0, msg: smf.Message(midi.ControlChange(uint8(c), 6, uint8(opts.PitchBendRangeSemitones)))})
		msgs = append(msgs, timedMsg{tick: 0, prio: 0, msg: smf.Message(midi.ControlChange(uint8(c), 38, 0))})
	}

	const velocity = 100
	for _, n := range notes {
		ch := uint8(n.channel)
		msgs = append(msgs, timedMsg{tick: n.startTick, prio: 1, msg: smf.Message(midi.Pitchbend(ch, n.bendStart))})
		msgs = append(msgs, timedMsg{tick: n.startTick, prio: 2, msg: smf.Message(midi.NoteOn(ch, n.key, velocity))})
		if n.hasBendEnd {
			msgs = append(msgs, timedMsg{tick: n.bendAtEnd, prio: 0, msg: smf.Message(midi.Pitchbend(ch, n.bendEnd))})
		}
		msgs = append(msgs, timedMsg{tick: n.endTick, prio: 1, msg: smf.Message(midi.NoteOff(ch, n.key))})
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].tick != msgs[j].tick {
			return msgs[i].tick < msgs[j].tick
		}
		return msgs[i].prio < msgs[j].prio
	})

	var lastTick uint32
	for _, m := range msgs {
		track = append(track, smf.Event{Delta: m.tick - lastTick, Message: m.msg})
		lastTick = m.tick
	}
	track = append(track, smf.Event{Delta: 0, Message: smf.EOT})
	return track
}
