// Package resolve walks an expanded AST maintaining an exact-rational
// musical clock and emits a flat, time-ordered event list.
package resolve

import (
	"math"
	"sort"

	"github.com/RikaKagurasaka/symi/ast"
	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/rational"
)

// Kind distinguishes the three event shapes the resolver emits.
type Kind int

const (
	KindNote Kind = iota
	KindNewMeasure
	KindBaseFreqDef
)

// Event is the resolver's flat output record. Only the fields
// relevant to Kind are populated; the zero value for the rest is
// harmless (e.g. a NewMeasure's Freq is simply unused).
type Event struct {
	Kind Kind `json:"kind"`

	// Note
	Freq          float64            `json:"freq,omitempty"`
	HasBendTo     bool               `json:"hasBendTo,omitempty"` // true for a Chain note: Freq is the start, BendToFreq the ramp target
	BendToFreq    float64            `json:"bendToFreq,omitempty"`
	HasPitchRatio bool               `json:"-"`
	PitchRatio    float64            `json:"pitchRatio,omitempty"` // freq / baseFreqAtStart, when set
	StartSec      float64            `json:"startSec"`
	DurationSec   float64            `json:"durationSec,omitempty"`
	StartBar      int                `json:"startBar,omitempty"`
	StartTick     rational.Rational  `json:"startTick,omitempty"`
	DurationTick  rational.Rational  `json:"durationTick,omitempty"`

	SpanFrom int  `json:"spanFrom"`
	SpanTo   int  `json:"spanTo"`

	HasInvoked      bool `json:"-"`
	SpanInvokedFrom int  `json:"spanInvokedFrom,omitempty"`
	SpanInvokedTo   int  `json:"spanInvokedTo,omitempty"`

	// NewMeasure
	Bar int `json:"bar,omitempty"`

	// BaseFreqDef
	BaseFreq float64 `json:"baseFreq,omitempty"`

	sourceOrder int
}

// defaultBaseFreq is middle C, used both as the Ratio/Edo/Cents
// multiplier and as the spell-pitch formula's reference frequency
// until a "<...>" header changes it (spec §4.4 state table).
const defaultBaseFreq = 261.625565

// DefaultBpm is used until the first (bpm) control header appears.
const DefaultBpm = 120.0

// Resolve walks root (already macro-expanded) and returns its events
// sorted by (startSec, sourceOrder), plus any diagnostics raised along
// the way (quantize overflow, sustain with no predecessor, etc).
func Resolve(root *ast.Root) ([]Event, []diag.Diagnostic) {
	r := &resolver{
		timeSigNum: 4,
		timeSigDen: 4,
		beatUnit:   rational.New(1, 4),
		baseFreq:   defaultBaseFreq,
		tempo: []tempoSeg{
			{startBeats: rational.Zero, bpm: DefaultBpm, beatAnchor: rational.New(1, 4)},
		},
		baseFreqSchedule: []baseFreqSeg{
			{startBeats: rational.Zero, freq: defaultBaseFreq},
		},
	}
	r.main = &voiceState{isMain: true}
	r.emitMeasure(0, rational.Zero)

	var lastLineStart rational.Rational
	for _, item := range root.Items {
		switch v := item.(type) {
		case *ast.ControlTimeSig:
			r.timeSigNum, r.timeSigDen = v.Num, v.Den
		case *ast.ControlBpm:
			anchor := rational.New(1, 4)
			if v.HasBeatFraction {
				anchor = v.BeatFraction
			}
			r.tempo = append(r.tempo, tempoSeg{startBeats: r.main.cursor, bpm: v.Bpm, beatAnchor: anchor})
		case *ast.ControlBaseFreq:
			r.resolveBaseFreqHeader(v)
		case *ast.GhostLine:
			ghost := &voiceState{cursor: lastLineStart}
			r.processSequence(asSequence(v.Body), ghost)
		case *ast.Sequence:
			lastLineStart = r.main.cursor
			r.processSequence(v, r.main)
			r.checkBarCrossing()
		case *ast.Chord:
			lastLineStart = r.main.cursor
			r.processChordItem(v, r.main)
			r.checkBarCrossing()
		}
	}

	sort.SliceStable(r.events, func(i, j int) bool {
		if r.events[i].StartSec != r.events[j].StartSec {
			return r.events[i].StartSec < r.events[j].StartSec
		}
		return r.events[i].sourceOrder < r.events[j].sourceOrder
	})
	return r.events, r.diags
}

func asSequence(n ast.Node) *ast.Sequence {
	if seq, ok := n.(*ast.Sequence); ok {
		return seq
	}
	return &ast.Sequence{Items: []ast.Node{n}}
}

type tempoSeg struct {
	startBeats rational.Rational
	bpm        float64
	beatAnchor rational.Rational
}

type baseFreqSeg struct {
	startBeats rational.Rational
	freq       float64
}

// voiceState is an independent musical-clock cursor: the main voice,
// a ghost-line voice, or one voice of a Chord.
type voiceState struct {
	isMain      bool
	cursor      rational.Rational
	hasOctave   bool
	lastOctave  int
	lastNoteIdx int              // index into resolver.events, -1 if none yet
	lastUnit    rational.Rational // the slice duration the last note occupied, for "[,,,]"/Sustain extension
}

type resolver struct {
	diags  []diag.Diagnostic
	events []Event

	timeSigNum, timeSigDen int
	beatUnit               rational.Rational
	baseFreq               float64
	tempo                  []tempoSeg
	baseFreqSchedule       []baseFreqSeg

	main      *voiceState
	lastBar   int
	nextOrder int
}

func (r *resolver) errorf(from, to int, format string, args ...any) {
	r.diags = append(r.diags, diag.Errorf(from, to, format, args...))
}

func (r *resolver) emit(e Event) int {
	e.sourceOrder = r.nextOrder
	r.nextOrder++
	r.events = append(r.events, e)
	return len(r.events) - 1
}

func (r *resolver) emitMeasure(bar int, startBeats rational.Rational) {
	r.emit(Event{Kind: KindNewMeasure, Bar: bar, StartSec: r.secondsAt(startBeats)})
}

// secondsAt integrates the piecewise-constant tempo schedule from song
// start up to beats (spec §4.4 rule 10): a sum of rectangles, one per
// tempo segment overlapping [0, beats).
func (r *resolver) secondsAt(beats rational.Rational) float64 {
	total := 0.0
	for i, seg := range r.tempo {
		if !seg.startBeats.Less(beats) {
			break
		}
		segEnd := beats
		if i+1 < len(r.tempo) && r.tempo[i+1].startBeats.Less(beats) {
			segEnd = r.tempo[i+1].startBeats
		}
		overlap := segEnd.Sub(seg.startBeats)
		if overlap.Sign() <= 0 {
			continue
		}
		total += overlap.Float64() / seg.beatAnchor.Float64() * 60.0 / seg.bpm
	}
	return total
}

func (r *resolver) baseFreqAt(beats rational.Rational) float64 {
	freq := r.baseFreqSchedule[0].freq
	for _, seg := range r.baseFreqSchedule {
		if seg.startBeats.Less(beats) || seg.startBeats.Cmp(beats) == 0 {
			freq = seg.freq
		}
	}
	return freq
}

func (r *resolver) barLength() rational.Rational {
	den := r.timeSigDen
	if den == 0 {
		den = 4
	}
	return rational.New(int64(r.timeSigNum), int64(den))
}

func (r *resolver) checkBarCrossing() {
	bl := r.barLength()
	if bl.Sign() <= 0 {
		return
	}
	newBar := int(math.Floor(r.main.cursor.Float64() / bl.Float64()))
	for b := r.lastBar + 1; b <= newBar; b++ {
		r.emitMeasure(b, rational.FromInt(int64(b)).Mul(bl))
	}
	if newBar > r.lastBar {
		r.lastBar = newBar
	}
}

// resolveBaseFreqHeader processes a "<...>" control, updating the
// piecewise base-frequency schedule and emitting one BaseFrequencyDef
// event per item, carrying the item's declared frequency (432 for
// "<A4=432>"), while the schedule stores the middle-C base it implies.
func (r *resolver) resolveBaseFreqHeader(hdr *ast.ControlBaseFreq) {
	for _, item := range hdr.Items {
		var newFreq float64
		declared := r.resolvePitchRaw(item.To)
		if item.HasFrom {
			anchorOffset := spellSemitoneFloat(item.From)
			newFreq = declared / math.Pow(2, anchorOffset/12)
		} else {
			newFreq = declared
		}
		if newFreq <= 0 {
			r.errorf(hdr.Sp.From, hdr.Sp.To, "base frequency must be positive, got %g", newFreq)
			continue
		}
		r.baseFreq = newFreq
		r.baseFreqSchedule = append(r.baseFreqSchedule, baseFreqSeg{startBeats: r.main.cursor, freq: newFreq})
		r.emit(Event{Kind: KindBaseFreqDef, BaseFreq: declared, StartSec: r.secondsAt(r.main.cursor)})
	}
}

// resolvePitchRaw resolves a pitch using the resolver's current
// baseFreq, ignoring any voice-local octave memory (used for
// base-frequency header items, which have no voice).
func (r *resolver) resolvePitchRaw(p ast.Pitch) float64 {
	freq, _, _ := resolvePitchHz(p, r.baseFreq, 4, false)
	return freq
}

// referenceSemitone is the MIDI semitone number baseFreq anchors to:
// middle C, matching its stated default of 261.625565Hz.
const referenceSemitone = 60

// spellSemitoneFloat returns p's semitone number offset from middle C
// (fractional: each net +/- contributes half a semitone).
func spellSemitoneFloat(p ast.Pitch) float64 {
	octave := p.SpellOctave
	if !p.SpellHasOctave {
		octave = 4
	}
	s := 12*(octave+1) + letterPitchClass(p.SpellLetter) + p.SpellAccidentals
	return float64(s-referenceSemitone) + float64(p.SpellMicro)/2
}

func letterPitchClass(letter byte) int {
	switch letter {
	case 'C':
		return 0
	case 'D':
		return 2
	case 'E':
		return 4
	case 'F':
		return 5
	case 'G':
		return 7
	case 'A':
		return 9
	case 'B':
		return 11
	}
	return 0
}

// resolvePitchHz implements spec §4.4 rule 11.
func resolvePitchHz(p ast.Pitch, baseFreq float64, prevOctave int, hasPrevOctave bool) (freq float64, octave int, hasOctave bool) {
	switch p.PitchKind() {
	case ast.PitchFrequency:
		return p.Freq, prevOctave, hasPrevOctave
	case ast.PitchRatio:
		if p.RatioDen == 0 {
			return baseFreq, prevOctave, hasPrevOctave
		}
		return baseFreq * float64(p.RatioNum) / float64(p.RatioDen), prevOctave, hasPrevOctave
	case ast.PitchEdo:
		if p.EdoDiv == 0 {
			return baseFreq, prevOctave, hasPrevOctave
		}
		return baseFreq * math.Pow(2, float64(p.EdoStep)/float64(p.EdoDiv)), prevOctave, hasPrevOctave
	case ast.PitchCents:
		return baseFreq * math.Pow(2, p.Cents/1200), prevOctave, hasPrevOctave
	case ast.PitchSpell:
		oct := p.SpellOctave
		if !p.SpellHasOctave {
			if hasPrevOctave {
				oct = prevOctave
			} else {
				oct = 4
			}
		}
		s := 12*(oct+1) + letterPitchClass(p.SpellLetter) + p.SpellAccidentals
		f := baseFreq * math.Pow(2, float64(s-referenceSemitone)/12) * math.Pow(2, float64(p.SpellMicro)/24)
		return f, oct, true
	default:
		return baseFreq, prevOctave, hasPrevOctave
	}
}

// --- sequence / item processing ---

// processSequence advances voice through seq's items, each consuming
// one beat unit (or an overridden unit via DurationScope, or k extra
// units via CommaDuration) per spec §4.4 rule 2/3.
//
// A run of consecutive items all spliced in by the same bare ("name",
// non-relative) macro call is processed like any other items, but the
// voice's cursor is then reset to its value from just before the run
// started: a bare call lays its body out in time without advancing
// the caller past it, per §4.3/§9 Open Question 1.
func (r *resolver) processSequence(seq *ast.Sequence, voice *voiceState) {
	voice.lastNoteIdx = -1
	i := 0
	for i < len(seq.Items) {
		item := seq.Items[i]
		origin := firstOrigin(item)
		if origin != nil && !origin.Relative {
			preCursor := voice.cursor
			j := i
			for j < len(seq.Items) {
				o2 := firstOrigin(seq.Items[j])
				if o2 == nil || o2.Relative || o2.CallFrom != origin.CallFrom || o2.CallTo != origin.CallTo {
					break
				}
				r.processItem(seq.Items[j], voice)
				j++
			}
			voice.cursor = preCursor
			i = j
			continue
		}
		r.processItem(item, voice)
		i++
	}
}

// firstOrigin finds the Origin of the first Note/ChainOp leaf reachable
// from n, used to detect the boundary of a spliced macro-call group.
func firstOrigin(n ast.Node) *ast.Origin {
	switch v := n.(type) {
	case *ast.Note:
		return v.Origin
	case *ast.ChainOp:
		return v.Origin
	case *ast.AtomRun:
		for _, a := range v.Atoms {
			if o := firstOrigin(a); o != nil {
				return o
			}
		}
	case *ast.Group:
		for _, it := range v.Items {
			if o := firstOrigin(it); o != nil {
				return o
			}
		}
	case *ast.DurationScope:
		for _, c := range v.Children {
			if o := firstOrigin(c); o != nil {
				return o
			}
		}
	case *ast.Quantize:
		for _, c := range v.Children {
			if o := firstOrigin(c); o != nil {
				return o
			}
		}
	case *ast.Chord:
		for _, voice := range v.Voices {
			if o := firstOrigin(voice); o != nil {
				return o
			}
		}
	case *ast.Sequence:
		for _, it := range v.Items {
			if o := firstOrigin(it); o != nil {
				return o
			}
		}
	}
	return nil
}

func (r *resolver) processItem(item ast.Node, voice *voiceState) {
	switch v := item.(type) {
	case *ast.Chord:
		end := r.processChordVoices(v, voice.cursor)
		voice.cursor = end
		return
	case *ast.AtomRun:
		if len(v.Atoms) == 1 {
			switch a := v.Atoms[0].(type) {
			case *ast.CommaDuration:
				r.extendSustain(voice, a.CommaCount)
				return
			case *ast.DurationScope:
				unit := r.beatUnit.Mul(rational.New(absInt(a.Num), a.Den))
				if len(a.Children) > 0 {
					r.processAtom(a.Children[0], voice, voice.cursor, unit)
				}
				voice.cursor = voice.cursor.Add(unit)
				return
			}
		}
		r.processAtomRun(v, voice, voice.cursor, r.beatUnit)
		voice.cursor = voice.cursor.Add(r.beatUnit)
		return
	default:
		r.processAtom(item, voice, voice.cursor, r.beatUnit)
		voice.cursor = voice.cursor.Add(r.beatUnit)
	}
}

// extendSustain implements rule 3: "[,,,]" with k commas extends the
// previous note by k units of whatever slice that note itself
// occupied (its own slot's unit, not necessarily the outer beat unit
// — a trailing "[,,,]" after a quantized slot extends by k of that
// slot's subdivisions) and advances the cursor by the same amount.
func (r *resolver) extendSustain(voice *voiceState, k int) {
	unit := voice.lastUnit
	if unit.Sign() <= 0 {
		unit = r.beatUnit
	}
	ext := unit.Mul(rational.FromInt(int64(k)))
	if voice.lastNoteIdx < 0 {
		r.errorf(0, 0, "comma-duration extension with no predecessor note")
		voice.cursor = voice.cursor.Add(ext)
		return
	}
	r.events[voice.lastNoteIdx].DurationTick = r.events[voice.lastNoteIdx].DurationTick.Add(ext)
	newEnd := voice.cursor.Add(ext)
	r.events[voice.lastNoteIdx].DurationSec = r.secondsAt(newEnd) - r.events[voice.lastNoteIdx].StartSec
	voice.cursor = newEnd
}

// processChordItem handles a Chord encountered as a whole Sequence
// item (including a top-level colon-chord root item), advancing the
// owning voice's cursor by the resulting max voice end.
func (r *resolver) processChordItem(chord *ast.Chord, voice *voiceState) {
	end := r.processChordVoices(chord, voice.cursor)
	voice.cursor = end
}

// processChordVoices spawns one independent voiceState per chord
// voice, all starting at startCursor, and returns the max end cursor
// (spec §4.4 rule 6).
func (r *resolver) processChordVoices(chord *ast.Chord, startCursor rational.Rational) rational.Rational {
	maxEnd := startCursor
	for _, voiceNode := range chord.Voices {
		sub := &voiceState{cursor: startCursor, lastNoteIdx: -1}
		switch v := voiceNode.(type) {
		case *ast.Sequence:
			r.processSequence(v, sub)
		case *ast.AtomRun:
			r.processAtomRun(v, sub, sub.cursor, r.beatUnit)
			sub.cursor = sub.cursor.Add(r.beatUnit)
		default:
			r.processItem(voiceNode, sub)
		}
		if maxEnd.Less(sub.cursor) {
			maxEnd = sub.cursor
		}
	}
	return maxEnd
}

// processAtomRun lays out run's atoms within [start, start+unit) per
// rule 5: a lone Quantize atom subdivides the whole unit itself;
// otherwise the atoms split the unit equally.
func (r *resolver) processAtomRun(run *ast.AtomRun, voice *voiceState, start, unit rational.Rational) {
	if len(run.Atoms) == 1 {
		if q, ok := run.Atoms[0].(*ast.Quantize); ok {
			r.processQuantize(q, voice, start, unit)
			return
		}
	}
	n := len(run.Atoms)
	if n == 0 {
		return
	}
	slice := unit.Quo(rational.FromInt(int64(n)))
	for i, atom := range run.Atoms {
		r.processAtom(atom, voice, start.Add(slice.Mul(rational.FromInt(int64(i)))), slice)
	}
}

// processQuantize lays n of m equal subdivisions of unit with q's
// children, per rule 4/5.
func (r *resolver) processQuantize(q *ast.Quantize, voice *voiceState, start, unit rational.Rational) {
	if q.M <= 0 {
		r.errorf(q.Sp.From, q.Sp.To, "quantize with non-positive denominator")
		return
	}
	slice := unit.Quo(rational.FromInt(q.M))
	if int64(len(q.Children)) > q.N {
		r.errorf(q.Sp.From, q.Sp.To, "quantize overflow: %d atoms for %d of %d parts", len(q.Children), q.N, q.M)
	}
	for i, child := range q.Children {
		r.processAtom(child, voice, start.Add(slice.Mul(rational.FromInt(int64(i)))), slice)
	}
}

func (r *resolver) processAtom(atom ast.Node, voice *voiceState, start, duration rational.Rational) {
	switch v := atom.(type) {
	case *ast.Note:
		r.emitNote(voice, v.Pitch, v.Sp, v.Origin, start, duration)

	case *ast.ChainOp:
		baseFreq := r.baseFreqAt(start)
		fromFreq, octave, hasOctave := resolvePitchHz(v.From, baseFreq, voice.lastOctave, voice.hasOctave)
		toFreq, _, _ := resolvePitchHz(v.To, baseFreq, octave, hasOctave)
		idx := r.emit(Event{
			Kind:          KindNote,
			Freq:          fromFreq,
			HasBendTo:     true,
			BendToFreq:    toFreq,
			HasPitchRatio: true,
			PitchRatio:    fromFreq / baseFreq,
			StartSec:      r.secondsAt(start),
			DurationSec:   r.secondsAt(start.Add(duration)) - r.secondsAt(start),
			StartBar:      r.barIndex(start),
			StartTick:     r.tickInBar(start),
			DurationTick:  duration,
			SpanFrom:      v.Sp.From,
			SpanTo:        v.Sp.To,
		})
		r.applyOrigin(idx, v.Origin)
		voice.lastOctave, voice.hasOctave = octave, hasOctave
		voice.lastNoteIdx = idx
		voice.lastUnit = duration

	case *ast.Rest:
		// No event; cursor still advances by the caller.

	case *ast.Sustain:
		if voice.lastNoteIdx < 0 {
			r.errorf(v.Sp.From, v.Sp.To, "sustain with no predecessor note")
			return
		}
		r.events[voice.lastNoteIdx].DurationTick = r.events[voice.lastNoteIdx].DurationTick.Add(duration)
		r.events[voice.lastNoteIdx].DurationSec += r.secondsAt(start.Add(duration)) - r.secondsAt(start)

	case *ast.Group:
		r.processGroupItems(v.Items, voice, start, duration)

	case *ast.Quantize:
		r.processQuantize(v, voice, start, duration)

	case *ast.DurationScope:
		nested := duration.Mul(rational.New(absInt(v.Num), v.Den))
		if len(v.Children) > 0 {
			r.processAtom(v.Children[0], voice, start, nested)
		}

	case *ast.AtomRun:
		r.processAtomRun(v, voice, start, duration)

	default:
		// MacroCall should never reach here post-expansion; ignore.
	}
}

// processGroupItems lays a Group's sequence items out like a local
// quantize-by-count: each item gets an equal share of duration.
func (r *resolver) processGroupItems(items []ast.Node, voice *voiceState, start, duration rational.Rational) {
	n := len(items)
	if n == 0 {
		return
	}
	slice := duration.Quo(rational.FromInt(int64(n)))
	for i, item := range items {
		itemStart := start.Add(slice.Mul(rational.FromInt(int64(i))))
		switch v := item.(type) {
		case *ast.Chord:
			r.processChordVoices(v, itemStart)
		case *ast.AtomRun:
			r.processAtomRun(v, voice, itemStart, slice)
		default:
			r.processAtom(item, voice, itemStart, slice)
		}
	}
}

func (r *resolver) emitNote(voice *voiceState, pitch ast.Pitch, sp ast.Span, origin *ast.Origin, start, duration rational.Rational) {
	baseFreq := r.baseFreqAt(start)
	freq, octave, hasOctave := resolvePitchHz(pitch, baseFreq, voice.lastOctave, voice.hasOctave)
	idx := r.emit(Event{
		Kind:          KindNote,
		Freq:          freq,
		HasPitchRatio: true,
		PitchRatio:    freq / baseFreq,
		StartSec:      r.secondsAt(start),
		DurationSec:   r.secondsAt(start.Add(duration)) - r.secondsAt(start),
		StartBar:      r.barIndex(start),
		StartTick:     r.tickInBar(start),
		DurationTick:  duration,
		SpanFrom:      sp.From,
		SpanTo:        sp.To,
	})
	r.applyOrigin(idx, origin)
	voice.lastOctave, voice.hasOctave = octave, hasOctave
	voice.lastNoteIdx = idx
	voice.lastUnit = duration
}

func (r *resolver) applyOrigin(idx int, origin *ast.Origin) {
	if origin == nil {
		return
	}
	r.events[idx].SpanFrom = origin.DefFrom
	r.events[idx].SpanTo = origin.DefTo
	r.events[idx].HasInvoked = true
	r.events[idx].SpanInvokedFrom = origin.CallFrom
	r.events[idx].SpanInvokedTo = origin.CallTo
}

func (r *resolver) barIndex(beats rational.Rational) int {
	bl := r.barLength()
	if bl.Sign() <= 0 {
		return 0
	}
	return int(math.Floor(beats.Float64() / bl.Float64()))
}

func (r *resolver) tickInBar(beats rational.Rational) rational.Rational {
	bl := r.barLength()
	bar := r.barIndex(beats)
	return beats.Sub(rational.FromInt(int64(bar)).Mul(bl))
}

func absInt(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
