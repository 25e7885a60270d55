// Package parser builds a Symi AST from a token stream. The parser is
// error-tolerant: it never aborts the file; unexpected tokens produce
// an Error diagnostic and are skipped until a synchronizing token
// (",", ";", newline, or a closing bracket).
package parser

import (
	"strconv"
	"strings"

	"github.com/RikaKagurasaka/symi/ast"
	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/rational"
	"github.com/RikaKagurasaka/symi/token"
)

// Parse builds the AST for the given token stream (as produced by
// lexer.Tokenize, trivia included) and returns its own parse
// diagnostics; lexer diagnostics are not included and are merged in by
// the caller.
func Parse(tokens []token.Token) (*ast.Root, []diag.Diagnostic) {
	p := &parser{}
	lines := splitLines(tokens)

	var items []ast.Node
	for _, ln := range lines {
		if len(ln) == 0 {
			continue
		}
		items = append(items, p.parseLine(ln)...)
	}

	sp := ast.Span{}
	if len(tokens) > 0 {
		sp = ast.Span{From: tokens[0].From, To: tokens[len(tokens)-1].To}
	}
	return &ast.Root{Items: items, Sp: sp}, p.diags
}

type parser struct {
	diags []diag.Diagnostic
}

func (p *parser) errorf(from, to int, format string, args ...any) {
	p.diags = append(p.diags, diag.Errorf(from, to, format, args...))
}

// splitLines groups significant (non-trivia) tokens by physical line.
func splitLines(tokens []token.Token) [][]token.Token {
	var lines [][]token.Token
	var cur []token.Token
	for _, t := range tokens {
		if t.Kind.IsTrivia() {
			if t.Kind == token.Newline {
				lines = append(lines, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, t)
	}
	lines = append(lines, cur)
	return lines
}

func lineSpan(ln []token.Token) ast.Span {
	if len(ln) == 0 {
		return ast.Span{}
	}
	return ast.Span{From: ln[0].From, To: ln[len(ln)-1].To}
}

// --- line-level dispatch ---

// parseLine handles one physical line, which may carry any number of
// leading control headers ("(...)" time-sig/bpm, "<...>" base-freq)
// followed by at most one trailing construct: a macro definition, a
// ghost line, a colon-chord, or a plain sequence. Each recognized
// piece becomes its own Root item.
func (p *parser) parseLine(ln []token.Token) []ast.Node {
	var out []ast.Node
	i := 0
	for i < len(ln) {
		switch ln[i].Kind {
		case token.LParen:
			end := matchingClose(ln, i, token.LParen, token.RParen)
			inner := ln[i+1 : end]
			if len(inner) > 0 && inner[len(inner)-1].Kind == token.RParen {
				inner = inner[:len(inner)-1]
			}
			isControl := (len(inner) == 1 && (inner[0].Kind == token.PitchRatio || inner[0].Kind == token.PitchFrequency)) ||
				(len(inner) == 3 && inner[0].Kind == token.DurationFraction && inner[1].Kind == token.Equals)
			if !isControl {
				break // a group, left for the sequence parser
			}
			out = append(out, p.parseControlHeader(ln[i:end], lineSpan(ln[i:end])))
			i = end
			continue
		case token.LAngle:
			end := matchingClose(ln, i, token.LAngle, token.RAngle)
			out = append(out, p.parseBaseFreqHeader(ln[i:end], lineSpan(ln[i:end])))
			i = end
			continue
		}
		break
	}

	rest := ln[i:]
	if len(rest) == 0 {
		return out
	}
	sp := lineSpan(rest)

	if rest[0].Kind == token.Equals {
		body := p.parseSequence(rest[1:])
		return append(out, &ast.GhostLine{Body: body, Sp: sp})
	}

	if rest[0].Kind == token.Identifier {
		if len(rest) >= 4 && rest[1].Kind == token.LParen && rest[2].Kind == token.RParen && rest[3].Kind == token.Equals {
			body := p.parseSequence(rest[4:])
			return append(out, &ast.MacroDef{Name: rest[0].Text, HasRelativeMarker: true, Body: body, Sp: sp})
		}
		if len(rest) >= 2 && rest[1].Kind == token.Equals {
			body := p.parseSequence(rest[2:])
			return append(out, &ast.MacroDef{Name: rest[0].Text, HasRelativeMarker: false, Body: body, Sp: sp})
		}
		if len(rest) >= 2 && rest[1].Kind == token.Colon {
			call := &ast.MacroCall{Name: rest[0].Text, Sp: ast.Span{From: rest[0].From, To: rest[0].To}}
			rhs := p.parseSequence(rest[2:])
			return append(out, &ast.Chord{Voices: []ast.Node{
				&ast.AtomRun{Atoms: []ast.Node{call}, Sp: call.Sp},
				rhs,
			}, Sp: sp})
		}
	}

	return append(out, p.parseSequence(rest))
}

// matchingClose returns the index one past the close bracket matching
// the open bracket at ln[start], or len(ln) if unterminated.
func matchingClose(ln []token.Token, start int, open, close token.Kind) int {
	depth := 0
	for i := start; i < len(ln); i++ {
		switch ln[i].Kind {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(ln)
}

func (p *parser) parseControlHeader(ln []token.Token, sp ast.Span) ast.Node {
	if ln[len(ln)-1].Kind != token.RParen {
		p.errorf(ln[0].From, ln[len(ln)-1].To, "unclosed control header")
	}
	inner := ln[1:]
	if len(inner) > 0 && inner[len(inner)-1].Kind == token.RParen {
		inner = inner[:len(inner)-1]
	}

	if len(inner) == 1 && inner[0].Kind == token.PitchRatio {
		num, den := parseIntRatio(inner[0].Text)
		return &ast.ControlTimeSig{Num: num, Den: den, Sp: sp}
	}

	if len(inner) == 1 {
		bpm := parseFloatLoose(inner[0].Text)
		return &ast.ControlBpm{Bpm: bpm, Sp: sp}
	}

	if len(inner) == 3 && inner[0].Kind == token.DurationFraction && inner[1].Kind == token.Equals {
		num, den, dotted := parseDurationFractionText(inner[0].Text)
		bpm := parseFloatLoose(inner[2].Text)
		return &ast.ControlBpm{
			HasBeatFraction: true,
			BeatFraction:    rational.New(absInt64(num), den),
			Dotted:          dotted,
			Bpm:             bpm,
			Sp:              sp,
		}
	}

	p.errorf(sp.From, sp.To, "malformed control header")
	return &ast.ControlBpm{Bpm: 120, Sp: sp}
}

func (p *parser) parseBaseFreqHeader(ln []token.Token, sp ast.Span) ast.Node {
	if ln[len(ln)-1].Kind != token.RAngle {
		p.errorf(ln[0].From, ln[len(ln)-1].To, "unclosed base-frequency header")
	}
	inner := ln[1:]
	if len(inner) > 0 && inner[len(inner)-1].Kind == token.RAngle {
		inner = inner[:len(inner)-1]
	}

	var items []ast.BaseFreqItem
	i := 0
	for i < len(inner) {
		if inner[i].Kind == token.Comma {
			i++
			continue
		}
		first, ok := p.tryParsePitchToken(inner[i])
		if !ok {
			p.errorf(inner[i].From, inner[i].To, "expected pitch in base-frequency header")
			i++
			continue
		}
		i++
		if i < len(inner) && inner[i].Kind == token.Equals {
			i++
			if i >= len(inner) {
				p.errorf(sp.From, sp.To, "expected pitch after '=' in base-frequency header")
				break
			}
			second, ok := p.tryParsePitchToken(inner[i])
			if !ok {
				p.errorf(inner[i].From, inner[i].To, "expected pitch after '=' in base-frequency header")
				i++
				continue
			}
			i++
			items = append(items, ast.BaseFreqItem{HasFrom: true, From: first, To: second})
		} else {
			items = append(items, ast.BaseFreqItem{HasFrom: false, To: first})
		}
	}
	return &ast.ControlBaseFreq{Items: items, Sp: sp}
}

// --- sequence / item / atom parsing ---

func (p *parser) parseSequence(toks []token.Token) *ast.Sequence {
	sp := lineSpan(toks)
	var items []ast.Node
	i := 0
	for i < len(toks) {
		if toks[i].Kind == token.Comma {
			i++
			continue
		}
		item, next := p.parseItem(toks, i)
		if item != nil {
			items = append(items, item)
		}
		if next <= i {
			next = i + 1 // never loop forever on an unconsumed token
		}
		i = next
	}
	return &ast.Sequence{Items: items, Sp: sp}
}

// parseItem parses one comma-delimited item: a Chord (AtomSeq (';'
// AtomSeq)+) or a single AtomSeq ("Item := Chord | Atom" generalized
// to runs of atoms, matching the resolver's AtomSeq usage in §4.4).
func (p *parser) parseItem(toks []token.Token, i int) (ast.Node, int) {
	start := i
	run, i := p.parseAtomRun(toks, i)
	if run == nil && i < len(toks) && toks[i].Kind != token.Semicolon {
		// Unexpected token with nothing consumable: synchronize.
		p.errorf(toks[i].From, toks[i].To, "unexpected token %s", toks[i].Kind)
		j := i
		for j < len(toks) && toks[j].Kind != token.Comma && toks[j].Kind != token.Semicolon {
			j++
		}
		return nil, j
	}

	if i >= len(toks) || toks[i].Kind != token.Semicolon {
		if run == nil {
			return nil, i
		}
		return run, i
	}

	voices := []ast.Node{run}
	for i < len(toks) && toks[i].Kind == token.Semicolon {
		i++
		voice, next := p.parseAtomRun(toks, i)
		i = next
		if voice != nil {
			voices = append(voices, voice)
		}
	}
	sp := lineSpan(toks[start:minInt(i, len(toks))])
	return &ast.Chord{Voices: voices, Sp: sp}, i
}

// parseAtomRun greedily parses atoms until a comma, semicolon, closing
// bracket (handled by the caller owning that bracket), or end of the
// token slice.
func (p *parser) parseAtomRun(toks []token.Token, i int) (*ast.AtomRun, int) {
	start := i
	var atoms []ast.Node
	for i < len(toks) {
		switch toks[i].Kind {
		case token.Comma, token.Semicolon, token.RParen:
			goto done
		}
		atom, next := p.parseAtom(toks, i)
		if atom == nil {
			goto done
		}
		atoms = append(atoms, atom)
		i = next
	}
done:
	if len(atoms) == 0 {
		return nil, i
	}
	sp := atoms[0].Span()
	sp = sp.Cover(atoms[len(atoms)-1].Span())
	_ = start
	return &ast.AtomRun{Atoms: atoms, Sp: sp}, i
}

func (p *parser) parseAtom(toks []token.Token, i int) (ast.Node, int) {
	t := toks[i]
	sp := ast.Span{From: t.From, To: t.To}

	switch t.Kind {
	case token.DurationFraction:
		num, den, dotted := parseDurationFractionText(t.Text)
		var children []ast.Node
		j := i + 1
		if j < len(toks) {
			child, next := p.parseAtom(toks, j)
			if child != nil {
				children = append(children, child)
				j = next
			}
		}
		if len(children) == 0 {
			p.errorf(t.From, t.To, "duration scope with no following atom")
		}
		end := t.To
		if len(children) > 0 {
			end = children[0].Span().To
		}
		return &ast.DurationScope{Num: num, Den: den, Dotted: dotted, Children: children, Sp: ast.Span{From: t.From, To: end}}, j

	case token.DurationCommas:
		count := strings.Count(t.Text, ",")
		return &ast.CommaDuration{CommaCount: count, Sp: sp}, i + 1

	case token.Quantize:
		// A quantize token subdivides its containing beat into M parts,
		// N of which are filled by the N atoms that follow (§4.4 rule
		// 4/5); those N atoms are still written comma-separated like
		// ordinary sequence items, so the parser must look through
		// ","  (but not ";" or a line/group boundary) to collect them,
		// leaving any comma past the Nth atom to start the next beat.
		n, m := parseQuantizeText(t.Text)
		j := i + 1
		var children []ast.Node
		for int64(len(children)) < n {
			if j < len(toks) && toks[j].Kind == token.Comma && len(children) > 0 {
				j++ // internal separator between already-collected atoms
			}
			if j >= len(toks) {
				break
			}
			if toks[j].Kind == token.Semicolon || toks[j].Kind == token.RParen || toks[j].Kind == token.Comma {
				break // nothing left to fill, or a boundary the quantize doesn't own
			}
			child, next := p.parseAtom(toks, j)
			if child == nil {
				break
			}
			children = append(children, child)
			j = next
		}
		end := t.To
		if len(children) > 0 {
			end = children[len(children)-1].Span().To
		}
		return &ast.Quantize{N: n, M: m, Children: children, Sp: ast.Span{From: t.From, To: end}}, j

	case token.LParen:
		inner, j := sliceToMatchingParen(toks, i+1)
		seq := p.parseSequence(inner)
		end := t.To
		if j < len(toks) {
			end = toks[j].To
			j++
		} else {
			p.errorf(t.From, t.To, "unclosed group")
		}
		return &ast.Group{Items: seq.Items, Sp: ast.Span{From: t.From, To: end}}, j

	case token.PitchRest:
		return &ast.Rest{Count: len([]rune(t.Text)), Sp: sp}, i + 1

	case token.PitchSustain:
		return &ast.Sustain{Sp: sp}, i + 1

	case token.PitchSpellOctave, token.PitchSpellSimple, token.PitchFrequency, token.PitchRatio, token.PitchEdo, token.PitchCents:
		pitch := parsePitchToken(t)
		if i+1 < len(toks) && toks[i+1].Kind == token.At {
			if i+2 < len(toks) && isPitchKind(toks[i+2].Kind) {
				to := parsePitchToken(toks[i+2])
				end := toks[i+2].To
				return &ast.ChainOp{From: pitch, To: to, Sp: ast.Span{From: t.From, To: end}}, i + 3
			}
			p.errorf(toks[i+1].From, toks[i+1].To, "expected pitch after '@'")
		}
		return &ast.Note{Pitch: pitch, Sp: sp}, i + 1

	case token.Identifier:
		return &ast.MacroCall{Name: t.Text, Sp: sp}, i + 1

	default:
		return nil, i
	}
}

func isPitchKind(k token.Kind) bool {
	switch k {
	case token.PitchSpellOctave, token.PitchSpellSimple, token.PitchFrequency, token.PitchRatio, token.PitchEdo, token.PitchCents:
		return true
	}
	return false
}

func (p *parser) tryParsePitchToken(t token.Token) (ast.Pitch, bool) {
	if !isPitchKind(t.Kind) {
		return ast.Pitch{}, false
	}
	return parsePitchToken(t), true
}

// sliceToMatchingParen returns the token slice strictly between the
// already-consumed "(" at start-1 and its matching ")", plus the
// index of that ")" (or len(toks) if unterminated).
func sliceToMatchingParen(toks []token.Token, start int) ([]token.Token, int) {
	depth := 0
	i := start
	for i < len(toks) {
		switch toks[i].Kind {
		case token.LParen:
			depth++
		case token.RParen:
			if depth == 0 {
				return toks[start:i], i
			}
			depth--
		}
		i++
	}
	return toks[start:], len(toks)
}

// --- literal parsing helpers ---

func parseIntRatio(text string) (int, int) {
	parts := strings.SplitN(text, "/", 2)
	n, _ := strconv.Atoi(parts[0])
	d := 1
	if len(parts) == 2 {
		d, _ = strconv.Atoi(parts[1])
	}
	return n, d
}

func parseFloatLoose(text string) float64 {
	f, _ := strconv.ParseFloat(text, 64)
	return f
}

// parseDurationFractionText parses "[n]" or "[n:m]" (optionally
// negative n) into (num, den, dotted).
func parseDurationFractionText(text string) (int64, int64, bool) {
	body := strings.TrimSuffix(strings.TrimPrefix(text, "["), "]")
	num := int64(1)
	den := int64(1)
	dotted := false
	parts := strings.SplitN(body, ":", 2)
	if n, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
		num = n
	}
	if len(parts) == 2 {
		if d, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			den = d
		}
	}
	if num < 0 {
		dotted = true
	}
	return num, den, dotted
}

// parseQuantizeText parses "{n}" (shorthand for n:n, all of n parts
// used) or "{n:m}" (n of m parts used) into (n, m).
func parseQuantizeText(text string) (int64, int64) {
	body := strings.TrimSuffix(strings.TrimPrefix(text, "{"), "}")
	parts := strings.SplitN(body, ":", 2)
	n, _ := strconv.ParseInt(parts[0], 10, 64)
	m := n
	if len(parts) == 2 {
		if d, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			m = d
		}
	}
	return n, m
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// parsePitchToken converts a pitch-kind token's raw text into its
// ast.Pitch form (parsed, not yet resolved to Hz).
func parsePitchToken(t token.Token) ast.Pitch {
	sp := ast.Span{From: t.From, To: t.To}
	switch t.Kind {
	case token.PitchFrequency:
		f := parseFloatLoose(t.Text)
		return ast.NewFrequencyPitch(f, sp)
	case token.PitchRatio:
		n, d := parseIntRatio(t.Text)
		return ast.NewRatioPitch(int64(n), int64(d), sp)
	case token.PitchEdo:
		parts := strings.SplitN(t.Text, `\`, 2)
		n, _ := strconv.ParseInt(parts[0], 10, 64)
		d := int64(12)
		if len(parts) == 2 {
			if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				d = v
			}
		}
		return ast.NewEdoPitch(n, d, sp)
	case token.PitchCents:
		body := strings.TrimSuffix(t.Text, "c")
		c := parseFloatLoose(body)
		return ast.NewCentsPitch(c, sp)
	case token.PitchSpellOctave, token.PitchSpellSimple:
		return parseSpellPitch(t.Text, sp)
	}
	return ast.Pitch{}
}

// parseSpellPitch parses "[A-G](#|b)*(-?digits)?(+|-)*" per spec §4.1
// rule 5.
func parseSpellPitch(text string, sp ast.Span) ast.Pitch {
	letter := text[0]
	i := 1
	accidentals := 0
	for i < len(text) && (text[i] == '#' || text[i] == 'b') {
		if text[i] == '#' {
			accidentals++
		} else {
			accidentals--
		}
		i++
	}
	hasOctave := false
	octave := 4
	octStart := i
	j := i
	neg := false
	if j < len(text) && (text[j] == '-' || text[j] == '+') {
		if text[j] == '-' {
			neg = true
		}
		j++
	}
	digitsFrom := j
	for j < len(text) && text[j] >= '0' && text[j] <= '9' {
		j++
	}
	if j > digitsFrom {
		n, _ := strconv.Atoi(text[digitsFrom:j])
		if neg {
			n = -n
		}
		octave = n
		hasOctave = true
		i = j
	} else {
		i = octStart
	}
	micro := 0
	for i < len(text) && (text[i] == '+' || text[i] == '-') {
		if text[i] == '+' {
			micro++
		} else {
			micro--
		}
		i++
	}
	return ast.NewSpellPitch(letter, accidentals, octave, hasOctave, micro, sp)
}
