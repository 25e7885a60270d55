// Package lexer tokenizes Symi source text. Tokenize never fails:
// an unrecognized byte becomes an Identifier token of its own (one
// token per whole UTF-8 rune for multi-byte characters) or is folded
// into an adjacent token per the disambiguation rules in
// spec §4.1. Malformed literals are repaired in place and reported
// through the returned diagnostics rather than aborting the scan.
package lexer

import (
	"unicode/utf8"

	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/token"
)

// Tokenize scans src and returns the full token stream (trivia
// included) plus any lex-time diagnostics (e.g. an unclosed "[").
// Token spans are monotone and cover [0, len(src)) with no overlap.
func Tokenize(src []byte) ([]token.Token, []diag.Diagnostic) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		l.scanOne()
	}
	return l.tokens, l.diags
}

type lexer struct {
	src    []byte
	pos    int
	tokens []token.Token
	diags  []diag.Diagnostic
}

func (l *lexer) emit(kind token.Kind, from, to int) {
	l.tokens = append(l.tokens, token.Token{
		Kind: kind,
		From: from,
		To:   to,
		Text: string(l.src[from:to]),
	})
	l.pos = to
}

func (l *lexer) byteAt(i int) byte {
	if i < 0 || i >= len(l.src) {
		return 0
	}
	return l.src[i]
}

func isDigit(b byte) bool      { return b >= '0' && b <= '9' }
func isUpperNote(b byte) bool  { return b >= 'A' && b <= 'G' }
func isIdentStart(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_' }
func isIdentCont(b byte) bool  { return isIdentStart(b) || isDigit(b) }
func isWordChar(b byte) bool   { return isIdentCont(b) }

func (l *lexer) scanOne() {
	start := l.pos
	b := l.src[start]

	switch {
	case b == '/' && l.byteAt(start+1) == '/':
		l.scanComment(start)
	case b == '\n':
		l.emit(token.Newline, start, start+1)
	case b == ' ' || b == '\t' || b == '\r':
		l.scanWhitespace(start)
	case b == '[':
		l.scanBracket(start)
	case b == '{':
		l.scanQuantize(start)
	case isDigit(b):
		l.scanNumeric(start)
	case isUpperNote(b):
		l.scanIdentOrSpell(start)
	case b == '-':
		l.scanDashOrSustain(start)
	case b == '.':
		l.scanDots(start)
	case isIdentStart(b):
		l.scanIdentOrSpell(start)
	default:
		l.scanPunct(start)
	}
}

func (l *lexer) scanComment(start int) {
	i := start
	for i < len(l.src) && l.src[i] != '\n' {
		i++
	}
	l.emit(token.Comment, start, i)
}

func (l *lexer) scanWhitespace(start int) {
	i := start
	for i < len(l.src) {
		b := l.src[i]
		if b == ' ' || b == '\t' || b == '\r' {
			i++
			continue
		}
		break
	}
	l.emit(token.Whitespace, start, i)
}

// scanBracket handles rule 2: "[" followed by one-or-more "," then
// "]" -> DurationCommas; else "[" optional "-" digits (":" digits)? "]"
// -> DurationFraction; else "[" alone is error-repaired to
// DurationFraction(1) with a diagnostic.
func (l *lexer) scanBracket(start int) {
	i := start + 1

	// one-or-more commas then "]"
	if i < len(l.src) && l.src[i] == ',' {
		j := i
		for j < len(l.src) && l.src[j] == ',' {
			j++
		}
		if j < len(l.src) && l.src[j] == ']' {
			l.emit(token.DurationCommas, start, j+1)
			return
		}
	}

	j := i
	if j < len(l.src) && l.src[j] == '-' {
		j++
	}
	digitsStart := j
	for j < len(l.src) && isDigit(l.src[j]) {
		j++
	}
	if j > digitsStart {
		if j < len(l.src) && l.src[j] == ':' {
			k := j + 1
			denStart := k
			for k < len(l.src) && isDigit(l.src[k]) {
				k++
			}
			if k > denStart && k < len(l.src) && l.src[k] == ']' {
				l.emit(token.DurationFraction, start, k+1)
				return
			}
		}
		if j < len(l.src) && l.src[j] == ']' {
			l.emit(token.DurationFraction, start, j+1)
			return
		}
	}

	// "[" alone (or malformed content): error-repair to DurationFraction(1).
	l.diags = append(l.diags, diag.Errorf(start, start+1, "malformed duration bracket, treated as [1]"))
	l.emit(token.DurationFraction, start, start+1)
}

// scanQuantize handles rule 3: "{" digits (":" digits)? "}" -> Quantize.
// A "{" that doesn't match the pattern falls back to a single-byte
// LBrace punctuation token.
func (l *lexer) scanQuantize(start int) {
	j := start + 1
	numStart := j
	for j < len(l.src) && isDigit(l.src[j]) {
		j++
	}
	if j == numStart {
		l.emit(token.LBrace, start, start+1)
		return
	}
	if j < len(l.src) && l.src[j] == ':' {
		k := j + 1
		denStart := k
		for k < len(l.src) && isDigit(l.src[k]) {
			k++
		}
		if k > denStart && k < len(l.src) && l.src[k] == '}' {
			l.emit(token.Quantize, start, k+1)
			return
		}
	}
	if j < len(l.src) && l.src[j] == '}' {
		l.emit(token.Quantize, start, j+1)
		return
	}
	l.emit(token.LBrace, start, start+1)
}

// scanNumeric handles rule 4: ratio / edo / cents / frequency
// disambiguation for a numeric run.
func (l *lexer) scanNumeric(start int) {
	i := start
	for i < len(l.src) && isDigit(l.src[i]) {
		i++
	}

	// n/m -> PitchRatio
	if i < len(l.src) && l.src[i] == '/' && isDigit(l.byteAt(i+1)) {
		j := i + 1
		for j < len(l.src) && isDigit(l.src[j]) {
			j++
		}
		l.emit(token.PitchRatio, start, j)
		return
	}

	// n\m -> PitchEdo
	if i < len(l.src) && l.src[i] == '\\' && isDigit(l.byteAt(i+1)) {
		j := i + 1
		for j < len(l.src) && isDigit(l.src[j]) {
			j++
		}
		l.emit(token.PitchEdo, start, j)
		return
	}

	// a dangling "/" or "\" with no digits following is a malformed
	// ratio/edo literal, not a valid token of any other kind (spec §7:
	// "malformed numeric literal -> Warning, treated as identifier").
	// A "/" immediately followed by another "/" is a comment start,
	// not a malformed ratio, and is left for the next scan.
	if i < len(l.src) && (l.src[i] == '\\' || (l.src[i] == '/' && l.byteAt(i+1) != '/')) {
		end := i + 1
		l.diags = append(l.diags, diag.Warningf(start, end, "malformed numeric literal %q, treated as identifier", l.src[start:end]))
		l.emit(token.Identifier, start, end)
		return
	}

	// n followed directly by "c" at a word boundary -> PitchCents
	if i < len(l.src) && l.src[i] == 'c' && !isIdentCont(l.byteAt(i+1)) {
		l.emit(token.PitchCents, start, i+1)
		return
	}

	// optional decimal extension
	end := i
	if end < len(l.src) && l.src[end] == '.' && isDigit(l.byteAt(end+1)) {
		end++
		for end < len(l.src) && isDigit(l.src[end]) {
			end++
		}

		// a second decimal point immediately continuing the run is a
		// malformed numeric literal, not a second valid token.
		if end < len(l.src) && l.src[end] == '.' && isDigit(l.byteAt(end+1)) {
			end++
			for end < len(l.src) && isDigit(l.src[end]) {
				end++
			}
			l.diags = append(l.diags, diag.Warningf(start, end, "malformed numeric literal %q, treated as identifier", l.src[start:end]))
			l.emit(token.Identifier, start, end)
			return
		}

		// "n.mc" -> PitchCents with a decimal value
		if end < len(l.src) && l.src[end] == 'c' && !isIdentCont(l.byteAt(end+1)) {
			l.emit(token.PitchCents, start, end+1)
			return
		}
	}
	l.emit(token.PitchFrequency, start, end)
}

// scanIdentOrSpell implements rule 5 (pitch spelling) vs rule 8
// (identifier), resolved by longest-match with the tie-break in
// spec §4.1: on equal length, prefer the pitch spelling.
func (l *lexer) scanIdentOrSpell(start int) {
	identEnd := start
	for identEnd < len(l.src) && isIdentCont(l.src[identEnd]) {
		identEnd++
	}

	spellEnd := start
	hasOctave := false
	if isUpperNote(l.src[start]) {
		j := start + 1
		for j < len(l.src) && (l.src[j] == '#' || l.src[j] == 'b') {
			j++
		}
		octStart := j
		if j < len(l.src) && (l.src[j] == '-' || l.src[j] == '+') && isDigit(l.byteAt(j+1)) {
			j++
		}
		digitsFrom := j
		for j < len(l.src) && isDigit(l.src[j]) {
			j++
		}
		if j > digitsFrom {
			hasOctave = true
		} else {
			j = octStart
		}
		for j < len(l.src) && (l.src[j] == '+' || l.src[j] == '-') {
			j++
		}
		spellEnd = j
	}

	if spellEnd > start && spellEnd >= identEnd {
		kind := token.PitchSpellSimple
		if hasOctave {
			kind = token.PitchSpellOctave
		}
		l.emit(kind, start, spellEnd)
		return
	}
	l.emit(token.Identifier, start, identEnd)
}

// scanDashOrSustain implements rule 6: every "-" that reaches it is
// PitchSustain, whether or not a digit follows. A "-" inside a pitch
// spelling or a "[...]" duration is consumed by those scanners first;
// no negative numeric literal is produced.
func (l *lexer) scanDashOrSustain(start int) {
	l.emit(token.PitchSustain, start, start+1)
}

// scanDots implements rule 7: "." runs -> PitchRest.
func (l *lexer) scanDots(start int) {
	i := start
	for i < len(l.src) && l.src[i] == '.' {
		i++
	}
	l.emit(token.PitchRest, start, i)
}

func (l *lexer) scanPunct(start int) {
	size := 1
	if !utf8.RuneStart(l.src[start]) {
		size = 1
	} else if sz := runeSize(l.src, start); sz > 1 {
		size = sz
	}
	kind, ok := singleCharKinds[l.src[start]]
	if !ok {
		l.emit(token.Identifier, start, start+size)
		return
	}
	l.emit(kind, start, start+1)
}

func runeSize(src []byte, start int) int {
	_, size := utf8.DecodeRune(src[start:])
	if size <= 0 {
		return 1
	}
	return size
}

var singleCharKinds = map[byte]token.Kind{
	',': token.Comma,
	':': token.Colon,
	';': token.Semicolon,
	'@': token.At,
	'=': token.Equals,
	'(': token.LParen,
	')': token.RParen,
	'<': token.LAngle,
	'>': token.RAngle,
	'[': token.LBracket,
	']': token.RBracket,
	'{': token.LBrace,
	'}': token.RBrace,
}
