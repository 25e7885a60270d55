// Package token defines the lexical token kinds and spans produced by
// the lexer and consumed by the parser.
package token

import "fmt"

// Kind enumerates every token kind the lexer can produce. Trivia kinds
// (Whitespace, Newline, Comment) are preserved with spans but ignored
// by the parser.
type Kind int

const (
	Whitespace Kind = iota
	Newline
	Comment
	Comma
	Colon
	Semicolon
	At
	Equals
	LParen
	RParen
	LAngle
	RAngle
	LBracket
	RBracket
	LBrace
	RBrace
	Identifier
	PitchSpellOctave
	PitchSpellSimple
	PitchFrequency
	PitchRatio
	PitchEdo
	PitchCents
	PitchRest
	PitchSustain
	DurationFraction
	DurationCommas
	Quantize
)

var names = map[Kind]string{
	Whitespace:       "Whitespace",
	Newline:          "Newline",
	Comment:          "Comment",
	Comma:            "Comma",
	Colon:            "Colon",
	Semicolon:        "Semicolon",
	At:               "At",
	Equals:           "Equals",
	LParen:           "LParen",
	RParen:           "RParen",
	LAngle:           "LAngle",
	RAngle:           "RAngle",
	LBracket:         "LBracket",
	RBracket:         "RBracket",
	LBrace:           "LBrace",
	RBrace:           "RBrace",
	Identifier:       "Identifier",
	PitchSpellOctave: "PitchSpellOctave",
	PitchSpellSimple: "PitchSpellSimple",
	PitchFrequency:   "PitchFrequency",
	PitchRatio:       "PitchRatio",
	PitchEdo:         "PitchEdo",
	PitchCents:       "PitchCents",
	PitchRest:        "PitchRest",
	PitchSustain:     "PitchSustain",
	DurationFraction: "DurationFraction",
	DurationCommas:   "DurationCommas",
	Quantize:         "Quantize",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsTrivia reports whether tokens of this kind are skipped by the parser.
func (k Kind) IsTrivia() bool {
	return k == Whitespace || k == Newline || k == Comment
}

// Token is a half-open byte span [From, To) tagged with its Kind.
// Text carries the raw source slice so downstream stages never need
// to re-slice the original buffer.
type Token struct {
	Kind Kind
	From int
	To   int
	Text string
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%d:%d]%q", t.Kind, t.From, t.To, t.Text)
}
