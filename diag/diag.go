// Package diag holds the Diagnostic type shared by every pipeline
// stage (lexer, parser, expander, resolver, MIDI emitter).
package diag

import "fmt"

// Severity distinguishes diagnostics that leave the pipeline producing
// a best-effort result (Warning) from ones where the offending
// construct was dropped or replaced with a neutral default (Error).
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic carries a message and a half-open byte span into the
// source buffer that produced it.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	From     int      `json:"from"`
	To       int      `json:"to"`
}

func New(sev Severity, from, to int, format string, args ...any) Diagnostic {
	return Diagnostic{
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		From:     from,
		To:       to,
	}
}

func Warningf(from, to int, format string, args ...any) Diagnostic {
	return New(Warning, from, to, format, args...)
}

func Errorf(from, to int, format string, args ...any) Diagnostic {
	return New(Error, from, to, format, args...)
}

// String renders a diagnostic in "from:to: severity: message" form,
// used by cmd/symi's human-readable output path.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.From, d.To, d.Severity, d.Message)
}
