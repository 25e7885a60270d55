// Package session holds the process-wide fileId -> compiled-artifact
// map. Each entry is an immutable snapshot; a rebuild computes a new
// snapshot off to the side and swaps it in atomically, so readers
// never need to take a per-node lock and never observe a torn update
// (spec §5's arena model).
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/RikaKagurasaka/symi/diag"
	"github.com/RikaKagurasaka/symi/expand"
	"github.com/RikaKagurasaka/symi/lexer"
	"github.com/RikaKagurasaka/symi/parser"
	"github.com/RikaKagurasaka/symi/resolve"
	"github.com/RikaKagurasaka/symi/token"
)

// Entry is one file's latest compiled artifacts, plus the monotone
// version that produced them so callers can detect a stale read.
type Entry struct {
	Source      string
	SourceHash  string
	Version     uint64
	Tokens      []token.Token
	Diagnostics []diag.Diagnostic
	Events      []resolve.Event
}

// Store is the process-wide session. The zero value is not usable;
// construct with New.
type Store struct {
	slots sync.Map // fileId string -> *atomic.Pointer[Entry]
	seq   atomic.Uint64
	log   *log.Logger
}

// New returns an empty Store. logger may be nil, in which case
// log.Default() is used.
func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{log: logger}
}

func (s *Store) slotFor(fileId string) *atomic.Pointer[Entry] {
	slot, _ := s.slots.LoadOrStore(fileId, new(atomic.Pointer[Entry]))
	return slot.(*atomic.Pointer[Entry])
}

// FileUpdate re-runs lexer -> parser -> expander -> resolver over
// source and installs the result as fileId's current entry. Updates
// for distinct fileIds never contend; updates racing on the same
// fileId install in call order regardless of which rebuild happens to
// finish computing first, since the install step only ever overwrites
// an older version (last-writer-wins by monotone sequence, per §5).
func (s *Store) FileUpdate(fileId, source string) []diag.Diagnostic {
	mySeq := s.seq.Add(1)
	rebuildID := uuid.NewString()
	entry := compile(source, mySeq)

	slot := s.slotFor(fileId)
	for {
		old := slot.Load()
		if old != nil && old.Version >= mySeq {
			s.log.Debug("discarding stale rebuild", "rebuild", rebuildID, "fileId", fileId, "version", mySeq, "current", old.Version)
			return entry.Diagnostics
		}
		if slot.CompareAndSwap(old, entry) {
			break
		}
	}
	s.log.Info("rebuilt", "rebuild", rebuildID, "fileId", fileId, "version", mySeq, "diagnostics", len(entry.Diagnostics))
	return entry.Diagnostics
}

// FileUpdateMany runs FileUpdate for each (fileId, source) pair
// concurrently, returning the per-file diagnostics in the same order
// as updates. This is how a host applies a batch of edits across
// distinct open files in parallel, per §5's "distinct file IDs run in
// parallel."
func (s *Store) FileUpdateMany(fileIds, sources []string) ([][]diag.Diagnostic, error) {
	results := make([][]diag.Diagnostic, len(fileIds))
	var g errgroup.Group
	for i := range fileIds {
		i := i
		g.Go(func() error {
			results[i] = s.FileUpdate(fileIds[i], sources[i])
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func compile(source string, version uint64) *Entry {
	toks, lexDiags := lexer.Tokenize([]byte(source))

	root, parseDiags := parser.Parse(toks)
	diags := append(append([]diag.Diagnostic{}, lexDiags...), parseDiags...)

	expanded, expandDiags := expand.Expand(root)
	diags = append(diags, expandDiags...)

	events, resolveDiags := resolve.Resolve(expanded)
	diags = append(diags, resolveDiags...)

	return &Entry{
		Source:      source,
		SourceHash:  hashSource(source),
		Version:     version,
		Tokens:      toks,
		Diagnostics: diags,
		Events:      events,
	}
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// FileClose drops fileId's entry entirely.
func (s *Store) FileClose(fileId string) {
	s.slots.Delete(fileId)
}

// GetEntry returns fileId's current snapshot, or (nil, false) if it
// has never been updated or has been closed.
func (s *Store) GetEntry(fileId string) (*Entry, bool) {
	slot, ok := s.slots.Load(fileId)
	if !ok {
		return nil, false
	}
	entry := slot.(*atomic.Pointer[Entry]).Load()
	if entry == nil {
		return nil, false
	}
	return entry, true
}

func (s *Store) GetTokens(fileId string) ([]token.Token, bool) {
	e, ok := s.GetEntry(fileId)
	if !ok {
		return nil, false
	}
	return e.Tokens, true
}

func (s *Store) GetDiagnostics(fileId string) ([]diag.Diagnostic, bool) {
	e, ok := s.GetEntry(fileId)
	if !ok {
		return nil, false
	}
	return e.Diagnostics, true
}

func (s *Store) GetEvents(fileId string) ([]resolve.Event, bool) {
	e, ok := s.GetEntry(fileId)
	if !ok {
		return nil, false
	}
	return e.Events, true
}

// Stats summarizes the store's current occupancy, mainly for
// diagnostics/telemetry surfaces.
type Stats struct {
	OpenFiles int
}

func (s *Store) Stats() Stats {
	n := 0
	s.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return Stats{OpenFiles: n}
}
