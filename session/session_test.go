package session_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RikaKagurasaka/symi/resolve"
	"github.com/RikaKagurasaka/symi/session"
)

func TestFileUpdateThenQuery(t *testing.T) {
	s := session.New(nil)
	diags := s.FileUpdate("a.symi", "(4/4)(120) C4,D4,E4,F4,")
	assert.Empty(t, diags)

	toks, ok := s.GetTokens("a.symi")
	require.True(t, ok)
	assert.NotEmpty(t, toks)

	events, ok := s.GetEvents("a.symi")
	require.True(t, ok)
	var notes []resolve.Event
	for _, e := range events {
		if e.Kind == resolve.KindNote {
			notes = append(notes, e)
		}
	}
	assert.Len(t, notes, 4)
}

func TestUnknownFileIdIsAbsent(t *testing.T) {
	s := session.New(nil)
	_, ok := s.GetEvents("never-opened.symi")
	assert.False(t, ok)
}

func TestFileCloseDropsEntry(t *testing.T) {
	s := session.New(nil)
	s.FileUpdate("a.symi", "C4,")
	_, ok := s.GetEvents("a.symi")
	require.True(t, ok)

	s.FileClose("a.symi")
	_, ok = s.GetEvents("a.symi")
	assert.False(t, ok)
}

// A later update must never lose to an earlier one that happens to
// finish installing afterward, since versions are assigned at call
// start and the install step only overwrites an older version.
func TestLastWriterWinsUnderConcurrentUpdates(t *testing.T) {
	s := session.New(nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.FileUpdate("a.symi", "C4,")
		}(i)
	}
	wg.Wait()

	entry, ok := s.GetEntry("a.symi")
	require.True(t, ok)
	assert.Equal(t, uint64(n), entry.Version)
}

func TestFileUpdateManyRunsDistinctFilesConcurrently(t *testing.T) {
	s := session.New(nil)
	ids := []string{"a.symi", "b.symi", "c.symi"}
	sources := []string{"C4,", "D4,", "bad token @@@"}

	results, err := s.FileUpdateMany(ids, sources)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, id := range ids {
		_, ok := s.GetEvents(id)
		assert.True(t, ok)
	}
}

func TestStatsCountsOpenFiles(t *testing.T) {
	s := session.New(nil)
	assert.Equal(t, 0, s.Stats().OpenFiles)

	s.FileUpdate("a.symi", "C4,")
	s.FileUpdate("b.symi", "D4,")
	assert.Equal(t, 2, s.Stats().OpenFiles)

	s.FileClose("a.symi")
	assert.Equal(t, 1, s.Stats().OpenFiles)
}

func TestSourceHashChangesWithSource(t *testing.T) {
	s := session.New(nil)
	s.FileUpdate("a.symi", "C4,")
	e1, _ := s.GetEntry("a.symi")

	s.FileUpdate("a.symi", "D4,")
	e2, _ := s.GetEntry("a.symi")

	assert.NotEqual(t, e1.SourceHash, e2.SourceHash)
}
