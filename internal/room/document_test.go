package room

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocument_Lifecycle(t *testing.T) {
	req := require.New(t)
	doc := NewDocument(LastWriteWins)
	req.Equal(DocumentEmpty, doc.state)

	req.NoError(doc.Seed(Template("go")))
	req.Equal(DocumentSeeded, doc.state)
	revision, content := doc.Snapshot()
	req.Zero(revision)
	req.Contains(content, "package main")

	revision, err := doc.Submit(0, "foo")
	req.NoError(err)
	req.Equal(int64(1), revision)
	req.Equal(DocumentActive, doc.state)

	req.ErrorIs(doc.Seed("again"), ErrCorrupted)
}

func TestDocument_LastWriteWins_Accepts_Stale_Base(t *testing.T) {
	req := require.New(t)
	doc := NewDocument(LastWriteWins)
	req.NoError(doc.Seed(""))

	// Given A and B both computed against revision 0
	_, err := doc.Submit(0, "foo")
	req.NoError(err)
	revision, err := doc.Submit(0, "bar")

	// Then the later arrival wins as revision 2
	req.NoError(err)
	req.Equal(int64(2), revision)
	_, content := doc.Snapshot()
	req.Equal("bar", content)
}

func TestDocument_Strict_Rejects_Stale_Base(t *testing.T) {
	req := require.New(t)
	doc := NewDocument(Strict)
	req.NoError(doc.Seed(""))
	_, err := doc.Submit(0, "foo")
	req.NoError(err)

	current, err := doc.Submit(0, "bar")
	req.ErrorIs(err, ErrStale)
	req.Equal(int64(1), current)
	_, content := doc.Snapshot()
	req.Equal("foo", content)
}

func TestDocument_Unseeded_And_Corrupted(t *testing.T) {
	req := require.New(t)
	doc := NewDocument(LastWriteWins)
	_, err := doc.Submit(0, "x")
	req.ErrorIs(err, ErrCorrupted)

	doc = NewDocument(LastWriteWins)
	req.NoError(doc.Seed(""))
	doc.revision = -4
	req.ErrorIs(doc.Check(), ErrCorrupted)
	_, err = doc.Submit(0, "x")
	req.ErrorIs(err, ErrCorrupted)
}

func TestTemplate_Unknown_Language_Is_Empty(t *testing.T) {
	require.Empty(t, Template("cobol"))
	require.NotEmpty(t, Template("python"))
}
