package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"inkdrop/pkg/models"

	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	s := NewService(filepath.Join(root, "ingest"), filepath.Join(root, "tmp"))
	require.NoError(t, s.EnsureDirectories())
	return s
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name   string
		book   models.BookInfo
		format string
		want   string
	}{
		{"author and title", models.BookInfo{ID: "x", Title: "Dune", Author: "Frank Herbert"}, "epub", "Frank Herbert - Dune.epub"},
		{"placeholder author", models.BookInfo{ID: "x", Title: "Dune", Author: "Unknown Author"}, ".EPUB", "Dune.epub"},
		{"no metadata", models.BookInfo{ID: "abc123"}, "pdf", "abc123.pdf"},
		{"unsafe characters", models.BookInfo{ID: "x", Title: "a/b: c?", Author: "d"}, "epub", "d - a_b_ c_.epub"},
		{"no format", models.BookInfo{ID: "abc"}, "", "abc.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FileName(tt.book, tt.format))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "untitled", SanitizeFilename("  "))
	require.Equal(t, "untitled", SanitizeFilename(".."))
	require.Equal(t, "_etc_passwd", SanitizeFilename("/etc/passwd"))
}

func TestService_UniquePath(t *testing.T) {
	s := newService(t)
	dir := s.IngestDir()

	first := s.UniquePath(dir, "book.epub")
	require.Equal(t, filepath.Join(dir, "book.epub"), first)
	require.NoError(t, os.WriteFile(first, []byte("1"), 0o644))

	second := s.UniquePath(dir, "book.epub")
	require.Equal(t, filepath.Join(dir, "book(1).epub"), second)
}

func TestService_Place(t *testing.T) {
	s := newService(t)
	temp := s.TempPath(7, "abc123")
	require.Equal(t, "abc123.7.part", filepath.Base(temp))
	require.NoError(t, os.WriteFile(temp, []byte("book"), 0o644))

	path, err := s.Place(temp, models.BookInfo{ID: "abc123", Title: "Dune", Author: "Frank Herbert"}, "epub")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.IngestDir(), "Frank Herbert - Dune.epub"), path)

	_, err = os.Stat(temp)
	require.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "book", string(data))
}

func TestService_ValidatePath(t *testing.T) {
	s := newService(t)

	path, err := s.ValidatePath("book.epub")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.IngestDir(), "book.epub"), path)

	_, err = s.ValidatePath("../escape.epub")
	require.Error(t, err)

	_, err = s.ValidatePath("/etc/passwd")
	require.Error(t, err)

	_, err = s.ValidatePath("")
	require.Error(t, err)
}

func TestService_CleanupPartials(t *testing.T) {
	s := newService(t)

	old := s.TempPath(1, "old")
	fresh := s.TempPath(2, "fresh")
	other := filepath.Join(filepath.Dir(old), "keep.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	removed, err := s.CleanupPartials(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.FileExists(t, fresh)

	removed, err = s.CleanupPartials(0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.FileExists(t, other)
}
