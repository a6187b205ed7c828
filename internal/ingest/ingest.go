// Package ingest places finished downloads into the library ingest directory
package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"inkdrop/pkg/models"
)

// PartialSuffix marks files that are still being downloaded
const PartialSuffix = ".part"

const maxNameLength = 180

// Service manages the temp and ingest directories
type Service struct {
	ingestDir string
	tempDir   string
	logger    *slog.Logger
}

// NewService creates an ingest service
func NewService(ingestDir, tempDir string) *Service {
	return &Service{
		ingestDir: filepath.Clean(ingestDir),
		tempDir:   filepath.Clean(tempDir),
		logger:    slog.Default(),
	}
}

// IngestDir returns the directory finished books are moved into
func (s *Service) IngestDir() string {
	return s.ingestDir
}

// EnsureDirectories creates the temp and ingest directories
func (s *Service) EnsureDirectories() error {
	for _, dir := range []string{s.ingestDir, s.tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// TempPath is where a record's bytes are written while downloading
func (s *Service) TempPath(recordID int64, bookID string) string {
	name := fmt.Sprintf("%s.%d%s", SanitizeFilename(bookID), recordID, PartialSuffix)
	return filepath.Join(s.tempDir, name)
}

// FileName builds "Author - Title.format" for a book
func FileName(book models.BookInfo, format string) string {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		format = "bin"
	}

	var base string
	switch {
	case book.HasUsableTitle() && book.HasUsableAuthor():
		base = book.Author + " - " + book.Title
	case book.HasUsableTitle():
		base = book.Title
	default:
		base = book.ID
	}

	base = SanitizeFilename(base)
	if len(base) > maxNameLength {
		base = strings.TrimSpace(base[:maxNameLength])
	}
	return base + "." + format
}

// SanitizeFilename strips characters that are unsafe in file names
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "'", "<", "_", ">", "_", "|", "_", "\x00", "",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "untitled"
	}
	return cleaned
}

// UniquePath returns a path in directory that does not exist yet, adding
// "(n)" before the extension on conflicts
func (s *Service) UniquePath(directory, filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	candidate := filename

	for counter := 1; ; counter++ {
		fullPath := filepath.Join(directory, candidate)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			return fullPath
		}
		if counter > 1000 {
			s.logger.Warn("Too many filename conflicts, using timestamp", "original", filename, "directory", directory)
			return filepath.Join(directory, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext))
		}
		candidate = fmt.Sprintf("%s(%d)%s", stem, counter, ext)
	}
}

// Place moves a verified temp file into the ingest directory and returns its new path
func (s *Service) Place(tempPath string, book models.BookInfo, format string) (string, error) {
	if err := os.MkdirAll(s.ingestDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create ingest directory: %w", err)
	}
	target := s.UniquePath(s.ingestDir, FileName(book, format))
	if err := MoveFile(tempPath, target); err != nil {
		return "", err
	}
	s.logger.Info("Placed book in ingest directory", "book_id", book.ID, "path", target)
	return target, nil
}

// ValidatePath resolves path and ensures it stays inside the ingest directory
func (s *Service) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.ingestDir, path)
	}
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.ingestDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path outside of ingest directory: %s", path)
	}
	return clean, nil
}

// MoveFile renames src to dst, copying when they live on different filesystems
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move file: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	tmp := dst + PartialSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move file: %w", err)
	}
	return os.Remove(src)
}

// CleanupPartials removes partial downloads in the temp directory older than
// maxAge. A zero maxAge removes all of them, which is only safe before any
// worker has started.
func (s *Service) CleanupPartials(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.tempDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PartialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove partial download", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Removed partial downloads", "count", removed, "dir", s.tempDir)
	}
	return removed, nil
}
