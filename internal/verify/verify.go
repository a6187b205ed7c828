// Package verify checks downloaded book files before they are handed to the library
package verify

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nwaples/rardecode"
)

// ErrEmptyFile is returned for zero-byte downloads
var ErrEmptyFile = errors.New("downloaded file is empty")

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// MismatchError reports a file that does not match what was expected
type MismatchError struct {
	Check string
	Want  string
	Got   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Check, e.Want, e.Got)
}

// Expectation is what is known about a file before it arrives
type Expectation struct {
	BookID       string
	Format       string
	ExpectedSize *int64
}

// Result describes a verified file
type Result struct {
	Size int64
	MD5  string
}

// Verifier validates downloaded files
type Verifier struct {
	checksums bool
	logger    *slog.Logger
}

// New creates a verifier. When checksums is true, books identified by an MD5
// hash must hash to their id.
func New(checksums bool) *Verifier {
	return &Verifier{checksums: checksums, logger: slog.Default()}
}

// IsMD5 reports whether id looks like an MD5 hex digest
func IsMD5(id string) bool {
	return md5Pattern.MatchString(id)
}

// Verify checks size, content hash and container integrity of path
func (v *Verifier) Verify(path string, exp Expectation) (*Result, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat downloaded file: %w", err)
	}
	if stat.Size() == 0 {
		return nil, ErrEmptyFile
	}
	if exp.ExpectedSize != nil && *exp.ExpectedSize > 0 && stat.Size() != *exp.ExpectedSize {
		return nil, &MismatchError{
			Check: "size",
			Want:  fmt.Sprint(*exp.ExpectedSize),
			Got:   fmt.Sprint(stat.Size()),
		}
	}

	sum, err := fileMD5(path)
	if err != nil {
		return nil, err
	}
	if v.checksums && IsMD5(exp.BookID) && !strings.EqualFold(sum, exp.BookID) {
		return nil, &MismatchError{Check: "md5", Want: strings.ToLower(exp.BookID), Got: sum}
	}

	format := strings.ToLower(strings.TrimPrefix(exp.Format, "."))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if err := v.checkContainer(path, format); err != nil {
		return nil, err
	}

	return &Result{Size: stat.Size(), MD5: sum}, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash downloaded file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (v *Verifier) checkContainer(path, format string) error {
	switch format {
	case "epub", "cbz", "zip":
		return checkZip(path)
	case "cbr", "rar":
		return v.checkRar(path)
	case "pdf":
		return checkMagic(path, []byte("%PDF-"))
	default:
		return nil
	}
}

// checkZip reads every entry so corrupt data fails the CRC check
func checkZip(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("invalid zip container: %w", err)
	}
	defer reader.Close()

	if len(reader.File) == 0 {
		return fmt.Errorf("invalid zip container: no entries")
	}
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("invalid zip entry %s: %w", file.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("corrupt zip entry %s: %w", file.Name, err)
		}
	}
	return nil
}

func (v *Verifier) checkRar(path string) error {
	rarReader, err := rardecode.OpenReader(path, "")
	if err != nil {
		if strings.Contains(err.Error(), "password") || strings.Contains(err.Error(), "encrypted") {
			return fmt.Errorf("rar archive is password-protected")
		}
		return fmt.Errorf("invalid rar container: %w", err)
	}
	defer rarReader.Close()

	entries := 0
	for {
		header, err := rarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt rar archive: %w", err)
		}
		if header.IsDir {
			continue
		}
		if _, err := io.Copy(io.Discard, rarReader); err != nil {
			return fmt.Errorf("corrupt rar entry %s: %w", header.Name, err)
		}
		entries++
	}

	if entries == 0 {
		return fmt.Errorf("invalid rar container: no entries")
	}
	v.logger.Debug("Verified rar archive", "path", path, "entries", entries)
	return nil
}

func checkMagic(path string, magic []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("file too short for its format: %w", err)
	}
	if !bytes.Equal(head, magic) {
		return &MismatchError{Check: "signature", Want: string(magic), Got: fmt.Sprintf("%q", head)}
	}
	return nil
}
