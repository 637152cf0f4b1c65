package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// Layout owns the on-disk data tree:
//
//	uploads/<folder_uuid>/<hex>_<safe-name>.<ext>   raw files
//	processed/<folder_uuid>/<raw-stem>.md           Markdown artifacts
//	output/<safe-company>-<timestamp>.md            reports
//	inbox/<folder_uuid>/                            watcher drop folders
type Layout struct {
	Root string
}

// NewLayout creates the base directories under root.
func NewLayout(root string) (*Layout, error) {
	l := &Layout{Root: root}
	for _, dir := range []string{l.uploadsRoot(), l.processedRoot(), l.OutputDir(), l.InboxRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Layout) uploadsRoot() string   { return filepath.Join(l.Root, "uploads") }
func (l *Layout) processedRoot() string { return filepath.Join(l.Root, "processed") }

// OutputDir holds generated reports.
func (l *Layout) OutputDir() string { return filepath.Join(l.Root, "output") }

// InboxRoot holds per-project drop folders.
func (l *Layout) InboxRoot() string { return filepath.Join(l.Root, "inbox") }

func (l *Layout) UploadsDir(folder string) string   { return filepath.Join(l.uploadsRoot(), folder) }
func (l *Layout) ProcessedDir(folder string) string { return filepath.Join(l.processedRoot(), folder) }
func (l *Layout) InboxDir(folder string) string     { return filepath.Join(l.InboxRoot(), folder) }

// SaveUpload persists raw bytes under the project folder. The stored name is
// "<hex>_<safe-name>", so the same logical name uploaded twice never
// collides.
func (l *Layout) SaveUpload(folder, originalName string, data []byte) (storedName, absPath string, err error) {
	dir := l.UploadsDir(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create uploads dir: %w", err)
	}
	safe := SanitizeName(originalName)
	for attempt := 0; attempt < 5; attempt++ {
		storedName = randomHex(4) + "_" + safe
		absPath = filepath.Join(dir, storedName)
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			if werr := os.WriteFile(absPath, data, 0o644); werr != nil {
				return "", "", fmt.Errorf("write upload: %w", werr)
			}
			return storedName, absPath, nil
		}
	}
	return "", "", fmt.Errorf("could not allocate a unique stored name for %q", originalName)
}

// UploadPath returns the absolute path of a stored raw file.
func (l *Layout) UploadPath(folder, storedName string) string {
	return filepath.Join(l.UploadsDir(folder), storedName)
}

// ArtifactPath returns where the Markdown artifact for a stored raw file
// lives: processed/<folder>/<stem>.md.
func (l *Layout) ArtifactPath(folder, storedName string) string {
	return filepath.Join(l.ProcessedDir(folder), Stem(storedName)+".md")
}

// WriteArtifact persists the converted Markdown and returns its path.
func (l *Layout) WriteArtifact(folder, storedName string, markdown []byte) (string, error) {
	dir := l.ProcessedDir(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}
	p := l.ArtifactPath(folder, storedName)
	if err := os.WriteFile(p, markdown, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return p, nil
}

// Remove deletes a file, treating "already gone" as success.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveProjectDirs deletes the per-project trees.
func (l *Layout) RemoveProjectDirs(folder string) error {
	var firstErr error
	for _, dir := range []string{l.UploadsDir(folder), l.ProcessedDir(folder), l.InboxDir(folder)} {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SaveReport writes a generated report under output/ and returns its path.
func (l *Layout) SaveReport(company string, markdown []byte, now time.Time) (string, error) {
	if err := os.MkdirAll(l.OutputDir(), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.md", SanitizeName(company), now.Format("20060102-150405"))
	p := filepath.Join(l.OutputDir(), name)
	if err := os.WriteFile(p, markdown, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return p, nil
}

// SanitizeName keeps letters, digits, '-', '_' and '.'; everything else
// becomes '_'. Path components are stripped first, including Windows-style
// ones that arrive in upload names.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the host is broken; fall back to a
		// timestamp so uploads still land somewhere unique-ish.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}
