// Package reports manages the directory maigret reports are written to.
//
// Report files are named report_<subject>.<ext>, with the subject passed
// through Sanitize. Concurrent writes for the same subject are not
// serialized: the last writer wins.
package reports

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const filePrefix = "report_"

// Sanitize replaces characters that are unsafe in file names with '_'.
// The replaced set is <>:"/\|?* plus control bytes 0x00-0x1F. It works on
// bytes, so every other byte, including invalid UTF-8, is kept as is.
// Sanitize is idempotent.
func Sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c < 0x20 || strings.IndexByte(`<>:"/\|?*`, c) >= 0 {
			b[i] = '_'
		}
	}
	return string(b)
}

// FileName returns the report file name for a subject and extension.
func FileName(subject, ext string) string {
	return filePrefix + Sanitize(subject) + "." + ext
}

// Dir is a reports directory on the host.
type Dir struct {
	path string
}

// Report describes a file in the reports directory.
type Report struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// New creates the directory (recursively) if needed and returns a Dir.
func New(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving reports dir %q: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating reports dir: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string { return d.path }

// ReportPath returns the host path of the report for subject.
func (d *Dir) ReportPath(subject, ext string) string {
	return filepath.Join(d.path, FileName(subject, ext))
}

// Write stores data as the report for subject and returns its path.
// The file is replaced atomically so readers never see a partial report.
func (d *Dir) Write(subject, ext string, data []byte) (string, error) {
	dest := d.ReportPath(subject, ext)

	tmp, err := os.CreateTemp(d.path, ".tmp-"+filePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("creating report file: %w", err)
	}
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing report %s: %w", dest, writeErr)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("setting report permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing report %s: %w", dest, err)
	}
	return dest, nil
}

// List returns the regular files in the directory, newest first.
// In-flight temporary files are skipped.
func (d *Dir) List() ([]Report, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("reading reports dir: %w", err)
	}

	out := make([]Report, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, Report{
			Name:    e.Name(),
			Path:    filepath.Join(d.path, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Prune removes reports last modified before now-maxAge and returns the
// removed names. A non-positive maxAge removes nothing.
func (d *Dir) Prune(maxAge time.Duration, now time.Time) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	all, err := d.List()
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-maxAge)
	var removed []string
	for _, r := range all {
		if !r.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing report %s: %w", r.Name, err)
		}
		removed = append(removed, r.Name)
	}
	return removed, nil
}
