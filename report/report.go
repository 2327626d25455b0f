// Package report writes validation error files and the metadata produced for each unit.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/macadamian/dicommeta"
	"github.com/macadamian/dicommeta/mapping"
)

// ErrorSuffix and MetadataSuffix are appended to the unit name to form output file names.
const (
	ErrorSuffix    = ".error.log.json"
	MetadataSuffix = ".metadata.json"
)

// Write stores a non-empty report as <unitName>.error.log.json in dir and returns the file path.
// An empty report writes nothing and returns "", so a missing file means the unit validated clean.
func Write(dir, unitName string, r dicommeta.Report) (string, error) {
	if len(r) == 0 {
		return "", nil
	}

	data, err := encode(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode error report: %w", err)
	}

	path := filepath.Join(dir, unitName+ErrorSuffix)
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads an error file written by Write.
func Read(path string) (dicommeta.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read error report: %w", err)
	}
	var r dicommeta.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse error report %s: %w", path, err)
	}
	return r, nil
}

// JSONSink persists update sets as <unitName>.metadata.json files in Dir, standing in for the
// platform's metadata API. The acquisition tags are written under acquisition.tags.
type JSONSink struct {
	Dir string
}

// Persist writes the update set of one unit.
func (s JSONSink) Persist(ctx context.Context, unitName string, u mapping.UpdateSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	acquisition := make(map[string]any, len(u.Acquisition)+1)
	for k, v := range u.Acquisition {
		acquisition[k] = v
	}
	if len(u.Tags) > 0 {
		acquisition["tags"] = u.Tags
	}

	data, err := encode(map[string]any{
		"file":        u.File,
		"acquisition": acquisition,
		"session":     u.Session,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", unitName, err)
	}
	return writeFile(filepath.Join(s.Dir, unitName+MetadataSuffix), data)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
