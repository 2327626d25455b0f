// Package archive reads DICOM archives and writes the per-unit archives produced by a split.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// A Member is one file of an archive.
type Member struct {
	// Name is the slash separated path inside the archive.
	Name string
	Data []byte
}

// An Archive is a zip of DICOM files, or a single DICOM file treated as a one-member archive.
type Archive struct {
	// Name is the base name of the archive file.
	Name    string
	Zipped  bool
	Members []Member
	// Renamed maps the new name of every member whose name was already taken to the name it has
	// in the zip directory.
	Renamed map[string]string

	byName map[string]int
}

// Member returns the member with the given name.
func (a *Archive) Member(name string) (Member, bool) {
	i, ok := a.byName[name]
	if !ok {
		return Member{}, false
	}
	return a.Members[i], true
}

// Open reads the archive at path. Directories and members matching any of the ignore globs
// are skipped. Members keep their order in the zip directory.
func Open(path string, ignore []string) (*Archive, error) {
	patterns := make([]glob.Glob, 0, len(ignore))
	for _, p := range ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	a := &Archive{Name: filepath.Base(path), byName: map[string]int{}}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrFormat) {
		a.add(Member{Name: a.Name, Data: data})
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open zip %s: %w", path, err)
	}

	a.Zipped = true
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || ignored(patterns, f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in %s: %w", f.Name, a.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s in %s: %w", f.Name, a.Name, err)
		}
		a.add(Member{Name: f.Name, Data: body})
	}
	return a, nil
}

// add appends m. A zip may list the same name twice; later copies are kept as name~2.ext,
// name~3.ext and so on.
func (a *Archive) add(m Member) {
	if _, dup := a.byName[m.Name]; dup {
		orig := m.Name
		ext := filepath.Ext(orig)
		for n := 2; ; n++ {
			m.Name = fmt.Sprintf("%s~%d%s", strings.TrimSuffix(orig, ext), n, ext)
			if _, taken := a.byName[m.Name]; !taken {
				break
			}
		}
		if a.Renamed == nil {
			a.Renamed = map[string]string{}
		}
		a.Renamed[m.Name] = orig
	}
	a.byName[m.Name] = len(a.Members)
	a.Members = append(a.Members, m)
}

func ignored(patterns []glob.Glob, name string) bool {
	name = strings.TrimPrefix(name, "./")
	for _, g := range patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}
