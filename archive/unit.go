package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/macadamian/dicommeta"
	"github.com/macadamian/dicommeta/series"
)

var (
	dicomZipExt = regexp.MustCompile(`(?i)(\.dicom\.zip|\.dcm\.zip|\.zip)$`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.\-]+`)
)

// UnitNames names the unit archives cut from archiveName. A single unit keeps the archive name.
// Otherwise a suffix built from Modality, SeriesNumber and SeriesDescription is inserted before
// the extension, "_localizer" marks localizer units, and repeated names get a counter.
func UnitNames(archiveName string, units []series.Unit) []string {
	names := make([]string, len(units))
	if len(units) == 1 {
		names[0] = archiveName
		return names
	}

	used := map[string]int{}
	for i, u := range units {
		name := insertSuffix(archiveName, suffix(u))
		used[name]++
		if n := used[name]; n > 1 {
			name = insertSuffix(name, "_"+strconv.Itoa(n))
		}
		names[i] = name
	}
	return names
}

func suffix(u series.Unit) string {
	var s string
	switch u.Kind {
	case series.Whole, series.Primary:
		return ""
	case series.Series, series.Localizer:
		if u.Group != nil {
			s = "_" + seriesLabel(u.Instances[0].Header, u.Group.Key)
		}
	}
	if u.Kind == series.Localizer {
		s += "_localizer"
	}
	return s
}

func seriesLabel(h dicommeta.Header, fallback string) string {
	var parts []string
	for _, kw := range []string{"Modality", "SeriesNumber", "SeriesDescription"} {
		v, ok := h.String(kw)
		if !ok {
			if n, isNum := h.Number(kw); isNum {
				v, ok = strconv.FormatFloat(n, 'f', -1, 64), true
			}
		}
		if ok && v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		parts = []string{fallback}
	}
	label := unsafeChars.ReplaceAllString(strings.Join(parts, "-"), "_")
	return strings.Trim(label, "_")
}

func insertSuffix(name, s string) string {
	if s == "" {
		return name
	}
	if loc := dicomZipExt.FindStringIndex(name); loc != nil {
		return name[:loc[0]] + s + name[loc[0]:]
	}
	return name + s
}

// WriteUnit writes the members of a unit to dir/name as a zip and returns its path.
func WriteUnit(dir, name string, a *Archive, u series.Unit) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create unit archive: %w", err)
	}

	zw := zip.NewWriter(f)
	for _, inst := range u.Instances {
		m, ok := a.Member(inst.Path)
		if !ok {
			zw.Close()
			f.Close()
			return "", fmt.Errorf("unit member %s not found in %s", inst.Path, a.Name)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m.Name, Method: zip.Deflate})
		if err == nil {
			_, err = w.Write(m.Data)
		}
		if err != nil {
			zw.Close()
			f.Close()
			return "", fmt.Errorf("failed to write %s to %s: %w", m.Name, name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to finish %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to finish %s: %w", name, err)
	}
	return path, nil
}
