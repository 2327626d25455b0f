// Package config holds the settings of an import run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/macadamian/dicommeta/mapping"
)

// Config is passed by value through a run and never changed once loaded.
type Config struct {
	// SplitOnSeriesUID produces one unit per series.
	SplitOnSeriesUID bool `yaml:"split_on_SeriesUID"`
	// SplitLocalizer separates localizer-bearing instances into their own unit.
	SplitLocalizer   bool `yaml:"split_localizer"`
	// ForceDicomRead decodes files that do not carry the DICOM preamble and file meta.
	ForceDicomRead   bool `yaml:"force_dicom_read"`
	// Debug raises log verbosity. It has no effect on outputs.
	Debug            bool `yaml:"debug"`

	LocalizerTokens        []string `yaml:"localizer_tokens"`
	LocalizerByOrientation bool     `yaml:"localizer_by_orientation"`

	CheckSliceIntervals  bool `yaml:"check_slice_intervals"`
	CheckInstanceNumbers bool `yaml:"check_instance_numbers"`
	CheckImageCount      bool `yaml:"check_image_count"`
	// ReportSkippedMembers adds a record for every member that did not decode to the report of
	// each unit.
	ReportSkippedMembers bool `yaml:"report_skipped_members"`

	// Classifications are tried in order against the SeriesDescription before the
	// classification is inferred from the imaging parameters.
	Classifications []Classification `yaml:"classifications"`

	// Timezone is the IANA zone DICOM dates and times are read in.
	Timezone string   `yaml:"timezone"`
	// Workers bounds the number of instances and units processed at once.
	Workers  int      `yaml:"workers"`
	// Ignore lists glob patterns of archive members that are not DICOM files.
	Ignore   []string `yaml:"ignore"`
}

// A Classification assigns Value, such as "Measurement:T1, Intent:Structural", to the units
// whose SeriesDescription matches Match, a glob or a /regular expression/.
type Classification struct {
	Match string `yaml:"match"`
	Value string `yaml:"value"`
}

// Default returns the settings used for keys absent from a config file.
func Default() Config {
	return Config{
		SplitOnSeriesUID: true,
		SplitLocalizer:   true,
		LocalizerTokens:  []string{"LOCALIZER", "SCREEN SAVE"},
		Timezone:         "UTC",
		Workers:          4,
		Ignore:           []string{"__MACOSX/**", ".DS_Store", "**/.DS_Store", "DICOMDIR", "**/DICOMDIR"},
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	for _, t := range c.LocalizerTokens {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("localizer_tokens must not contain empty tokens"))
			break
		}
	}
	for _, p := range c.Ignore {
		if _, err := glob.Compile(p, '/'); err != nil {
			errs = append(errs, fmt.Errorf("invalid ignore pattern %q: %w", p, err))
		}
	}

	if _, err := c.Classifiers(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Classifiers compiles the configured classifications.
func (c Config) Classifiers() ([]mapping.Classifier, error) {
	out := make([]mapping.Classifier, 0, len(c.Classifications))
	for _, cl := range c.Classifications {
		if strings.TrimSpace(cl.Value) == "" {
			return nil, fmt.Errorf("classification for %q has no value", cl.Match)
		}
		m, err := mapping.NewClassifier(cl.Match, cl.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Location returns the configured time zone, UTC when it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
