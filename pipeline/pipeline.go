// Package pipeline runs one import: it decodes the archive, splits it into units and produces the
// error report and metadata updates of every unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"

	"github.com/macadamian/dicommeta"
	"github.com/macadamian/dicommeta/archive"
	"github.com/macadamian/dicommeta/config"
	"github.com/macadamian/dicommeta/logger"
	"github.com/macadamian/dicommeta/mapping"
	"github.com/macadamian/dicommeta/report"
	"github.com/macadamian/dicommeta/rules"
	"github.com/macadamian/dicommeta/schema"
	"github.com/macadamian/dicommeta/series"
)

var (
	// ErrEmptyArchive is wrapped in the IOError of an archive without members.
	ErrEmptyArchive = errors.New("archive has no members")
	// ErrNoInstances is returned when no member of the archive decodes.
	ErrNoInstances = errors.New("no DICOM instance could be decoded")
)

// IOError reports an unreadable archive or template, or an output that could not be written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// A Sink persists the metadata updates of a unit. report.JSONSink writes them next to the error
// files.
type Sink interface {
	Persist(ctx context.Context, unitName string, u mapping.UpdateSet) error
}

// Inputs locates the files of a run.
type Inputs struct {
	Archive  string
	Template string
	// Output is the directory error files and unit archives are written to.
	Output   string
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Name        string
	Unit        series.Unit
	Report      dicommeta.Report
	Update      mapping.UpdateSet
	// ErrorFile is the path of the error report, empty when the unit validated clean.
	ErrorFile   string
	// ArchiveFile is the path of the unit archive, empty when the archive was not split.
	ArchiveFile string
	// Err is set when the outputs of this unit could not be written. Other units are unaffected.
	Err         error
}

// Result summarizes a run.
type Result struct {
	Archive string
	Decoded int
	// Skipped lists the members that did not decode, in archive order.
	Skipped []*dicommeta.DecodeError
	Units   []UnitResult
}

// Failed counts the units whose outputs could not be written.
func (r *Result) Failed() int {
	n := 0
	for _, u := range r.Units {
		if u.Err != nil {
			n++
		}
	}
	return n
}

// Run imports one archive. Errors returned by Run are fatal: an invalid config, an IOError for the
// inputs, a *schema.TemplateError, ErrNoInstances or a cancelled context. Failures of single
// members and units are reported in the Result instead.
func Run(ctx context.Context, cfg config.Config, in Inputs, log *logger.Logger, sink Sink) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	classifiers, err := cfg.Classifiers()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tpl, err := loadTemplate(in.Template)
	if err != nil {
		return nil, err
	}

	a, err := archive.Open(in.Archive, cfg.Ignore)
	if err != nil {
		return nil, &IOError{Op: "open archive", Path: in.Archive, Err: err}
	}
	if len(a.Members) == 0 {
		return nil, &IOError{Op: "open archive", Path: in.Archive, Err: ErrEmptyArchive}
	}
	log = log.With("archive", a.Name)
	for _, renamed := range slices.Sorted(maps.Keys(a.Renamed)) {
		log.Warn("duplicate member name", "path", a.Renamed[renamed], "renamed", renamed)
	}

	instances, skipped, err := decodeAll(ctx, cfg, a, log)
	if err != nil {
		return nil, err
	}
	res := &Result{Archive: a.Name, Decoded: len(instances), Skipped: skipped}
	if len(instances) == 0 {
		return res, ErrNoInstances
	}
	log.Info("decoded archive", "members", len(a.Members), "decoded", len(instances), "skipped", len(skipped))

	groups := series.GroupInstances(instances, series.Options{
		LocalizerTokens: cfg.LocalizerTokens,
		ByOrientation:   cfg.LocalizerByOrientation,
	})
	units := series.Split(groups, series.SplitOptions{
		SplitOnSeriesUID: cfg.SplitOnSeriesUID,
		SplitLocalizer:   cfg.SplitLocalizer,
	})
	names := archive.UnitNames(a.Name, units)
	log.Info("split archive", "series", len(groups), "units", len(units))

	w := &worker{
		cfg:         cfg,
		tpl:         tpl,
		classifiers: classifiers,
		arc:         a,
		out:         in.Output,
		split:       len(units) > 1,
		sink:        sink,
		log:         log,
	}
	if cfg.ReportSkippedMembers {
		w.skipped = rules.Members(skipped, cfg.ForceDicomRead)
	}

	res.Units = make([]UnitResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range units {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res.Units[i] = w.process(gctx, names[i], units[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if n := res.Failed(); n > 0 {
		log.Warn("import finished with failed units", "units", len(units), "failed", n)
	} else {
		log.Info("import finished", "units", len(units))
	}
	return res, nil
}

func loadTemplate(path string) (*schema.Template, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, &IOError{Op: "read template", Path: path, Err: err}
	}
	tpl, err := schema.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return tpl, nil
}

// decodeAll decodes the members concurrently and returns the instances in archive order.
func decodeAll(ctx context.Context, cfg config.Config, a *archive.Archive, log *logger.Logger) ([]*dicommeta.Instance, []*dicommeta.DecodeError, error) {
	decoded := make([]*dicommeta.Instance, len(a.Members))
	failed := make([]error, len(a.Members))
	opts := dicommeta.DecodeOptions{Force: cfg.ForceDicomRead}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, m := range a.Members {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			decoded[i], failed[i] = dicommeta.Decode(m.Name, m.Data, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		instances []*dicommeta.Instance
		skipped   []*dicommeta.DecodeError
	)
	for i, inst := range decoded {
		if err := failed[i]; err != nil {
			var de *dicommeta.DecodeError
			if !errors.As(err, &de) {
				de = &dicommeta.DecodeError{Path: a.Members[i].Name, Reason: dicommeta.ReasonMalformed, Err: err}
			}
			log.Warn("skipping member", "path", de.Path, "reason", de.Reason, "error", de.Err)
			skipped = append(skipped, de)
			continue
		}
		if inst.Status == dicommeta.StatusForced {
			log.Debug("force read member", "path", inst.Path, "warnings", inst.Warnings)
		}
		instances = append(instances, inst)
	}
	return instances, skipped, nil
}

type worker struct {
	cfg         config.Config
	tpl         *schema.Template
	classifiers []mapping.Classifier
	// skipped holds the records of the members that did not decode, added to every unit.
	skipped     dicommeta.Report
	arc         *archive.Archive
	out         string
	split       bool
	sink        Sink
	log         *logger.Logger
}

func (w *worker) process(ctx context.Context, name string, u series.Unit) UnitResult {
	log := w.log.With("unit", name, "kind", u.Kind.String(), "instances", len(u.Instances))
	res := UnitResult{Name: name, Unit: u}

	h := Representative(u.Instances).Header
	rep := w.tpl.Validate(h)
	rep = append(rep, rules.Check(u.Instances, rules.Options{
		SliceIntervals:  w.cfg.CheckSliceIntervals,
		InstanceNumbers: w.cfg.CheckInstanceNumbers,
		ImageCount:      w.cfg.CheckImageCount,
	})...)
	rep = append(rep, w.skipped...)
	res.Report = rep
	res.Update = mapping.Map(h, rep, mapping.Options{
		FileName:          name,
		Location:          w.cfg.Location(),
		Classifiers:       w.classifiers,
		Slices:            len(u.Instances),
		UniqueOrientation: mapping.UniqueOrientation(u.Instances),
	})
	if log.DebugEnabled() {
		log.Debug("validated unit", "records", len(rep), "report", spew.Sdump(redact(rep)))
	}

	path, err := report.Write(w.out, name, rep)
	if err != nil {
		res.Err = &IOError{Op: "write error report", Path: name, Err: err}
		log.Error("unit failed", "error", res.Err)
		return res
	}
	res.ErrorFile = path

	if w.split {
		path, err := archive.WriteUnit(w.out, name, w.arc, u)
		if err != nil {
			res.Err = &IOError{Op: "write unit archive", Path: name, Err: err}
			log.Error("unit failed", "error", res.Err)
			return res
		}
		res.ArchiveFile = path
	}

	if err := w.sink.Persist(ctx, name, res.Update); err != nil {
		res.Err = fmt.Errorf("failed to persist metadata of %s: %w", name, err)
		log.Error("unit failed", "error", res.Err)
		return res
	}

	log.Info("unit imported", "records", len(rep), "tags", res.Update.Tags)
	return res
}

// redact returns a copy of rep without the values, schema and message of records about patient
// demographics.
func redact(rep dicommeta.Report) dicommeta.Report {
	out := make(dicommeta.Report, len(rep))
	for i, r := range rep {
		for _, part := range strings.Split(r.Item, ".") {
			if logger.Sensitive(part) {
				r.ErrorValue, r.Schema, r.ErrorMessage = logger.Redacted, nil, logger.Redacted
				break
			}
		}
		out[i] = r
	}
	return out
}

// Representative picks the instance whose header stands for a unit: the last member that is not
// Raw Data Storage, or the first member when all of them are.
func Representative(instances []*dicommeta.Instance) *dicommeta.Instance {
	for i := len(instances) - 1; i >= 0; i-- {
		if uid, _ := instances[i].Header.String("SOPClassUID"); uid != rawDataStorage {
			return instances[i]
		}
	}
	return instances[0]
}

const rawDataStorage = "1.2.840.10008.5.1.4.1.1.66"
