// Package session drives the review loop: one screenshot at a time it
// looks up the stored values, finds the display template, lets the
// operator correct the values, writes ground truth for what changed and
// files the screenshot into its outcome folder.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/disintegration/imaging"

	"mdetruth/models"
	"mdetruth/pkg/layout"
	"mdetruth/pkg/match"
	"mdetruth/pkg/records"
	"mdetruth/pkg/review"
	"mdetruth/pkg/triage"
)

// ImageRecord is one screenshot found by a scan. TS is empty when the
// name carries no timestamp. Rel is the path relative to the scanned
// root, empty for records built by hand.
type ImageRecord struct {
	Dir  string
	Name string
	Rel  string
	TS   string
}

func (r ImageRecord) Path() string { return filepath.Join(r.Dir, r.Name) }

// Source names the image in the ledger: the root-relative path when
// known, otherwise the file name.
func (r ImageRecord) Source() string {
	if r.Rel != "" {
		return filepath.ToSlash(r.Rel)
	}
	return r.Name
}

type RowLookup interface {
	Lookup(ctx context.Context, ts string) (records.Row, error)
}

type Matcher interface {
	Match(img image.Image) (match.Result, error)
}

type LayoutResolver interface {
	Positions(templateID int) (layout.Positions, error)
}

type Surface interface {
	Show(ctx context.Context, p review.Page) (review.Decision, error)
	Close()
}

type TruthWriter interface {
	Write(img image.Image, sourceName, field string, rect layout.Rect, label string) (string, error)
}

type Mover interface {
	Move(dir, name string, outcome triage.Outcome) (string, error)
}

type Annotator interface {
	Annotate(img image.Image, pos layout.Positions, labels map[string]string) *image.NRGBA
}

type Hinter interface {
	Hints(img image.Image, pos layout.Positions) map[string]string
}

type Ledger interface {
	RecordPair(ctx context.Context, p models.GroundTruthPair) error
	RecordTriage(ctx context.Context, r models.TriageRecord) error
}

// Deps are the collaborators of a Controller. Annotator, Hinter and
// Ledger are optional.
type Deps struct {
	Records   RowLookup
	Matcher   Matcher
	Layout    LayoutResolver
	Surface   Surface
	Writer    TruthWriter
	Mover     Mover
	Annotator Annotator
	Hinter    Hinter
	Ledger    Ledger
	Logger    *slog.Logger
}

type Options struct {
	// Labeled shows the annotated display instead of the plain screenshot.
	Labeled   bool
	TSPattern string
}

type Controller struct {
	Deps
	opts Options
	ts   *records.TimestampParser
}

func New(d Deps, opts Options) (*Controller, error) {
	if d.Records == nil || d.Matcher == nil || d.Layout == nil || d.Surface == nil || d.Writer == nil || d.Mover == nil {
		return nil, errors.New("session: missing required collaborator")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.Labeled && d.Annotator == nil {
		return nil, errors.New("session: labeled mode needs an annotator")
	}
	ts, err := records.NewTimestampParser(opts.TSPattern)
	if err != nil {
		return nil, err
	}
	return &Controller{Deps: d, opts: opts, ts: ts}, nil
}

// Parser returns the timestamp parser used for image names.
func (c *Controller) Parser() *records.TimestampParser { return c.ts }

// verdict is the result of one image before it is filed.
type verdict struct {
	outcome    triage.Outcome
	reason     string
	templateID int
	changed    int
}

// Process runs one image through the loop and files it. review.ErrClosed
// is returned untouched when the operator quits; the image stays put.
func (c *Controller) Process(ctx context.Context, rec ImageRecord) (triage.Outcome, error) {
	log := c.Logger.With("image", rec.Source())
	v, err := c.review(ctx, log, rec)
	if err != nil {
		return "", err
	}
	dst, err := c.Mover.Move(rec.Dir, rec.Name, v.outcome)
	if err != nil {
		return "", err
	}
	if c.Ledger != nil {
		r := models.TriageRecord{
			SourceImage:   rec.Source(),
			Destination:   dst,
			Outcome:       string(v.outcome),
			Reason:        v.reason,
			TemplateID:    v.templateID,
			ChangedFields: v.changed,
		}
		if err := c.Ledger.RecordTriage(ctx, r); err != nil {
			log.Error("ledger write failed", "err", err)
		}
	}
	log.Info("image done", "outcome", v.outcome, "reason", v.reason, "template", v.templateID, "changed", v.changed, "dest", dst)
	return v.outcome, nil
}

func (c *Controller) review(ctx context.Context, log *slog.Logger, rec ImageRecord) (verdict, error) {
	row, err := c.row(ctx, rec)
	if err != nil {
		if records.IsLookupFailure(err) {
			log.Warn("no usable value row", "err", err)
			return verdict{outcome: triage.Others, reason: lookupReason(err)}, nil
		}
		return verdict{}, fmt.Errorf("lookup %s: %w", rec.Name, err)
	}

	if ts, ok := row.TS(); ok {
		log = log.With("ts", ts, "table", row.Table)
	}

	img, err := imaging.Open(rec.Path())
	if err != nil {
		log.Warn("cannot decode image", "err", err)
		return verdict{outcome: triage.Others, reason: "decode"}, nil
	}

	res, err := c.Matcher.Match(img)
	if err != nil {
		return verdict{}, fmt.Errorf("match %s: %w", rec.Name, err)
	}
	row = row.Without(records.TSField)
	fields := row.Fields
	log.Debug("template scores", "scores", res.Scores, "template", res.TemplateID)

	if res.TemplateID <= 0 {
		d, err := c.Surface.Show(ctx, review.Page{
			Title:    rec.Source(),
			Note:     "no template matched",
			Image:    img,
			Fields:   pageFields(row, nil),
			ReadOnly: true,
		})
		if err != nil {
			return verdict{}, err
		}
		if d.Action == review.ActionConfigIssue {
			return verdict{outcome: triage.ConfigIssue, reason: "operator"}, nil
		}
		return verdict{outcome: triage.NoMatch}, nil
	}

	pos, err := c.Layout.Positions(res.TemplateID)
	if errors.Is(err, layout.ErrUnknownTemplate) {
		log.Warn("template has no layout entry", "template", res.TemplateID)
		pos = layout.Positions{}
	} else if err != nil {
		return verdict{}, fmt.Errorf("layout for template %d: %w", res.TemplateID, err)
	}

	shown := image.Image(img)
	if c.opts.Labeled {
		shown = c.Annotator.Annotate(img, pos, labels(fields))
	}
	var hints map[string]string
	if c.Hinter != nil {
		hints = c.Hinter.Hints(img, pos)
	}

	d, err := c.Surface.Show(ctx, review.Page{
		Title:  rec.Source(),
		Note:   fmt.Sprintf("template %d", res.TemplateID),
		Image:  shown,
		Fields: pageFields(row, hints),
	})
	if err != nil {
		return verdict{}, err
	}
	v := verdict{templateID: res.TemplateID}
	if d.Action == review.ActionConfigIssue {
		v.outcome, v.reason = triage.ConfigIssue, "operator"
		return v, nil
	}

	changed := Changed(fields, d.Edits, pos)
	for _, f := range changed {
		crop, err := c.Writer.Write(img, rec.Name, f.Name, pos[f.Name], d.Edits[f.Name])
		if err != nil {
			return verdict{}, fmt.Errorf("ground truth %s/%s: %w", rec.Name, f.Name, err)
		}
		if c.Ledger != nil {
			p := models.GroundTruthPair{
				SourceImage: rec.Source(),
				Field:       f.Name,
				CropName:    crop,
				Label:       d.Edits[f.Name],
				Original:    f.Value,
				TemplateID:  res.TemplateID,
			}
			if err := c.Ledger.RecordPair(ctx, p); err != nil {
				log.Error("ledger write failed", "err", err)
			}
		}
	}
	v.changed = len(changed)
	if v.changed == 0 {
		v.outcome = triage.GoodOCR
	} else {
		v.outcome = triage.BadOCR
	}
	return v, nil
}

func (c *Controller) row(ctx context.Context, rec ImageRecord) (records.Row, error) {
	ts := rec.TS
	if ts == "" {
		var err error
		if ts, err = c.ts.Parse(rec.Name); err != nil {
			return records.Row{}, err
		}
	}
	row, err := c.Records.Lookup(ctx, ts)
	if err != nil {
		return records.Row{}, err
	}
	if !row.Has(records.TSField) {
		return records.Row{}, fmt.Errorf("%w: row from %s has no %s column", records.ErrNotFound, row.Table, records.TSField)
	}
	return row, nil
}

// Changed returns the fields, in row order, whose edited value differs
// from the stored one and that have a position to crop. Fields with a nil
// value never count.
func Changed(fields []records.Field, edits map[string]string, pos layout.Positions) []records.Field {
	var out []records.Field
	for _, f := range fields {
		if f.Value == nil {
			continue
		}
		e, ok := edits[f.Name]
		if !ok || e == *f.Value {
			continue
		}
		if _, ok := pos[f.Name]; !ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

func pageFields(row records.Row, hints map[string]string) []review.Field {
	editable := row.Editable()
	out := make([]review.Field, 0, len(editable))
	for _, f := range editable {
		out = append(out, review.Field{Name: f.Name, Value: f.Value, Hint: hints[f.Name]})
	}
	return out
}

func labels(fields []records.Field) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if f.Value == nil {
			out[f.Name] = "None"
			continue
		}
		out[f.Name] = *f.Value
	}
	return out
}

func lookupReason(err error) string {
	switch {
	case errors.Is(err, records.ErrNoTimestamp):
		return "no_timestamp"
	case errors.Is(err, records.ErrAmbiguous):
		return "ambiguous"
	default:
		return "not_found"
	}
}
