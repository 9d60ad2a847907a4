package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"mdetruth/models"
	"mdetruth/pkg/layout"
	"mdetruth/pkg/match"
	"mdetruth/pkg/records"
	"mdetruth/pkg/review"
	"mdetruth/pkg/triage"
)

type fakeRecords struct {
	rows map[string]records.Row
	err  error
}

func (f *fakeRecords) Lookup(_ context.Context, ts string) (records.Row, error) {
	if f.err != nil {
		return records.Row{}, f.err
	}
	row, ok := f.rows[ts]
	if !ok {
		return records.Row{}, records.ErrNotFound
	}
	return row, nil
}

type fakeMatcher struct{ id int }

func (f fakeMatcher) Match(image.Image) (match.Result, error) {
	return match.Result{Scores: map[int]int{1: 3}, TemplateID: f.id}, nil
}

type fakeLayout map[int]layout.Positions

func (f fakeLayout) Positions(id int) (layout.Positions, error) {
	p, ok := f[id]
	if !ok {
		return layout.Positions{}, layout.ErrUnknownTemplate
	}
	return p, nil
}

type fakeSurface struct {
	decisions []review.Decision
	pages     []review.Page
	closed    bool
}

func (f *fakeSurface) Show(_ context.Context, p review.Page) (review.Decision, error) {
	f.pages = append(f.pages, p)
	if len(f.decisions) == 0 {
		return review.Decision{}, review.ErrClosed
	}
	d := f.decisions[0]
	f.decisions = f.decisions[1:]
	return d, nil
}

func (f *fakeSurface) Close() { f.closed = true }

type write struct {
	source, field, label string
	rect                 layout.Rect
}

type fakeWriter struct{ writes []write }

func (f *fakeWriter) Write(_ image.Image, source, field string, rect layout.Rect, label string) (string, error) {
	f.writes = append(f.writes, write{source, field, label, rect})
	return source + "_" + field + ".png", nil
}

type move struct {
	name    string
	outcome triage.Outcome
}

type fakeMover struct{ moves []move }

func (f *fakeMover) Move(dir, name string, o triage.Outcome) (string, error) {
	f.moves = append(f.moves, move{name, o})
	return filepath.Join(dir, string(o), name), nil
}

type fakeLedger struct {
	pairs  []models.GroundTruthPair
	triage []models.TriageRecord
}

func (f *fakeLedger) RecordPair(_ context.Context, p models.GroundTruthPair) error {
	f.pairs = append(f.pairs, p)
	return nil
}

func (f *fakeLedger) RecordTriage(_ context.Context, r models.TriageRecord) error {
	f.triage = append(f.triage, r)
	return nil
}

type fakeAnnotator struct{ calls int }

func (f *fakeAnnotator) Annotate(img image.Image, _ layout.Positions, _ map[string]string) *image.NRGBA {
	f.calls++
	return imaging.Clone(img)
}

type harness struct {
	c       *Controller
	dir     string
	records *fakeRecords
	surface *fakeSurface
	writer  *fakeWriter
	mover   *fakeMover
	ledger  *fakeLedger
}

const ts = "20240101120000"

func voltsAmpsRow() records.Row {
	return records.NewRow("readings",
		[]string{"ts", "volts", "amps", "note"},
		[]*string{records.StrPtr(ts), records.StrPtr("5.0"), records.StrPtr("1.2"), nil})
}

func newHarness(t *testing.T, templateID int, opts Options, decisions ...review.Decision) *harness {
	t.Helper()
	h := &harness{
		dir:     t.TempDir(),
		records: &fakeRecords{rows: map[string]records.Row{ts: voltsAmpsRow()}},
		surface: &fakeSurface{decisions: decisions},
		writer:  &fakeWriter{},
		mover:   &fakeMover{},
		ledger:  &fakeLedger{},
	}
	c, err := New(Deps{
		Records: h.records,
		Matcher: fakeMatcher{id: templateID},
		Layout: fakeLayout{1: {
			"volts": {X1: 10, Y1: 10, X2: 60, Y2: 30},
			"amps":  {X1: 10, Y1: 40, X2: 60, Y2: 60},
			"note":  {X1: 10, Y1: 70, X2: 60, Y2: 90},
		}},
		Surface:   h.surface,
		Writer:    h.writer,
		Mover:     h.mover,
		Annotator: &fakeAnnotator{},
		Ledger:    h.ledger,
	}, opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.c = c
	return h
}

func (h *harness) image(t *testing.T, name string) ImageRecord {
	t.Helper()
	img := imaging.New(100, 100, color.NRGBA{0, 0, 0, 255})
	if err := imaging.Save(img, filepath.Join(h.dir, name)); err != nil {
		t.Fatal(err)
	}
	return ImageRecord{Dir: h.dir, Name: name}
}

func next(edits map[string]string) review.Decision {
	return review.Decision{Action: review.ActionNext, Edits: edits}
}

func TestOneChangedFieldWritesOneCrop(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(map[string]string{"volts": "5.1", "amps": "1.2"}))
	out, err := h.c.Process(context.Background(), h.image(t, "panel_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.BadOCR {
		t.Errorf("outcome = %q", out)
	}
	if len(h.writer.writes) != 1 {
		t.Fatalf("writes = %+v", h.writer.writes)
	}
	w := h.writer.writes[0]
	if w.field != "volts" || w.label != "5.1" || w.rect != (layout.Rect{X1: 10, Y1: 10, X2: 60, Y2: 30}) {
		t.Errorf("write = %+v", w)
	}
	if len(h.mover.moves) != 1 || h.mover.moves[0].outcome != triage.BadOCR {
		t.Errorf("moves = %+v", h.mover.moves)
	}
	if len(h.ledger.pairs) != 1 || *h.ledger.pairs[0].Original != "5.0" || h.ledger.pairs[0].TemplateID != 1 {
		t.Errorf("ledger pairs = %+v", h.ledger.pairs)
	}
	if len(h.ledger.triage) != 1 || h.ledger.triage[0].ChangedFields != 1 {
		t.Errorf("ledger triage = %+v", h.ledger.triage)
	}
}

func TestLedgerNamesImageByRelativePath(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(map[string]string{"volts": "5.1"}))
	rec := h.image(t, "panel_"+ts+".png")
	rec.Rel = filepath.Join("bench2", rec.Name)
	if _, err := h.c.Process(context.Background(), rec); err != nil {
		t.Fatalf("process: %v", err)
	}
	want := "bench2/panel_" + ts + ".png"
	if len(h.ledger.triage) != 1 || h.ledger.triage[0].SourceImage != want || h.ledger.triage[0].Destination == "" {
		t.Errorf("ledger triage = %+v", h.ledger.triage)
	}
	if len(h.ledger.pairs) != 1 || h.ledger.pairs[0].SourceImage != want {
		t.Errorf("ledger pairs = %+v", h.ledger.pairs)
	}
	if h.surface.pages[0].Title != want {
		t.Errorf("title = %q", h.surface.pages[0].Title)
	}
}

func TestPageHidesTimestampAndNullFields(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(nil))
	if _, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.surface.pages) != 1 {
		t.Fatalf("pages = %d", len(h.surface.pages))
	}
	p := h.surface.pages[0]
	if p.ReadOnly {
		t.Error("matched page must be editable")
	}
	var names []string
	for _, f := range p.Fields {
		names = append(names, f.Name)
	}
	if len(names) != 2 || names[0] != "volts" || names[1] != "amps" {
		t.Errorf("fields = %v", names)
	}
}

func TestNoEditsIsGoodOCR(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(map[string]string{"volts": "5.0"}))
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.GoodOCR || len(h.writer.writes) != 0 {
		t.Errorf("outcome=%q writes=%v", out, h.writer.writes)
	}
}

func TestNullFieldEditIgnored(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(map[string]string{"note": "hello"}))
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.GoodOCR || len(h.writer.writes) != 0 {
		t.Errorf("outcome=%q writes=%v", out, h.writer.writes)
	}
}

func TestUnpositionedChangeNotWritten(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(map[string]string{"amps": "9.9"}))
	h.c.Layout = fakeLayout{1: {"volts": {X1: 0, Y1: 0, X2: 5, Y2: 5}}}
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.GoodOCR || len(h.writer.writes) != 0 {
		t.Errorf("outcome=%q writes=%v", out, h.writer.writes)
	}
}

func TestUnknownTemplateLayoutIsGoodOCR(t *testing.T) {
	h := newHarness(t, 7, Options{}, next(map[string]string{"volts": "1"}))
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.GoodOCR || len(h.writer.writes) != 0 {
		t.Errorf("outcome=%q writes=%v", out, h.writer.writes)
	}
}

func TestMissingRowGoesToOthers(t *testing.T) {
	h := newHarness(t, 1, Options{})
	out, err := h.c.Process(context.Background(), h.image(t, "p_19990101000000.png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.Others {
		t.Errorf("outcome = %q", out)
	}
	if len(h.surface.pages) != 0 || len(h.writer.writes) != 0 {
		t.Error("nothing may be shown or written for a missing row")
	}
	if h.ledger.triage[0].Reason != "not_found" {
		t.Errorf("reason = %q", h.ledger.triage[0].Reason)
	}
}

func TestLookupFailuresGoToOthers(t *testing.T) {
	cases := []struct {
		name   string
		file   string
		err    error
		reason string
	}{
		{"no timestamp", "screenshot.png", nil, "no_timestamp"},
		{"ambiguous", "p_" + ts + ".png", records.ErrAmbiguous, "ambiguous"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, Options{})
			h.records.err = tc.err
			out, err := h.c.Process(context.Background(), h.image(t, tc.file))
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if out != triage.Others || h.ledger.triage[0].Reason != tc.reason {
				t.Errorf("outcome=%q reason=%q", out, h.ledger.triage[0].Reason)
			}
		})
	}
}

func TestRowWithoutTimestampColumnGoesToOthers(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.records.rows[ts] = records.NewRow("x", []string{"volts"}, []*string{records.StrPtr("1")})
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.Others || len(h.surface.pages) != 0 {
		t.Errorf("outcome=%q pages=%d", out, len(h.surface.pages))
	}
}

func TestDatabaseErrorPropagates(t *testing.T) {
	h := newHarness(t, 1, Options{})
	boom := errors.New("connection refused")
	h.records.err = boom
	if _, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png")); !errors.Is(err, boom) {
		t.Fatalf("expected db error, got %v", err)
	}
	if len(h.mover.moves) != 0 {
		t.Error("image must stay in place")
	}
}

func TestUndecodableImageGoesToOthers(t *testing.T) {
	h := newHarness(t, 1, Options{})
	name := "p_" + ts + ".png"
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := h.c.Process(context.Background(), ImageRecord{Dir: h.dir, Name: name})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.Others || h.ledger.triage[0].Reason != "decode" {
		t.Errorf("outcome=%q reason=%q", out, h.ledger.triage[0].Reason)
	}
}

func TestNoMatchShowsReadOnlyPage(t *testing.T) {
	h := newHarness(t, 0, Options{}, next(map[string]string{"volts": "9"}))
	out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != triage.NoMatch {
		t.Errorf("outcome = %q", out)
	}
	if len(h.writer.writes) != 0 {
		t.Error("no ground truth for unmatched images")
	}
	if !h.surface.pages[0].ReadOnly {
		t.Error("no-match page must be read-only")
	}
}

func TestConfigIssueWins(t *testing.T) {
	issue := review.Decision{Action: review.ActionConfigIssue, Edits: map[string]string{"volts": "7"}}
	for _, id := range []int{0, 1} {
		h := newHarness(t, id, Options{}, issue)
		out, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png"))
		if err != nil {
			t.Fatalf("template %d: %v", id, err)
		}
		if out != triage.ConfigIssue {
			t.Errorf("template %d: outcome = %q", id, out)
		}
		if len(h.writer.writes) != 0 {
			t.Errorf("template %d: config issue must not write", id)
		}
	}
}

func TestLabeledModeAnnotates(t *testing.T) {
	h := newHarness(t, 1, Options{Labeled: true}, next(nil))
	if _, err := h.c.Process(context.Background(), h.image(t, "p_"+ts+".png")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if a := h.c.Annotator.(*fakeAnnotator); a.calls != 1 {
		t.Errorf("annotator calls = %d", a.calls)
	}
}

func TestRunStopsQuietlyOnQuit(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(nil))
	imgs := []ImageRecord{h.image(t, "a_"+ts+".png"), h.image(t, "b_"+ts+".png")}
	if err := h.c.Run(context.Background(), imgs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.mover.moves) != 1 || h.mover.moves[0].name != "a_"+ts+".png" {
		t.Errorf("moves = %+v, second image must stay in place", h.mover.moves)
	}
	if !h.surface.closed {
		t.Error("surface not closed")
	}
}

func TestRunClosesSurfaceWhenDone(t *testing.T) {
	h := newHarness(t, 1, Options{}, next(nil), next(nil))
	imgs := []ImageRecord{h.image(t, "a_"+ts+".png"), h.image(t, "b_"+ts+".png")}
	if err := h.c.Run(context.Background(), imgs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.mover.moves) != 2 || !h.surface.closed {
		t.Errorf("moves=%v closed=%v", h.mover.moves, h.surface.closed)
	}
}

func TestRunReturnsFatalError(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.records.err = errors.New("db down")
	err := h.c.Run(context.Background(), []ImageRecord{h.image(t, "a_"+ts+".png")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !h.surface.closed {
		t.Error("surface not closed after error")
	}
}

func TestChanged(t *testing.T) {
	fields := voltsAmpsRow().Without(records.TSField).Fields
	pos := layout.Positions{"volts": {}, "amps": {}, "note": {}}
	got := Changed(fields, map[string]string{"volts": "5.1", "amps": "1.2", "note": "x", "ghost": "1"}, pos)
	if len(got) != 1 || got[0].Name != "volts" {
		t.Errorf("Changed = %+v", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error")
	}
}
