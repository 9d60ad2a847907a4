// Package review is the operator-facing surface: a small local web page
// showing the current screenshot and an editable grid of its field values.
//
// Show is synchronous. It publishes a page and blocks until the operator
// presses "Next Image" or "Configuration Issue", quits, or the context is
// cancelled. Each page owns a one-slot decision channel; the first signal
// wins and later ones for the same page are dropped.
package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
)

// ErrClosed is returned by Show once the operator quit or the surface was
// closed.
var ErrClosed = errors.New("review surface closed")

var (
	errNoPage       = errors.New("no page is being shown")
	errStalePage    = errors.New("edit addressed to a previous page")
	errReadOnly     = errors.New("page is read-only")
	errUnknownField = errors.New("field is not editable on this page")
	errDecided      = errors.New("page already decided")
	errNoSeq        = errors.New("decision does not name a page")
)

type Action int

const (
	ActionNext Action = iota
	ActionConfigIssue
)

func (a Action) String() string {
	if a == ActionConfigIssue {
		return "config_issue"
	}
	return "next"
}

// Field is one grid row. Fields with a nil Value are not shown.
type Field struct {
	Name  string
	Value *string
	Hint  string
}

// Page is what the operator sees for one image.
type Page struct {
	Title    string
	Note     string
	Image    image.Image
	Fields   []Field
	ReadOnly bool
}

// Decision is the result of one Show. Edits holds only the fields the
// operator touched, with their latest value.
type Decision struct {
	Action Action
	Edits  map[string]string
}

type Options struct {
	DisplayWidth  int
	DisplayHeight int
	Logger        *slog.Logger
}

type Surface struct {
	width, height int
	logger        *slog.Logger
	engine        *gin.Engine

	mu      sync.Mutex
	seq     int
	cur     *pageState
	conns   map[*websocket.Conn]struct{}
	closed  chan struct{}
	closeMu sync.Once
}

type pageState struct {
	seq      int
	view     pageView
	png      []byte
	editable map[string]bool
	edits    map[string]string
	done     chan Action
	decided  bool
}

func New(opts Options) *Surface {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DisplayWidth <= 0 {
		opts.DisplayWidth = 1600
	}
	if opts.DisplayHeight <= 0 {
		opts.DisplayHeight = 900
	}
	s := &Surface{
		width:  opts.DisplayWidth,
		height: opts.DisplayHeight,
		logger: opts.Logger,
		conns:  make(map[*websocket.Conn]struct{}),
		closed: make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

// Show publishes p as a new page and waits for the operator.
func (s *Surface) Show(ctx context.Context, p Page) (Decision, error) {
	select {
	case <-s.closed:
		return Decision{}, ErrClosed
	default:
	}

	st, err := s.newPage(p)
	if err != nil {
		return Decision{}, err
	}
	s.mu.Lock()
	s.cur = st
	s.mu.Unlock()
	s.logger.Debug("page shown", "seq", st.seq, "title", p.Title, "fields", len(st.view.Fields))
	s.broadcast(st.view)

	select {
	case a := <-st.done:
		return s.decision(st, a), nil
	case <-s.closed:
	case <-ctx.Done():
		s.Close()
	}
	// a decision that arrived before the quit still counts
	select {
	case a := <-st.done:
		return s.decision(st, a), nil
	default:
		return Decision{}, ErrClosed
	}
}

// Close ends the session. Pending and future Show calls return ErrClosed.
func (s *Surface) Close() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.broadcast(closedMessage{Type: "closed"})
		s.logger.Info("review surface closed")
	})
}

// Done is closed when the surface closes.
func (s *Surface) Done() <-chan struct{} { return s.closed }

func (s *Surface) newPage(p Page) (*pageState, error) {
	var buf bytes.Buffer
	if p.Image != nil {
		shown := imaging.Resize(p.Image, s.width, s.height, imaging.Lanczos)
		if err := png.Encode(&buf, shown); err != nil {
			return nil, fmt.Errorf("encode display image: %w", err)
		}
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	st := &pageState{
		seq:      seq,
		png:      buf.Bytes(),
		editable: make(map[string]bool, len(p.Fields)),
		edits:    make(map[string]string),
		done:     make(chan Action, 1),
	}
	st.view = pageView{
		Type:     "page",
		Seq:      seq,
		Title:    p.Title,
		Note:     p.Note,
		ReadOnly: p.ReadOnly,
		Image:    fmt.Sprintf("/image/%d", seq),
		Fields:   []fieldView{},
	}
	for _, f := range p.Fields {
		if f.Value == nil {
			continue
		}
		st.view.Fields = append(st.view.Fields, fieldView{Name: f.Name, Value: *f.Value, Hint: f.Hint})
		if !p.ReadOnly {
			st.editable[f.Name] = true
		}
	}
	return st, nil
}

func (s *Surface) decision(st *pageState, a Action) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	edits := make(map[string]string, len(st.edits))
	for k, v := range st.edits {
		edits[k] = v
	}
	return Decision{Action: a, Edits: edits}
}

// edit stores value for field on page seq. seq 0 addresses the current page.
func (s *Surface) edit(seq int, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.pageFor(seq)
	if err != nil {
		return err
	}
	if st.view.ReadOnly {
		return errReadOnly
	}
	if st.decided {
		return errDecided
	}
	if !st.editable[field] {
		return errUnknownField
	}
	st.edits[field] = value
	return nil
}

// signal records the decision for page seq. Only the first one counts.
// Unlike edit, seq must name the page explicitly.
func (s *Surface) signal(seq int, a Action) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if seq == 0 {
		return errNoSeq
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.pageFor(seq)
	if err != nil {
		return err
	}
	if st.decided {
		return errDecided
	}
	st.decided = true
	st.done <- a
	return nil
}

// pageFor must be called with s.mu held.
func (s *Surface) pageFor(seq int) (*pageState, error) {
	if s.cur == nil {
		return nil, errNoPage
	}
	if seq != 0 && seq != s.cur.seq {
		return nil, errStalePage
	}
	return s.cur, nil
}

func (s *Surface) current() (pageView, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return pageView{}, nil, false
	}
	v := s.cur.view
	v.Edits = make(map[string]string, len(s.cur.edits))
	for k, val := range s.cur.edits {
		v.Edits[k] = val
	}
	return v, s.cur.png, true
}
