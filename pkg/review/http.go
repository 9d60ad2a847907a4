package review

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

//go:embed page.html
var pageHTML []byte

const writeTimeout = 3 * time.Second

type fieldView struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Hint  string `json:"hint,omitempty"`
}

type pageView struct {
	Type     string            `json:"type"`
	Seq      int               `json:"seq"`
	Title    string            `json:"title"`
	Note     string            `json:"note,omitempty"`
	ReadOnly bool              `json:"read_only"`
	Image    string            `json:"image"`
	Fields   []fieldView       `json:"fields"`
	Edits    map[string]string `json:"edits,omitempty"`
}

type closedMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq,omitempty"`
	Message string `json:"message"`
}

// clientMessage is what the browser sends, over the websocket or as a
// REST body.
type clientMessage struct {
	Type  string `json:"type"`
	Seq   int    `json:"seq"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// Handler returns the HTTP handler serving the page, API and websocket.
func (s *Surface) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is cancelled or the surface closes.
func (s *Surface) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("review surface listening", "url", "http://"+addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.closed:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Surface) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", pageHTML)
	})
	r.GET("/api/page", s.pageHandler)
	r.GET("/image/:seq", s.imageHandler)
	r.GET("/ws", s.wsHandler)
	r.POST("/api/edit", s.editHandler)
	r.POST("/api/next", s.signalHandler(ActionNext))
	r.POST("/api/config-issue", s.signalHandler(ActionConfigIssue))
	r.POST("/api/quit", func(c *gin.Context) {
		s.Close()
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})
	return r
}

func (s *Surface) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

func (s *Surface) pageHandler(c *gin.Context) {
	v, _, ok := s.current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"type": "waiting", "seq": 0})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Surface) imageHandler(c *gin.Context) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seq"})
		return
	}
	v, data, ok := s.current()
	if !ok || v.Seq != seq || len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Surface) editHandler(c *gin.Context) {
	var msg clientMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.edit(msg.Seq, msg.Field, msg.Value); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Surface) signalHandler(a Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg clientMessage
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&msg); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if err := s.signal(msg.Seq, a); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "action": a.String()})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownField), errors.Is(err, errNoSeq):
		return http.StatusBadRequest
	case errors.Is(err, errReadOnly):
		return http.StatusForbidden
	case errors.Is(err, ErrClosed):
		return http.StatusGone
	default:
		return http.StatusConflict
	}
}

func (s *Surface) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket accept error", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := c.Request.Context()
	s.logger.Debug("websocket connected", "remote", c.Request.RemoteAddr)
	if v, _, ok := s.current(); ok {
		_ = s.write(ctx, conn, v)
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			s.logger.Debug("websocket read ended", "err", err)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		var opErr error
		switch msg.Type {
		case "edit":
			opErr = s.edit(msg.Seq, msg.Field, msg.Value)
		case "next":
			opErr = s.signal(msg.Seq, ActionNext)
		case "config_issue":
			opErr = s.signal(msg.Seq, ActionConfigIssue)
		case "quit":
			s.Close()
		default:
			opErr = errors.New("unknown message type " + strconv.Quote(msg.Type))
		}
		if opErr != nil {
			s.logger.Debug("client message rejected", "type", msg.Type, "seq", msg.Seq, "err", opErr)
			_ = s.write(ctx, conn, errorMessage{Type: "error", Seq: msg.Seq, Message: opErr.Error()})
		}
	}
}

func (s *Surface) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// broadcast sends v to every connected browser.
func (s *Surface) broadcast(v any) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := s.write(context.Background(), c, v); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}
}
