// Package devbackend is a small reference backend that speaks the health and
// chat-stream protocol tether supervises. It is used for local development
// and as the child process in end-to-end tests.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// Options configures the reference backend.
type Options struct {
	Addr string
	// FrameDelay is the pause between frames of a chat stream.
	FrameDelay time.Duration
	// ReadyAfter delays the first successful health answer.
	ReadyAfter time.Duration
	// Unhealthy makes /health fail forever.
	Unhealthy bool
	Logger    *slog.Logger
}

// Server is the echo application plus its settings.
type Server struct {
	e       *echo.Echo
	opts    Options
	log     *slog.Logger
	started time.Time
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// New builds the echo routes.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{e: e, opts: opts, log: log, started: time.Now()}

	e.GET("/health", s.handleHealth)
	e.POST("/chat/stream", s.handleChat)
	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves on opts.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.e.Listener = ln
	errc := make(chan error, 1)
	go func() {
		s.log.Info("dev backend listening", "addr", ln.Addr().String(), "pid", os.Getpid())
		errc <- s.e.Start("")
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.opts.Unhealthy || time.Since(s.started) < s.opts.ReadyAfter {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "starting"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "pid": os.Getpid()})
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	send := func(v map[string]any) bool {
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", b); err != nil {
			return false
		}
		res.Flush()
		if s.opts.FrameDelay <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.FrameDelay):
			return true
		}
	}

	s.log.Debug("chat stream", "session", req.SessionID, "message", req.Message)
	for _, ev := range Script(req.Message, req.SessionID) {
		if !send(ev) {
			s.log.Debug("client went away", "session", req.SessionID)
			return nil
		}
	}
	if strings.HasPrefix(req.Message, "!forever") {
		for i := 0; ; i++ {
			if !send(map[string]any{"type": "text", "content": fmt.Sprintf("tick %d", i)}) {
				return nil
			}
			if s.opts.FrameDelay <= 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	return nil
}

// Script returns the frames answered for message. Messages starting with
// "!error" end with an error frame, "!drop" ends without a terminal frame and
// "!forever" keeps streaming until the client disconnects.
func Script(message, sessionID string) []map[string]any {
	out := []map[string]any{
		{"type": "thinking", "content": "reading: " + message},
	}
	switch {
	case strings.HasPrefix(message, "!error"):
		msg := strings.TrimSpace(strings.TrimPrefix(message, "!error"))
		if msg == "" {
			msg = "requested failure"
		}
		return append(out, map[string]any{"type": "error", "message": msg})
	case strings.HasPrefix(message, "!drop"):
		return append(out, map[string]any{"type": "text", "content": "partial"})
	case strings.HasPrefix(message, "!forever"):
		return out
	}
	for _, w := range strings.Fields(message) {
		out = append(out, map[string]any{"type": "text", "content": w + " "})
	}
	out = append(out,
		map[string]any{"type": "tool_call", "id": "call_1", "name": "echo", "input": map[string]any{"text": message}},
		map[string]any{"type": "tool_result", "id": "call_1", "output": message},
		map[string]any{"type": "complete", "session_id": sessionID},
	)
	return out
}
