// Package output holds the composite frame sinks: the HTTP preview server
// and the frame saver.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/pipeline"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Target is the pipeline surface exposed over HTTP.
type Target interface {
	Inject(cmd types.Command)
	SetRange(r types.DepthRange) error
	HealthCheck() pipeline.Health
	Stats() pipeline.Stats
}

// PreviewConfig configures the preview server.
type PreviewConfig struct {
	Addr        string
	JPEGQuality int
}

// Preview serves the latest composite frame and the pipeline controls.
type Preview struct {
	cfg    PreviewConfig
	target Target
	saver  *Saver // optional

	started time.Time

	mu     sync.Mutex
	latest *types.CompositeFrame
	notify chan struct{} // closed and replaced on every frame
	ended  bool
}

// NewPreview creates the preview sink. saver may be nil.
func NewPreview(cfg PreviewConfig, target Target, saver *Saver) *Preview {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &Preview{
		cfg:     cfg,
		target:  target,
		saver:   saver,
		started: time.Now(),
		notify:  make(chan struct{}),
	}
}

// Run consumes composite frames until the feed ends. A fault on the feed
// is returned.
func (p *Preview) Run(ctx context.Context, frames *broadcast.Subscription[*types.CompositeFrame]) error {
	defer frames.Close()
	defer p.end()

	for {
		f, err := frames.Receive(ctx)
		if err != nil {
			if broadcast.IsTerminal(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("output: preview feed faulted", "error", err)
			return err
		}
		p.offer(f)
	}
}

func (p *Preview) offer(f *types.CompositeFrame) {
	p.mu.Lock()
	p.latest = f
	if !p.ended {
		close(p.notify)
		p.notify = make(chan struct{})
	}
	p.mu.Unlock()
}

func (p *Preview) end() {
	p.mu.Lock()
	if !p.ended {
		p.ended = true
		close(p.notify)
	}
	p.mu.Unlock()
}

// current returns the latest frame and the channel closed by the next one.
func (p *Preview) current() (*types.CompositeFrame, <-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.notify, p.ended
}

// Handler returns the HTTP routes.
func (p *Preview) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", p.handleHealth)
	r.Get("/readiness", p.handleReadiness)
	r.Get("/stats", p.handleStats)
	r.Get("/frame.jpg", p.handleFrame)
	r.Get("/stream.mjpeg", p.handleStream)
	r.Post("/commands/{name}", p.handleCommand)
	r.Put("/range/{mode}", p.handleRange)
	r.Post("/snapshot", p.handleSnapshot)
	return r
}

// ListenAndServe serves Handler on the configured address until ctx ends.
func (p *Preview) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("output: preview server listening", "addr", p.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("output: preview server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Streaming clients never finish on their own.
	p.end()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	slog.Info("output: preview server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("output: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (p *Preview) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(p.started).Seconds()),
	})
}

func (p *Preview) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	h := p.target.HealthCheck()
	status := http.StatusOK
	if h.Status == pipeline.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (p *Preview) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.target.Stats())
}

func (p *Preview) encode(f *types.CompositeFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("output: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Preview) handleFrame(w http.ResponseWriter, _ *http.Request) {
	f, _, _ := p.current()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	data, err := p.encode(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", fmt.Sprint(f.Seq))
	w.Write(data)
}

const boundary = "composite"

func (p *Preview) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var sent *types.CompositeFrame
	for {
		f, next, ended := p.current()
		if f != nil && f != sent {
			data, err := p.encode(f)
			if err != nil {
				slog.Warn("output: mjpeg frame dropped", "seq", f.Seq, "error", err)
			} else {
				fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data))
				if _, err := w.Write(data); err != nil {
					return
				}
				fmt.Fprint(w, "\r\n")
				flusher.Flush()
			}
			sent = f
		}
		if ended {
			return
		}

		select {
		case <-next:
		case <-r.Context().Done():
			return
		}
	}
}

func (p *Preview) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, err := types.ParseCommand(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.target.Inject(cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"command": cmd.String(), "status": "accepted"})
}

func (p *Preview) handleRange(w http.ResponseWriter, r *http.Request) {
	rng, err := types.ParseDepthRange(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.target.SetRange(rng); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"range": rng.String()})
}

func (p *Preview) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if p.saver == nil {
		writeError(w, http.StatusNotFound, "snapshots disabled")
		return
	}
	f, _, _ := p.current()
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	path, err := p.saver.Save(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"seq": f.Seq, "path": path})
}
