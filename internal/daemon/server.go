// Package daemon exposes the session coordinator over a unix-socket HTTP
// API. The daemon is a thin shell: every state decision lives in the
// coordinator and its collaborators.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dosewatch/internal/api"
	"dosewatch/internal/config"
	"dosewatch/internal/connectivity"
	"dosewatch/internal/model"
	"dosewatch/internal/queue"
	"dosewatch/internal/session"
)

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	coord    *session.Coordinator
	queue    *queue.Queue
	conn     *connectivity.Monitor
	streamID string
	sequence atomic.Int64

	mu          sync.Mutex
	listener    net.Listener
	lockFile    *os.File
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, coord *session.Coordinator, q *queue.Queue, conn *connectivity.Monitor) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		queue:    q,
		conn:     conn,
		streamID: uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/session", s.sessionHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/queue", s.queueHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	mux.HandleFunc("/v1/connectivity", s.connectivityHandler)
	mux.HandleFunc("/v1/actions/dose1", s.doseHandler(s.coord.SetDose1))
	mux.HandleFunc("/v1/actions/dose2", s.doseHandler(s.coord.SetDose2))
	mux.HandleFunc("/v1/actions/skip", s.simpleActionHandler(func(ctx context.Context) (model.DoseWindowContext, error) {
		return s.coord.SkipDose2(ctx)
	}))
	mux.HandleFunc("/v1/actions/snooze", s.simpleActionHandler(func(ctx context.Context) (model.DoseWindowContext, error) {
		return s.coord.Snooze(ctx)
	}))
	mux.HandleFunc("/v1/actions/undo", s.simpleActionHandler(func(ctx context.Context) (model.DoseWindowContext, error) {
		return s.coord.Undo(ctx)
	}))
	mux.HandleFunc("/v1/actions/export", s.exportHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeContext(w, http.StatusOK, s.coord.CurrentContext())
	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if err := s.coord.DeleteSession(r.Context(), key); err != nil {
			s.writeActionError(w, err)
			return
		}
		s.writeContext(w, http.StatusOK, s.coord.CurrentContext())
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// doseHandler parses an optional `at` timestamp, defaulting to now. The
// offset in the parsed timestamp is preserved for travel detection.
func (s *Server) doseHandler(apply func(context.Context, time.Time) (model.DoseWindowContext, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		var req api.DoseRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
			return
		}
		at := time.Now()
		if req.At != "" {
			parsed, err := time.Parse(time.RFC3339, req.At)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid timestamp")
				return
			}
			at = parsed
		}
		ctx, err := apply(r.Context(), at)
		if err != nil {
			s.writeActionError(w, err)
			return
		}
		s.writeContext(w, http.StatusOK, ctx)
	}
}

func (s *Server) simpleActionHandler(apply func(context.Context) (model.DoseWindowContext, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		ctx, err := apply(r.Context())
		if err != nil {
			s.writeActionError(w, err)
			return
		}
		s.writeContext(w, http.StatusOK, ctx)
	}
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.coord.ExportAnalytics(r.Context()); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeContext(w, http.StatusAccepted, s.coord.CurrentContext())
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req api.EventRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
			return
		}
		accepted, err := s.coord.LogEvent(r.Context(), model.EventType(req.EventType), req.Payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.EventResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Accepted:      accepted,
		})
	case http.MethodGet:
		events, err := s.coord.Events(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
			return
		}
		items := make([]api.EventItem, 0, len(events))
		for _, ev := range events {
			items = append(items, api.EventItem{
				EventID:    ev.EventID,
				SessionKey: ev.SessionKey,
				EventType:  string(ev.EventType),
				NotedAt:    ev.NotedAt.Format(time.RFC3339Nano),
				Payload:    ev.Payload,
			})
		}
		s.writeJSON(w, http.StatusOK, api.EventsEnvelope{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Events:        items,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	acts, err := s.queue.Pending(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return
	}
	items := make([]api.QueueItem, 0, len(acts))
	for _, act := range acts {
		items = append(items, api.QueueItem{
			ActionID:   act.ID,
			Kind:       string(act.Kind),
			SessionKey: act.SessionKey,
			CreatedAt:  act.CreatedAt.Format(time.RFC3339Nano),
			RetryCount: act.RetryCount,
		})
	}
	s.writeJSON(w, http.StatusOK, api.QueueEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Online:        s.conn.Online(),
		Actions:       items,
	})
}

func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	acts, err := s.queue.Pending(r.Context(), "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	line := api.WatchLine{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.sequence.Add(1),
		Type:          "snapshot",
		Context:       toAPIContext(s.coord.CurrentContext()),
		QueueDepth:    len(acts),
	}
	_ = json.NewEncoder(w).Encode(line)
}

func (s *Server) connectivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Online bool `json:"online"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeRefInvalid, "invalid request body")
		return
	}
	s.conn.SetOnline(req.Online)
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) writeContext(w http.ResponseWriter, status int, ctx model.DoseWindowContext) {
	s.writeJSON(w, status, api.SessionEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Context:       toAPIContext(ctx),
	})
}

func toAPIContext(ctx model.DoseWindowContext) api.SessionContext {
	out := api.SessionContext{
		SessionKey:       ctx.SessionKey,
		Phase:            string(ctx.Phase),
		RemainingSeconds: ctx.RemainingSeconds,
		SnoozeCount:      ctx.SnoozeCount,
		TargetMinutes:    ctx.TargetMinutes,
		OffsetChanged:    ctx.OffsetChanged,
	}
	if ctx.NextReminderAt != nil {
		v := ctx.NextReminderAt.Format(time.RFC3339Nano)
		out.NextReminderAt = &v
	}
	return out
}

// writeActionError maps the result taxonomy onto HTTP statuses.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	code := model.CodeFor(err)
	status := http.StatusConflict
	switch code {
	case model.CodeWindowExceeded, model.CodeSnoozeLimitReached, model.CodeDose1Required:
		status = http.StatusUnprocessableEntity
	case model.CodeAlreadyTaken:
		status = http.StatusConflict
	case model.CodeUndoExpired:
		status = http.StatusGone
	case model.CodeInternal:
		status = http.StatusInternalServerError
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", joinAllow(allow))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.CodeRefInvalid, "method not allowed")
}

func joinAllow(allow []string) string {
	out := ""
	for i, m := range allow {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// Handler exposes the mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
