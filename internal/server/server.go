package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/csrf"
	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/auth"
	"github.com/hitushen/portpeek/internal/config"
	"github.com/hitushen/portpeek/internal/killer"
	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/monitor"
	"github.com/hitushen/portpeek/internal/realtime"
	"github.com/hitushen/portpeek/internal/report"
	"github.com/hitushen/portpeek/internal/store"
	"github.com/hitushen/portpeek/internal/watchlist"
)

const (
	defaultHistoryPage = 20
	maxHistoryPage     = 200
)

// Scanner 是 HTTP 层依赖的扫描调度能力。
type Scanner interface {
	ScanNow(ctx context.Context) (models.ScanResult, error)
	ScheduleScan(delay time.Duration)
	Current() (models.ScanResult, bool)
	LastSuccess() (models.ScanResult, bool)
	Preferences() models.Preferences
	SetPreferences(prefs models.Preferences)
}

// Store 是 HTTP 层依赖的持久化能力。
type Store interface {
	auth.Authenticator
	ListScans(ctx context.Context, limit int) ([]models.ScanResult, error)
	SavePreferences(ctx context.Context, prefs models.Preferences) (models.Preferences, error)
	ResetPreferences(ctx context.Context) (models.Preferences, error)
}

// Signaller 向进程发送终止信号。
type Signaller interface {
	Send(ctx context.Context, pid int, sig models.Signal) error
}

// Options 汇总 Server 的协作者。
type Options struct {
	Config  *config.Config
	Store   Store
	Scanner Scanner
	Killer  Signaller
	Broker  *realtime.Broker
	Logger  *logrus.Entry
	Now     func() time.Time
}

// Server 负责协调 HTTP 路由与业务逻辑。
type Server struct {
	cfg     *config.Config
	store   Store
	auth    *auth.Manager
	scanner Scanner
	killer  Signaller
	broker  *realtime.Broker
	log     *logrus.Entry
	now     func() time.Time
}

// New 创建并初始化带路由的 Server。
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	broker := opts.Broker
	if broker == nil {
		broker = realtime.NewBroker()
	}
	return &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		auth:    auth.NewManager(opts.Store, []byte(opts.Config.SessionKey), opts.Config.CookieSecure),
		scanner: opts.Scanner,
		killer:  opts.Killer,
		broker:  broker,
		log:     log,
		now:     now,
	}
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		[]byte(s.cfg.CSRFKey),
		csrf.Secure(s.cfg.CookieSecure),
		csrf.Path("/"),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.ErrorHandler(http.HandlerFunc(s.csrfFailed)),
	)

	r.Route("/api", func(api chi.Router) {
		api.Get("/csrf", s.apiCSRF)
		api.Post("/login", s.apiLogin)

		api.Group(func(priv chi.Router) {
			priv.Use(s.auth.Middleware)
			priv.Post("/logout", s.apiLogout)
			priv.Get("/status", s.apiStatus)
			priv.Post("/scan", s.apiScan)
			priv.Get("/scans", s.apiListScans)
			priv.Get("/preferences", s.apiGetPreferences)
			priv.Put("/preferences", s.apiUpdatePreferences)
			priv.Post("/preferences/reset", s.apiResetPreferences)
			priv.Post("/processes/{pid}/terminate", s.apiTerminate)
			priv.Get("/events", s.streamEvents)
		})
	})

	return csrfMiddleware(r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).Truncate(time.Microsecond),
			"req_id":   middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func (s *Server) csrfFailed(w http.ResponseWriter, r *http.Request) {
	reason := "invalid csrf token"
	if err := csrf.FailureReason(r); err != nil {
		reason = err.Error()
	}
	writeMessage(w, reason, http.StatusForbidden)
}

func (s *Server) apiCSRF(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"token": csrf.Token(r)})
}

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	user, err := s.auth.Login(w, r, strings.TrimSpace(body.Username), body.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			writeErr(w, err, http.StatusUnauthorized)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, user)
}

func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(w, r); err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "logged_out"})
}

type statusResponse struct {
	Scan          *models.ScanResult `json:"scan"`
	RelativeTime  string             `json:"relativeTime,omitempty"`
	LastSuccess   *models.ScanResult `json:"lastSuccess,omitempty"`
	WatchedPorts  []int              `json:"watchedPorts"`
	InactivePorts []int              `json:"inactivePorts,omitempty"`
	Report        string             `json:"report,omitempty"`
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	prefs := s.scanner.Preferences()
	resp := statusResponse{WatchedPorts: prefs.WatchedPorts}

	current, ok := s.scanner.Current()
	if ok {
		now := s.now()
		resp.Scan = &current
		resp.RelativeTime = current.RelativeTime(now)
		if prefs.ShowInactive {
			resp.InactivePorts = current.InactivePorts(prefs.WatchedPorts)
		}
		resp.Report = report.String(current, report.Options{
			Watched:      prefs.WatchedPorts,
			ShowInactive: prefs.ShowInactive,
			Now:          now,
		})
	}
	if last, ok := s.scanner.LastSuccess(); ok && (resp.Scan == nil || !resp.Scan.OK()) {
		resp.LastSuccess = &last
	}
	writeJSON(w, resp)
}

func (s *Server) apiScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scanner.ScanNow(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, res)
}

func (s *Server) apiListScans(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), defaultHistoryPage)
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	scans, err := s.store.ListScans(r.Context(), limit)
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if scans == nil {
		scans = []models.ScanResult{}
	}
	writeJSON(w, scans)
}

func (s *Server) apiGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.scanner.Preferences())
}

func (s *Server) apiUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WatchedPorts           *[]int   `json:"watchedPorts"`
		WatchedPortsText       *string  `json:"watchedPortsText"`
		RefreshIntervalSeconds *float64 `json:"refreshIntervalSeconds"`
		ShowInactivePorts      *bool    `json:"showInactivePorts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	prefs := s.scanner.Preferences()
	switch {
	case body.WatchedPortsText != nil:
		ports, err := watchlist.Parse(*body.WatchedPortsText)
		if err != nil {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
		prefs.WatchedPorts = ports
	case body.WatchedPorts != nil:
		prefs.WatchedPorts = *body.WatchedPorts
	}
	if body.RefreshIntervalSeconds != nil {
		prefs.RefreshInterval = time.Duration(*body.RefreshIntervalSeconds * float64(time.Second))
	}
	if body.ShowInactivePorts != nil {
		prefs.ShowInactive = *body.ShowInactivePorts
	}

	saved, err := s.store.SavePreferences(r.Context(), prefs)
	if err != nil {
		if watchlist.IsValidationError(err) {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	s.scanner.SetPreferences(saved)
	writeJSON(w, saved)
}

func (s *Server) apiResetPreferences(w http.ResponseWriter, r *http.Request) {
	saved, err := s.store.ResetPreferences(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	s.scanner.SetPreferences(saved)
	writeJSON(w, saved)
}

func (s *Server) apiTerminate(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		writeMessage(w, "invalid pid", http.StatusBadRequest)
		return
	}
	if pid <= 0 {
		writeErr(w, killer.ErrNoProcessAttribution, http.StatusBadRequest)
		return
	}

	var body struct {
		Signal string `json:"signal"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
	}
	sig, err := models.ParseSignal(strings.TrimSpace(body.Signal))
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	rec, ok := s.findListener(pid)
	if !ok {
		writeMessage(w, "process is not listening on a watched port", http.StatusNotFound)
		return
	}

	if err := s.killer.Send(r.Context(), pid, sig); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":      err.Error(),
			"suggestion": killer.Suggestion(err),
		})
		return
	}

	s.log.WithFields(logrus.Fields{"pid": pid, "port": rec.Port, "signal": sig.Name()}).Info("process signalled")
	s.broker.Publish(realtime.Event{
		Type: realtime.EventProcessSignalled,
		Payload: map[string]interface{}{
			"pid":    pid,
			"port":   rec.Port,
			"signal": sig.Name(),
		},
	})
	s.scanner.ScheduleScan(monitor.RescanDelay)
	writeJSON(w, map[string]interface{}{
		"status": "signalled",
		"pid":    pid,
		"port":   rec.Port,
		"signal": sig.Name(),
	})
}

func (s *Server) findListener(pid int) (models.ListenerRecord, bool) {
	current, ok := s.scanner.Current()
	if !ok {
		return models.ListenerRecord{}, false
	}
	for _, l := range current.Listeners {
		if l.PID == pid && l.CanTerminate() {
			return l, true
		}
	}
	return models.ListenerRecord{}, false
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := s.broker.Subscribe()
	defer cleanup()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

func intParam(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
