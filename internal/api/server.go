// Package api exposes the recorder over HTTP: session control, a WebSocket
// snapshot feed, locale management and meeting history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/locale"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/session"
	"github.com/rohit-iwnl/EchoMind/internal/store"
	"github.com/rohit-iwnl/EchoMind/internal/stt"
	"github.com/rohit-iwnl/EchoMind/internal/summary"
)

// Sessions controls the current recording
type Sessions interface {
	Start(ctx context.Context, target session.Target) (*session.Session, error)
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	Retry(ctx context.Context) error
	Snapshot() (session.Snapshot, bool)
	Subscribe() (<-chan session.Snapshot, func())
}

// Locales manages recognition locale assets
type Locales interface {
	SupportedLocales(ctx context.Context) ([]string, error)
	InstalledLocales(ctx context.Context) ([]string, error)
	AvailableForDownload(ctx context.Context) ([]string, error)
	Asset(ctx context.Context, locale string) (locale.Asset, error)
	Download(ctx context.Context, locale string) (*locale.Installation, error)
	Installation(locale string) (*locale.Installation, bool)
	Deallocate(ctx context.Context, locale string) error
}

// Meetings is the persisted meeting history
type Meetings interface {
	CreateMeeting(ctx context.Context, m store.Meeting) (store.Meeting, error)
	GetMeeting(ctx context.Context, id string) (store.Meeting, error)
	ListMeetings(ctx context.Context, limit int) ([]store.Meeting, error)
	SaveSummary(ctx context.Context, meetingID string, s store.Summary) error
	AddChatMessage(ctx context.Context, msg store.ChatMessage) (store.ChatMessage, error)
	ChatMessages(ctx context.Context, meetingID string) ([]store.ChatMessage, error)
}

// Summarizer generates meeting summaries and answers
type Summarizer interface {
	Summarize(ctx context.Context, meeting store.Meeting) (store.Summary, error)
	Answer(ctx context.Context, meeting store.Meeting, history []store.ChatMessage, question string) (string, error)
}

// Options wires a Server
type Options struct {
	Sessions   Sessions
	Locales    Locales
	Meetings   Meetings
	Summarizer Summarizer // nil disables summary and Q&A routes
	Locale     string     // recognition locale reported by /locales
	Metrics    bool
	Checks     map[string]observability.HealthCheckFunc
}

// Server routes HTTP requests to the recorder
type Server struct {
	opts   Options
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer builds the route table
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: observability.Component("api"),
	}

	s.mux.HandleFunc("POST /sessions/start", s.handleStart)
	s.mux.HandleFunc("POST /sessions/pause", s.handlePause)
	s.mux.HandleFunc("POST /sessions/resume", s.handleResume)
	s.mux.HandleFunc("POST /sessions/stop", s.handleStop)
	s.mux.HandleFunc("POST /sessions/retry", s.handleRetry)
	s.mux.HandleFunc("GET /sessions/current", s.handleCurrent)
	s.mux.HandleFunc("GET /sessions/stream", s.handleStream)

	s.mux.HandleFunc("GET /locales", s.handleLocales)
	s.mux.HandleFunc("GET /locales/{locale}", s.handleLocale)
	s.mux.HandleFunc("POST /locales/{locale}/download", s.handleDownload)
	s.mux.HandleFunc("GET /locales/{locale}/progress", s.handleProgress)
	s.mux.HandleFunc("DELETE /locales/{locale}", s.handleDeallocate)

	s.mux.HandleFunc("GET /meetings", s.handleMeetings)
	s.mux.HandleFunc("GET /meetings/{id}", s.handleMeeting)
	s.mux.HandleFunc("POST /meetings/{id}/summary", s.handleSummary)
	s.mux.HandleFunc("GET /meetings/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /meetings/{id}/messages", s.handleQuestion)

	s.mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	s.mux.HandleFunc("GET /ready", observability.ReadinessHandler(opts.Checks))
	if opts.Metrics {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer wraps the handler with the usual timeouts
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type startRequest struct {
	MeetingID string `json:"meeting_id"`
	Title     string `json:"title"`
}

type errorResponse struct {
	Error         string `json:"error"`
	NeedsDownload bool   `json:"needs_download,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var meeting store.Meeting
	var err error
	if req.MeetingID != "" {
		meeting, err = s.opts.Meetings.GetMeeting(r.Context(), req.MeetingID)
	} else {
		meeting, err = s.opts.Meetings.CreateMeeting(r.Context(), store.Meeting{Title: req.Title})
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	sess, err := s.opts.Sessions.Start(r.Context(), session.Target{
		ID:        meeting.ID,
		Title:     meeting.Title,
		CreatedAt: meeting.CreatedAt,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.opts.Sessions.Pause())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.opts.Sessions.Resume())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.opts.Sessions.Stop(r.Context()))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.opts.Sessions.Retry(r.Context()))
}

func (s *Server) control(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	snap, _ := s.opts.Sessions.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

// currentResponse adds display fields to a snapshot
type currentResponse struct {
	session.Snapshot
	FormattedDuration string `json:"formatted_duration"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.opts.Sessions.Snapshot()
	writeJSON(w, http.StatusOK, currentResponse{
		Snapshot:          snap,
		FormattedDuration: session.FormatDuration(snap.Duration),
	})
}

type localesResponse struct {
	Current              string   `json:"current"`
	Supported            []string `json:"supported"`
	Installed            []string `json:"installed"`
	AvailableForDownload []string `json:"available_for_download"`
}

func (s *Server) handleLocales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	supported, err := s.opts.Locales.SupportedLocales(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	installed, err := s.opts.Locales.InstalledLocales(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	available, err := s.opts.Locales.AvailableForDownload(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, localesResponse{
		Current:              s.opts.Locale,
		Supported:            supported,
		Installed:            installed,
		AvailableForDownload: available,
	})
}

func (s *Server) handleLocale(w http.ResponseWriter, r *http.Request) {
	asset, err := s.opts.Locales.Asset(r.Context(), r.PathValue("locale"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type progressResponse struct {
	Locale   string  `json:"locale"`
	Progress float64 `json:"progress"`
	Finished bool    `json:"finished"`
	Error    string  `json:"error,omitempty"`
}

func installationStatus(inst *locale.Installation) progressResponse {
	resp := progressResponse{
		Locale:   inst.Locale(),
		Progress: inst.Progress(),
		Finished: inst.Finished(),
	}
	if resp.Finished {
		if err := inst.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	return resp
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	inst, err := s.opts.Locales.Download(r.Context(), r.PathValue("locale"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, installationStatus(inst))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := locale.Normalize(r.PathValue("locale"))

	// an installed locale reports complete progress
	asset, err := s.opts.Locales.Asset(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if inst, ok := s.opts.Locales.Installation(id); ok {
		writeJSON(w, http.StatusOK, installationStatus(inst))
		return
	}
	resp := progressResponse{Locale: id, Finished: asset.Installed}
	if asset.Installed {
		resp.Progress = 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Locales.Deallocate(r.Context(), r.PathValue("locale")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMeetings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}
	meetings, err := s.opts.Meetings.ListMeetings(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if meetings == nil {
		meetings = []store.Meeting{}
	}
	writeJSON(w, http.StatusOK, meetings)
}

func (s *Server) handleMeeting(w http.ResponseWriter, r *http.Request) {
	meeting, err := s.opts.Meetings.GetMeeting(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, meeting)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.opts.Summarizer == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("summaries are not configured"))
		return
	}
	ctx := r.Context()
	meeting, err := s.opts.Meetings.GetMeeting(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	result, err := s.opts.Summarizer.Summarize(ctx, meeting)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if err := s.opts.Meetings.SaveSummary(ctx, meeting.ID, result); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.opts.Meetings.ChatMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type questionRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	if s.opts.Summarizer == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("questions are not configured"))
		return
	}
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}

	ctx := r.Context()
	meeting, err := s.opts.Meetings.GetMeeting(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	history, err := s.opts.Meetings.ChatMessages(ctx, meeting.ID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	if _, err := s.opts.Meetings.AddChatMessage(ctx, store.ChatMessage{
		MeetingID:     meeting.ID,
		Content:       req.Question,
		IsUserMessage: true,
	}); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	answer, err := s.opts.Summarizer.Answer(ctx, meeting, history, req.Question)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	reply, err := s.opts.Meetings.AddChatMessage(ctx, store.ChatMessage{
		MeetingID: meeting.ID,
		Content:   answer,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrNoTarget):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMicrophoneDenied), errors.Is(err, session.ErrSpeechDenied):
		return http.StatusForbidden
	case errors.Is(err, locale.ErrLocaleNotSupported), errors.Is(err, locale.ErrInstallationFailed),
		errors.Is(err, stt.ErrLocaleNotReady), errors.Is(err, session.ErrStartCancelled):
		return http.StatusConflict
	case errors.Is(err, summary.ErrEmptyTranscript), errors.Is(err, summary.ErrContextExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, summary.ErrMalformedResponse), errors.Is(err, stt.ErrEngineFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
		observability.RecordError("http", "api")
	} else {
		s.logger.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		NeedsDownload: errors.Is(err, locale.ErrLocaleNotSupported) ||
			errors.Is(err, locale.ErrInstallationFailed) ||
			errors.Is(err, stt.ErrLocaleNotReady),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
