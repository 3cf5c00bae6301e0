package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"content-repurposer/internal/auth"
	"content-repurposer/internal/blob"
	"content-repurposer/internal/config"
	"content-repurposer/internal/models"
	"content-repurposer/internal/ratelimit"
	"content-repurposer/internal/store"
	"content-repurposer/internal/telemetry"
)

// JobStore is the slice of the store the API needs for generations.
type JobStore interface {
	CreateGeneration(ctx context.Context, p store.CreateGenerationParams) (models.Generation, error)
	GetGeneration(ctx context.Context, id, userID string) (models.Generation, error)
	SetInputURL(ctx context.Context, id, userID, inputURL string) error
}

// CreditLedger is the slice of the store the API needs for credits.
type CreditLedger interface {
	DeductCredits(ctx context.Context, userID string, n int) (int, error)
	RefundCredits(ctx context.Context, userID string, n int) error
	GetCredits(ctx context.Context, userID string) (models.CreditBalance, error)
	ResetCredits(ctx context.Context, userID string, total int, resetsAt time.Time) error
}

// TickRunner triggers one worker tick on behalf of the scheduler endpoint.
type TickRunner interface {
	RunTick(ctx context.Context) (bool, error)
}

// Server wires HTTP handlers for submission, polling, and the worker trigger.
type Server struct {
	cfg      config.Config
	jobs     JobStore
	credits  CreditLedger
	blobs    blob.Store
	verifier *auth.Verifier
	limiter  ratelimit.Limiter
	tick     TickRunner
	log      *logrus.Logger
}

func New(cfg config.Config, jobs JobStore, credits CreditLedger, blobs blob.Store, verifier *auth.Verifier, limiter ratelimit.Limiter, tick TickRunner, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		credits:  credits,
		blobs:    blobs,
		verifier: verifier,
		limiter:  limiter,
		tick:     tick,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.recovery, s.logging, s.generalRateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/generate", s.handleGenerate)
		r.Post("/generations/{id}/audio", s.handleAudioUpload)
		r.Get("/generations/{id}", s.handleGetGeneration)
		r.Get("/credits", s.handleGetCredits)
	})

	r.Route("/worker", func(r chi.Router) {
		r.Use(s.requireWorkerSecret)
		r.Post("/process", s.handleWorkerTick)
		r.Post("/credits/reset", s.handleCreditsReset)
	})

	return r
}

type generateRequest struct {
	InputType string `json:"input_type"`
	InputURL  string `json:"input_url"`
	InputText string `json:"input_text"`
}

type generateResponse struct {
	GenerationID string `json:"generation_id"`
	Status       string `json:"status"`
	PollURL      string `json:"poll_url"`
}

// The trailing group anchors the 11-char video id so a longer id-like string
// does not slip through as a prefix match.
var youtubeURLPattern = regexp.MustCompile(`^https?://(www\.)?(youtube\.com/watch\?v=[\w-]{11}|youtu\.be/[\w-]{11})([?&#/]|$)`)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	res, err := s.limiter.Check(r.Context(), ratelimit.UserKey(ident.UserID), ratelimit.Config{
		Window:      s.cfg.GenerateRateWindow,
		MaxRequests: s.cfg.GenerateRateMax,
	})
	if err != nil {
		s.log.WithError(err).Error("rate limit check")
		writeError(w, http.StatusInternalServerError, "internal_error", "rate limit check failed")
		return
	}
	if !res.Allowed {
		telemetry.RateLimitRejects.Inc()
		writeRateLimited(w, res)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}
	if msg := s.validateSubmission(req); msg != "" {
		writeError(w, http.StatusBadRequest, "validation_error", msg)
		return
	}

	// Eligibility check and decrement are one atomic statement in the store;
	// rejection here means no state was mutated.
	if _, err := s.credits.DeductCredits(r.Context(), ident.UserID, 1); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) || errors.Is(err, store.ErrNotFound) {
			telemetry.InsufficientCredits.Inc()
			writeError(w, http.StatusPaymentRequired, "insufficient_credits", "no credits remaining")
			return
		}
		s.log.WithError(err).Error("deduct credits")
		writeError(w, http.StatusInternalServerError, "internal_error", "credit deduction failed")
		return
	}

	gen, err := s.jobs.CreateGeneration(r.Context(), store.CreateGenerationParams{
		UserID:     ident.UserID,
		InputType:  req.InputType,
		InputURL:   req.InputURL,
		InputText:  req.InputText,
		MaxRetries: s.cfg.MaxRetries,
	})
	if err != nil {
		s.log.WithError(err).Error("create generation")
		if refundErr := s.credits.RefundCredits(r.Context(), ident.UserID, 1); refundErr != nil {
			s.log.WithError(refundErr).Error("refund after failed enqueue")
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "could not enqueue generation")
		return
	}

	telemetry.Submissions.Inc()
	s.log.WithFields(logrus.Fields{
		"generation_id": gen.ID,
		"user_id":       ident.UserID,
		"input_type":    gen.InputType,
	}).Info("generation submitted")

	writeJSON(w, http.StatusAccepted, generateResponse{
		GenerationID: gen.ID,
		Status:       gen.Status,
		PollURL:      "/api/generations/" + gen.ID,
	})
}

func (s *Server) validateSubmission(req generateRequest) string {
	switch req.InputType {
	case models.InputText:
		// Length bounds are in characters, not bytes.
		n := utf8.RuneCountInString(strings.TrimSpace(req.InputText))
		if n < s.cfg.TextMinLength {
			return fmt.Sprintf("input_text must be at least %d characters", s.cfg.TextMinLength)
		}
		if n > s.cfg.TextMaxLength {
			return fmt.Sprintf("input_text must be at most %d characters", s.cfg.TextMaxLength)
		}
	case models.InputYouTube:
		if !youtubeURLPattern.MatchString(req.InputURL) {
			return "input_url is not a valid YouTube video URL"
		}
	case models.InputAudio:
		// Audio bytes arrive via the upload endpoint after creation.
		if req.InputURL != "" || req.InputText != "" {
			return "audio submissions must not carry input_url or input_text"
		}
	default:
		return "input_type must be one of youtube, audio, text"
	}
	return ""
}

func (s *Server) handleAudioUpload(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	id := chi.URLParam(r, "id")

	gen, err := s.jobs.GetGeneration(r.Context(), id, ident.UserID)
	if err != nil {
		writeNotFoundOrError(w, s.log, err)
		return
	}
	if gen.InputType != models.InputAudio {
		writeError(w, http.StatusBadRequest, "validation_error", "generation does not accept audio upload")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.AudioMaxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "could not read upload body")
		return
	}
	if int64(len(body)) > s.cfg.AudioMaxBytes {
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("audio exceeds %d bytes", s.cfg.AudioMaxBytes))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "empty upload body")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		writeError(w, http.StatusBadRequest, "validation_error", "content type must be audio/*")
		return
	}

	key, err := s.blobs.Upload(r.Context(), "audio/"+id, body, contentType)
	if err != nil {
		s.log.WithError(err).Error("store audio blob")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store audio")
		return
	}
	if err := s.jobs.SetInputURL(r.Context(), id, ident.UserID, key); err != nil {
		writeNotFoundOrError(w, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"generation_id": id, "input_url": key})
}

type statusResponse struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Progress    int                    `json:"progress"`
	Outputs     *models.ContentOutputs `json:"outputs,omitempty"`
	Error       *string                `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	id := chi.URLParam(r, "id")

	gen, err := s.jobs.GetGeneration(r.Context(), id, ident.UserID)
	if err != nil {
		writeNotFoundOrError(w, s.log, err)
		return
	}

	resp := statusResponse{
		ID:          gen.ID,
		Status:      gen.Status,
		Progress:    s.progressFor(gen),
		CreatedAt:   gen.CreatedAt,
		CompletedAt: gen.CompletedAt,
	}
	if gen.Status == models.StatusCompleted {
		resp.Outputs = gen.Outputs
	}
	if gen.Status == models.StatusFailed {
		resp.Error = gen.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

// progressFor is a cosmetic estimate: elapsed processing time against the
// assumed average duration, capped below 100 until completion.
func (s *Server) progressFor(gen models.Generation) int {
	switch gen.Status {
	case models.StatusCompleted:
		return 100
	case models.StatusProcessing:
		started := gen.CreatedAt
		if gen.ClaimedAt != nil {
			started = *gen.ClaimedAt
		}
		avg := s.cfg.AvgProcessingTime
		if avg <= 0 {
			avg = 45 * time.Second
		}
		p := int(float64(time.Since(started)) / float64(avg) * 95)
		if p > 95 {
			p = 95
		}
		if p < 5 {
			p = 5
		}
		return p
	default:
		return 0
	}
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	balance, err := s.credits.GetCredits(r.Context(), ident.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, models.CreditBalance{UserID: ident.UserID})
			return
		}
		s.log.WithError(err).Error("get credits")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not read balance")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type tickResponse struct {
	Processed bool `json:"processed"`
}

func (s *Server) handleWorkerTick(w http.ResponseWriter, r *http.Request) {
	processed, err := s.tick.RunTick(r.Context())
	if err != nil {
		s.log.WithError(err).Error("worker tick")
		writeError(w, http.StatusInternalServerError, "internal_error", "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{Processed: processed})
}

type creditsResetRequest struct {
	UserID       string    `json:"user_id"`
	CreditsTotal int       `json:"credits_total"`
	ResetsAt     time.Time `json:"resets_at"`
}

// handleCreditsReset reflects an external billing event into the ledger. The
// billing provider itself is out of scope; this is its only touchpoint.
func (s *Server) handleCreditsReset(w http.ResponseWriter, r *http.Request) {
	var req creditsResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.CreditsTotal < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid reset payload")
		return
	}
	if req.ResetsAt.IsZero() {
		req.ResetsAt = time.Now().AddDate(0, 1, 0)
	}
	if err := s.credits.ResetCredits(r.Context(), req.UserID, req.CreditsTotal, req.ResetsAt); err != nil {
		s.log.WithError(err).Error("reset credits")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not reset credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- middleware ---

type contextKey string

const identityKey contextKey = "identity"

func identityFrom(ctx context.Context) auth.Identity {
	ident, _ := ctx.Value(identityKey).(auth.Identity)
	return ident
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		ident, err := s.verifier.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

// requireWorkerSecret guards the scheduler trigger. A mismatch is rejected
// before any job processing and logged as a security-relevant event.
func (s *Server) requireWorkerSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Worker-Secret")
		if s.cfg.WorkerSecret == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WorkerSecret)) != 1 {
			s.log.WithFields(logrus.Fields{
				"remote_addr": r.RemoteAddr,
				"path":        r.URL.Path,
			}).Warn("worker secret mismatch")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid worker secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) generalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		key := ratelimit.FingerprintKey(ip, r.UserAgent())
		res, err := s.limiter.Check(r.Context(), key, ratelimit.Config{
			Window:      s.cfg.GeneralRateWindow,
			MaxRequests: s.cfg.GeneralRateMax,
		})
		if err != nil {
			// Advisory throttling only; fail open.
			next.ServeHTTP(w, r)
			return
		}
		if !res.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeRateLimited(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithField("panic", rec).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": message})
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               "rate_limited",
		"message":             "too many requests",
		"retry_after_seconds": retryAfter,
	})
}

func writeNotFoundOrError(w http.ResponseWriter, log *logrus.Logger, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	log.WithError(err).Error("load generation")
	writeError(w, http.StatusInternalServerError, "internal_error", "could not load generation")
}
