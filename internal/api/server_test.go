package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"content-repurposer/internal/auth"
	"content-repurposer/internal/blob"
	"content-repurposer/internal/config"
	"content-repurposer/internal/models"
	"content-repurposer/internal/ratelimit"
	"content-repurposer/internal/store"
	"content-repurposer/internal/worker"
)

// memStore is an in-memory stand-in for the Postgres store, satisfying both
// the API's and the worker driver's store interfaces.
type memStore struct {
	mu      sync.Mutex
	gens    map[string]*models.Generation
	credits map[string]*models.CreditBalance
}

func newMemStore() *memStore {
	return &memStore{
		gens:    make(map[string]*models.Generation),
		credits: make(map[string]*models.CreditBalance),
	}
}

func (m *memStore) CreateGeneration(_ context.Context, p store.CreateGenerationParams) (models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	scheduledAt := now
	if p.InputType == models.InputAudio {
		scheduledAt = now.Add(store.AudioUploadHold)
	}
	gen := &models.Generation{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		InputType:   p.InputType,
		Status:      models.StatusPending,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.InputURL != "" {
		gen.InputURL = &p.InputURL
	}
	if p.InputText != "" {
		gen.InputText = &p.InputText
	}
	m.gens[gen.ID] = gen
	return *gen, nil
}

func (m *memStore) GetGeneration(_ context.Context, id, userID string) (models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || g.UserID != userID {
		return models.Generation{}, store.ErrNotFound
	}
	return *g, nil
}

func (m *memStore) SetInputURL(_ context.Context, id, userID, inputURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || g.UserID != userID {
		return store.ErrNotFound
	}
	g.InputURL = &inputURL
	g.ScheduledAt = time.Now()
	return nil
}

func (m *memStore) ClaimNextPending(_ context.Context) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var eligible []*models.Generation
	for _, g := range m.gens {
		if g.Status == models.StatusPending && !g.ScheduledAt.After(now) {
			eligible = append(eligible, g)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt) })
	g := eligible[0]
	g.Status = models.StatusProcessing
	claimed := now
	g.ClaimedAt = &claimed
	copied := *g
	return &copied, nil
}

func (m *memStore) SaveTranscript(_ context.Context, id, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gens[id]; ok && g.Transcript == nil {
		g.Transcript = &transcript
	}
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, outputs *models.ContentOutputs, processingMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gens[id]
	g.Status = models.StatusCompleted
	g.Outputs = outputs
	g.ProcessingTimeMS = &processingMS
	done := time.Now()
	g.CompletedAt = &done
	g.ClaimedAt = nil
	return nil
}

func (m *memStore) ScheduleRetry(_ context.Context, id string, retryCount int, runAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gens[id]
	g.Status = models.StatusPending
	g.RetryCount = retryCount
	g.ScheduledAt = runAt
	g.ErrorMessage = &errMsg
	g.ClaimedAt = nil
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gens[id]
	g.Status = models.StatusFailed
	g.RetryCount = retryCount
	g.ErrorMessage = &errMsg
	g.ClaimedAt = nil
	return nil
}

func (m *memStore) RequeueStuck(_ context.Context, _ time.Duration) (int, error) { return 0, nil }

func (m *memStore) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.gens {
		if g.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeductCredits(_ context.Context, userID string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.credits[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if b.CreditsRemaining < n {
		return 0, store.ErrInsufficientCredits
	}
	b.CreditsRemaining -= n
	return b.CreditsRemaining, nil
}

func (m *memStore) RefundCredits(_ context.Context, userID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.credits[userID]; ok {
		b.CreditsRemaining += n
		if b.CreditsRemaining > b.CreditsTotal {
			b.CreditsRemaining = b.CreditsTotal
		}
	}
	return nil
}

func (m *memStore) GetCredits(_ context.Context, userID string) (models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.credits[userID]
	if !ok {
		return models.CreditBalance{}, store.ErrNotFound
	}
	return *b, nil
}

func (m *memStore) ResetCredits(_ context.Context, userID string, total int, resetsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[userID] = &models.CreditBalance{
		UserID:           userID,
		CreditsRemaining: total,
		CreditsTotal:     total,
		ResetsAt:         resetsAt,
	}
	return nil
}

func (m *memStore) seedCredits(userID string, remaining, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[userID] = &models.CreditBalance{
		UserID:           userID,
		CreditsRemaining: remaining,
		CreditsTotal:     total,
		ResetsAt:         time.Now().AddDate(0, 1, 0),
	}
}

func (m *memStore) generation(id string) models.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.gens[id]
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, gen *models.Generation) (string, error) {
	if gen.InputText != nil {
		return *gen.InputText, nil
	}
	if gen.InputURL != nil {
		return "transcribed " + *gen.InputURL, nil
	}
	return "", errors.New("nothing to resolve")
}

type stubSynth struct{}

func (stubSynth) Generate(_ context.Context, _ string) (*models.ContentOutputs, error) {
	return &models.ContentOutputs{
		TwitterPosts:       []string{"a", "b", "c", "d", "e"},
		LinkedInPosts:      []string{"a", "b", "c"},
		InstagramCaptions:  []string{"a", "b"},
		BlogArticle:        models.BlogArticle{Title: "t", Content: "c", WordCount: 1},
		EmailNewsletter:    models.EmailNewsletter{Subject: "s", Content: "c", WordCount: 1},
		QuoteGraphics:      []string{"a", "b", "c", "d", "e"},
		TwitterThread:      []string{"a", "b"},
		PodcastShowNotes:   "notes",
		VideoScriptSummary: "summary",
		TikTokHooks:        []string{"a", "b", "c", "d", "e"},
	}, nil
}

type countingTick struct{ calls int }

func (c *countingTick) RunTick(_ context.Context) (bool, error) {
	c.calls++
	return false, nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerSecret:       "tick-secret",
		MaxRetries:         3,
		RetryBackoff:       time.Minute,
		GeneralRateWindow:  time.Minute,
		GeneralRateMax:     1000,
		GenerateRateWindow: time.Hour,
		GenerateRateMax:    100,
		TextMinLength:      10,
		TextMaxLength:      50000,
		AudioMaxBytes:      1 << 20,
		AvgProcessingTime:  45 * time.Second,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type testEnv struct {
	server   *Server
	router   http.Handler
	store    *memStore
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, cfg config.Config, tick TickRunner) *testEnv {
	t.Helper()
	ms := newMemStore()
	verifier, err := auth.NewVerifier("test-secret-0123456789", "content-repurposer")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if tick == nil {
		tick = worker.NewDriver(ms, stubResolver{}, stubSynth{}, quietLogger(), cfg.MaxRetries, cfg.RetryBackoff, 0)
	}
	srv := New(cfg, ms, ms, blob.NewLocalStore(t.TempDir()), verifier, ratelimit.NewMemoryLimiter(), tick, quietLogger())
	return &testEnv{
		server:   srv,
		router:   srv.Router(),
		store:    ms,
		verifier: verifier,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Issue(auth.Identity{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const sampleText = "This is a sample transcript of roughly one hundred and fifty characters that the user submits directly for repurposing into derivative content."

func TestGenerateEndToEndTextFlow(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	// Submit.
	rec := env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "text", "input_text": sampleText}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	var submitResp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitResp.Status != models.StatusPending {
		t.Fatalf("submitted status = %s, want pending", submitResp.Status)
	}
	if submitResp.PollURL == "" {
		t.Fatal("poll_url missing")
	}

	if bal, _ := env.store.GetCredits(context.Background(), "user-1"); bal.CreditsRemaining != 4 {
		t.Fatalf("credits after submit = %d, want 4", bal.CreditsRemaining)
	}

	// One worker tick via the scheduler endpoint.
	rec = env.do(t, http.MethodPost, "/worker/process", "", nil,
		map[string]string{"X-Worker-Secret": "tick-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("tick status = %d body=%s", rec.Code, rec.Body.String())
	}
	var tickResp tickResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &tickResp)
	if !tickResp.Processed {
		t.Fatal("tick should have processed the pending generation")
	}

	// Poll.
	rec = env.do(t, http.MethodGet, submitResp.PollURL, token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode poll response: %v", err)
	}
	if status.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", status.Status)
	}
	if status.Progress != 100 {
		t.Fatalf("progress = %d, want 100", status.Progress)
	}
	if status.Outputs == nil {
		t.Fatal("completed generation must include outputs")
	}
	if err := status.Outputs.Validate(); err != nil {
		t.Fatalf("outputs incomplete: %v", err)
	}

	g := env.store.generation(submitResp.GenerationID)
	if g.Transcript == nil || *g.Transcript != sampleText {
		t.Fatal("transcript must equal the submitted text")
	}
}

func TestGenerateRequiresAuth(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec := env.do(t, http.MethodPost, "/api/generate", "",
		map[string]string{"input_type": "text", "input_text": sampleText}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/generate", "not-a-token",
		map[string]string{"input_type": "text", "input_text": sampleText}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 0, 10)

	rec := env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "text", "input_text": sampleText}, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestGenerateValidationRejectsBeforeMutation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	cases := []map[string]string{
		{"input_type": "carrier-pigeon"},
		{"input_type": "text", "input_text": "too short"},
		{"input_type": "youtube", "input_url": "https://example.com/watch?v=abc"},
		{"input_type": "youtube", "input_url": "https://youtu.be/dQw4w9WgXcQEXTRA"},
		{"input_type": "youtube", "input_url": "https://www.youtube.com/watch?v=dQw4w9WgXcQEXTRA"},
		{"input_type": "audio", "input_text": "audio must not carry text"},
	}
	for i, body := range cases {
		rec := env.do(t, http.MethodPost, "/api/generate", token, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d status = %d, want 400", i, rec.Code)
		}
	}

	// Rejected submissions must not touch credits.
	if bal, _ := env.store.GetCredits(context.Background(), "user-1"); bal.CreditsRemaining != 5 {
		t.Fatalf("credits after rejections = %d, want 5", bal.CreditsRemaining)
	}
}

func TestGenerateAcceptsValidYouTubeURL(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	for _, url := range []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=30s",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?t=30",
	} {
		rec := env.do(t, http.MethodPost, "/api/generate", token,
			map[string]string{"input_type": "youtube", "input_url": url}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("url %s status = %d body=%s", url, rec.Code, rec.Body.String())
		}
	}
}

func TestGeneratePerUserRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.GenerateRateMax = 2
	env := newTestEnv(t, cfg, nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 10, 10)

	body := map[string]string{"input_type": "text", "input_text": sampleText}
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/api/generate", token, body, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/generate", token, body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}

	// Blocked submissions must not consume credits.
	if bal, _ := env.store.GetCredits(context.Background(), "user-1"); bal.CreditsRemaining != 8 {
		t.Fatalf("credits = %d, want 8", bal.CreditsRemaining)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	gen, err := env.store.CreateGeneration(context.Background(), store.CreateGenerationParams{
		UserID:    "user-b",
		InputType: models.InputText,
		InputText: sampleText,
	})
	if err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/generations/"+gen.ID, env.token(t, "user-a"), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user read status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/generations/"+gen.ID, env.token(t, "user-b"), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner read status = %d, want 200", rec.Code)
	}
}

func TestWorkerSecretMismatch(t *testing.T) {
	tick := &countingTick{}
	env := newTestEnv(t, testConfig(), tick)

	rec := env.do(t, http.MethodPost, "/worker/process", "", nil,
		map[string]string{"X-Worker-Secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/worker/process", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", rec.Code)
	}
	if tick.calls != 0 {
		t.Fatalf("tick ran %d times despite bad secret", tick.calls)
	}
}

func TestWorkerSecretUnconfiguredRejectsAll(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerSecret = ""
	tick := &countingTick{}
	env := newTestEnv(t, cfg, tick)

	rec := env.do(t, http.MethodPost, "/worker/process", "", nil,
		map[string]string{"X-Worker-Secret": ""})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when secret unset", rec.Code)
	}
}

func TestStatusProgressHeuristic(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")

	gen, _ := env.store.CreateGeneration(context.Background(), store.CreateGenerationParams{
		UserID:    "user-1",
		InputType: models.InputText,
		InputText: sampleText,
	})

	// Pending: 0.
	rec := env.do(t, http.MethodGet, "/api/generations/"+gen.ID, token, nil, nil)
	var status statusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Progress != 0 {
		t.Fatalf("pending progress = %d, want 0", status.Progress)
	}

	// Processing: bounded estimate, never 100.
	claimed, _ := env.store.ClaimNextPending(context.Background())
	if claimed == nil {
		t.Fatal("claim failed")
	}
	rec = env.do(t, http.MethodGet, "/api/generations/"+gen.ID, token, nil, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Progress < 5 || status.Progress > 95 {
		t.Fatalf("processing progress = %d, want within [5,95]", status.Progress)
	}

	// Failed: 0 with error surfaced.
	_ = env.store.MarkFailed(context.Background(), gen.ID, 3, "model unavailable")
	rec = env.do(t, http.MethodGet, "/api/generations/"+gen.ID, token, nil, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Progress != 0 {
		t.Fatalf("failed progress = %d, want 0", status.Progress)
	}
	if status.Error == nil || *status.Error == "" {
		t.Fatal("failed generation must surface its error")
	}
	if status.Outputs != nil {
		t.Fatal("failed generation must not expose outputs")
	}
}

func TestAudioUploadSetsInputURL(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	rec := env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "audio"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}
	var submitResp generateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &submitResp)

	rec = env.do(t, http.MethodPost, "/api/generations/"+submitResp.GenerationID+"/audio", token,
		[]byte("fake-mp3-bytes"), map[string]string{"Content-Type": "audio/mpeg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}

	g := env.store.generation(submitResp.GenerationID)
	if g.InputURL == nil || !strings.HasPrefix(*g.InputURL, "audio/") {
		t.Fatalf("input_url = %v, want audio/ key", g.InputURL)
	}

	// Wrong content type rejected.
	rec = env.do(t, http.MethodPost, "/api/generations/"+submitResp.GenerationID+"/audio", token,
		[]byte("zip"), map[string]string{"Content-Type": "application/zip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-audio upload status = %d, want 400", rec.Code)
	}

	// Other users cannot upload into someone else's generation.
	rec = env.do(t, http.MethodPost, "/api/generations/"+submitResp.GenerationID+"/audio", env.token(t, "user-2"),
		[]byte("fake"), map[string]string{"Content-Type": "audio/mpeg"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user upload status = %d, want 404", rec.Code)
	}
}

func TestAudioJobHeldUntilUpload(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	rec := env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "audio"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}
	var submitResp generateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &submitResp)

	// Ticks before the upload must not claim the job; an early claim would
	// burn retries on the missing blob and can fail the job terminally.
	for i := 0; i < 3; i++ {
		rec = env.do(t, http.MethodPost, "/worker/process", "", nil,
			map[string]string{"X-Worker-Secret": "tick-secret"})
		var tickResp tickResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &tickResp)
		if tickResp.Processed {
			t.Fatal("audio job claimed before its upload arrived")
		}
	}
	g := env.store.generation(submitResp.GenerationID)
	if g.Status != models.StatusPending || g.RetryCount != 0 {
		t.Fatalf("pre-upload state: status=%s retries=%d, want pending/0", g.Status, g.RetryCount)
	}

	// The upload releases the job into the claim window.
	rec = env.do(t, http.MethodPost, "/api/generations/"+submitResp.GenerationID+"/audio", token,
		[]byte("fake-mp3-bytes"), map[string]string{"Content-Type": "audio/mpeg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/worker/process", "", nil,
		map[string]string{"X-Worker-Secret": "tick-secret"})
	var tickResp tickResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &tickResp)
	if !tickResp.Processed {
		t.Fatal("uploaded audio job should be claimable")
	}
	g = env.store.generation(submitResp.GenerationID)
	if g.Status != models.StatusCompleted {
		t.Fatalf("post-upload status = %s, want completed", g.Status)
	}
}

func TestTextLengthCountedInRunes(t *testing.T) {
	cfg := testConfig()
	cfg.TextMinLength = 10
	env := newTestEnv(t, cfg, nil)
	token := env.token(t, "user-1")
	env.store.seedCredits("user-1", 5, 10)

	// Nine runes but eighteen bytes: a byte count would clear the
	// ten-character minimum, a rune count must not.
	rec := env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "text", "input_text": "ééééééééé"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("9-rune submission status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/generate", token,
		map[string]string{"input_type": "text", "input_text": "éééééééééé"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("10-rune submission status = %d, want 202", rec.Code)
	}
}

func TestCreditsResetReflectsBillingEvent(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	token := env.token(t, "user-1")

	rec := env.do(t, http.MethodPost, "/worker/credits/reset", "",
		creditsResetRequest{UserID: "user-1", CreditsTotal: 50},
		map[string]string{"X-Worker-Secret": "tick-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/credits", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("credits status = %d", rec.Code)
	}
	var balance models.CreditBalance
	_ = json.Unmarshal(rec.Body.Bytes(), &balance)
	if balance.CreditsRemaining != 50 || balance.CreditsTotal != 50 {
		t.Fatalf("balance = %+v, want 50/50", balance)
	}
}
