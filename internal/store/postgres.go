package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-repurposer/internal/models"
)

// ErrNotFound is returned on a lookup miss or an ownership mismatch. The two
// cases are deliberately indistinguishable so job existence never leaks
// across users.
var ErrNotFound = errors.New("generation not found")

// ErrInsufficientCredits is returned when a deduction would drive the balance
// negative.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Store wraps pgxpool for Postgres persistence of generations and credits.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const generationColumns = `id, user_id, input_type, input_url, input_text, transcript, status, outputs,
	error_message, retry_count, max_retries, scheduled_at, claimed_at, created_at, updated_at,
	completed_at, processing_time_ms`

// CreateGenerationParams collects inputs required to insert a generation.
type CreateGenerationParams struct {
	UserID     string
	InputType  string
	InputURL   string
	InputText  string
	MaxRetries int
}

// AudioUploadHold keeps a fresh audio generation out of the claim window
// until its blob arrives via the upload endpoint; SetInputURL releases it.
// Without the hold a worker tick could claim the job before the upload lands
// and burn its retries on a missing blob. A job whose upload never arrives
// becomes claimable after the hold and fails through the normal retry path.
const AudioUploadHold = 24 * time.Hour

// CreateGeneration inserts a pending generation eligible for the next worker tick.
func (s *Store) CreateGeneration(ctx context.Context, p CreateGenerationParams) (models.Generation, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	scheduledAt := now
	if p.InputType == models.InputAudio {
		scheduledAt = now.Add(AudioUploadHold)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, user_id, input_type, input_url, input_text, status, retry_count, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, p.UserID, p.InputType, emptyToNil(p.InputURL), emptyToNil(p.InputText), models.StatusPending, p.MaxRetries, scheduledAt, now)
	if err != nil {
		return models.Generation{}, fmt.Errorf("insert generation: %w", err)
	}

	return models.Generation{
		ID:          id,
		UserID:      p.UserID,
		InputType:   p.InputType,
		InputURL:    emptyToNil(p.InputURL),
		InputText:   emptyToNil(p.InputText),
		Status:      models.StatusPending,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ClaimNextPending atomically claims the oldest eligible pending generation
// and moves it to processing. FOR UPDATE SKIP LOCKED guarantees two
// concurrent ticks never claim the same row. Returns nil when the queue is
// empty.
func (s *Store) ClaimNextPending(ctx context.Context) (*models.Generation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE generations
		SET status = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM generations
			WHERE status = $2 AND scheduled_at <= NOW()
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+generationColumns,
		models.StatusProcessing, models.StatusPending)

	gen, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending generation: %w", err)
	}
	return &gen, nil
}

// SaveTranscript persists a resolved transcript so retries skip resolution.
func (s *Store) SaveTranscript(ctx context.Context, id, transcript string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generations SET transcript = $2, updated_at = NOW()
		WHERE id = $1 AND transcript IS NULL
	`, id, transcript)
	return err
}

// MarkCompleted writes outputs and completion metadata. Outputs are non-null
// only on completed rows.
func (s *Store) MarkCompleted(ctx context.Context, id string, outputs *models.ContentOutputs, processingMS int64) error {
	payload, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE generations
		SET status = $2, outputs = $3, error_message = NULL, completed_at = NOW(),
		    processing_time_ms = $4, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, payload, processingMS)
	return err
}

// ScheduleRetry returns a claimed generation to pending with a deferred
// eligibility time.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retryCount int, runAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generations
		SET status = $2, retry_count = $3, scheduled_at = $4, error_message = $5,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPending, retryCount, runAt, errMsg)
	return err
}

// MarkFailed transitions a generation to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generations
		SET status = $2, retry_count = $3, error_message = $4, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, retryCount, errMsg)
	return err
}

// GetGeneration fetches a generation scoped to its owner.
func (s *Store) GetGeneration(ctx context.Context, id, userID string) (models.Generation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE id = $1 AND user_id = $2
	`, id, userID)

	gen, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Generation{}, ErrNotFound
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("scan generation: %w", err)
	}
	return gen, nil
}

// SetInputURL records the storage key of an uploaded audio blob and releases
// the generation into the claim window.
func (s *Store) SetInputURL(ctx context.Context, id, userID, inputURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET input_url = $3, scheduled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = $4
	`, id, userID, inputURL, models.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStuck recovers generations whose worker died mid-tick: any
// processing row with an expired claim lease goes back to pending.
func (s *Store) RequeueStuck(ctx context.Context, lease time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations
		SET status = $1, claimed_at = NULL, scheduled_at = NOW(), updated_at = NOW()
		WHERE status = $2 AND claimed_at < NOW() - $3::interval
	`, models.StatusPending, models.StatusProcessing, fmt.Sprintf("%d milliseconds", lease.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck generations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPending returns the number of generations ready for a worker tick.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations WHERE status = $1 AND scheduled_at <= NOW()
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending generations: %w", err)
	}
	return n, nil
}

// DeductCredits decrements a user's balance by n as a single guarded UPDATE.
// The eligibility check and the decrement are one statement, so concurrent
// submissions cannot both pass a stale balance check.
func (s *Store) DeductCredits(ctx context.Context, userID string, n int) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE credits
		SET credits_remaining = credits_remaining - $2, updated_at = NOW()
		WHERE user_id = $1 AND credits_remaining >= $2
		RETURNING credits_remaining
	`, userID, n).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	return remaining, nil
}

// RefundCredits returns credits after a failed enqueue. Best-effort
// compensation; capped at the plan total.
func (s *Store) RefundCredits(ctx context.Context, userID string, n int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credits
		SET credits_remaining = LEAST(credits_remaining + $2, credits_total), updated_at = NOW()
		WHERE user_id = $1
	`, userID, n)
	return err
}

// GetCredits returns the current balance for a user.
func (s *Store) GetCredits(ctx context.Context, userID string) (models.CreditBalance, error) {
	var b models.CreditBalance
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, credits_remaining, credits_total, resets_at FROM credits WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.CreditsRemaining, &b.CreditsTotal, &b.ResetsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditBalance{}, ErrNotFound
	}
	if err != nil {
		return models.CreditBalance{}, fmt.Errorf("get credits: %w", err)
	}
	return b, nil
}

// ResetCredits reflects an external billing event (plan renewal or upgrade)
// into the ledger.
func (s *Store) ResetCredits(ctx context.Context, userID string, total int, resetsAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credits (user_id, credits_remaining, credits_total, resets_at, updated_at)
		VALUES ($1, $2, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET credits_remaining = EXCLUDED.credits_remaining,
		    credits_total = EXCLUDED.credits_total,
		    resets_at = EXCLUDED.resets_at,
		    updated_at = NOW()
	`, userID, total, resetsAt)
	return err
}

func scanGeneration(row pgx.Row) (models.Generation, error) {
	var gen models.Generation
	var inputURL, inputText, transcript, errMsg pgtype.Text
	var outputsJSON []byte
	var claimedAt, completedAt pgtype.Timestamptz
	var processingMS pgtype.Int8

	err := row.Scan(&gen.ID, &gen.UserID, &gen.InputType, &inputURL, &inputText, &transcript,
		&gen.Status, &outputsJSON, &errMsg, &gen.RetryCount, &gen.MaxRetries, &gen.ScheduledAt,
		&claimedAt, &gen.CreatedAt, &gen.UpdatedAt, &completedAt, &processingMS)
	if err != nil {
		return models.Generation{}, err
	}

	gen.InputURL = textPtr(inputURL)
	gen.InputText = textPtr(inputText)
	gen.Transcript = textPtr(transcript)
	gen.ErrorMessage = textPtr(errMsg)
	if claimedAt.Valid {
		gen.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		gen.CompletedAt = &completedAt.Time
	}
	if processingMS.Valid {
		gen.ProcessingTimeMS = &processingMS.Int64
	}
	if len(outputsJSON) > 0 {
		var outputs models.ContentOutputs
		if err := json.Unmarshal(outputsJSON, &outputs); err != nil {
			return models.Generation{}, fmt.Errorf("unmarshal outputs: %w", err)
		}
		gen.Outputs = &outputs
	}
	return gen, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
