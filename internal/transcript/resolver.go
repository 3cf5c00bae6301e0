package transcript

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/redis/go-redis/v9"

	"content-repurposer/internal/blob"
	"content-repurposer/internal/models"
)

// ErrUnavailable marks a transcript resolution failure. Callers treat it as
// transient and retry with backoff.
var ErrUnavailable = errors.New("transcript unavailable")

// Fetcher obtains a transcript for a YouTube URL.
type Fetcher interface {
	FetchTranscript(ctx context.Context, url string) (string, error)
}

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Cache stores resolved YouTube transcripts keyed by URL fingerprint, so
// repeated submissions of the same video skip the fetch.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Resolver turns a generation's input into transcript text.
type Resolver struct {
	youtube Fetcher
	speech  Transcriber
	blobs   blob.Store
	cache   Cache
	ttl     time.Duration
}

func NewResolver(youtube Fetcher, speech Transcriber, blobs blob.Store, cache Cache, ttl time.Duration) *Resolver {
	return &Resolver{
		youtube: youtube,
		speech:  speech,
		blobs:   blobs,
		cache:   cache,
		ttl:     ttl,
	}
}

// Resolve returns the transcript for the generation's input. Text inputs are
// returned verbatim; YouTube and audio inputs go through external calls whose
// failures wrap ErrUnavailable.
func (r *Resolver) Resolve(ctx context.Context, gen *models.Generation) (string, error) {
	switch gen.InputType {
	case models.InputText:
		if gen.InputText == nil || *gen.InputText == "" {
			return "", fmt.Errorf("%w: text submission has no content", ErrUnavailable)
		}
		return *gen.InputText, nil

	case models.InputYouTube:
		if gen.InputURL == nil || *gen.InputURL == "" {
			return "", fmt.Errorf("%w: youtube submission has no url", ErrUnavailable)
		}
		return r.resolveYouTube(ctx, *gen.InputURL)

	case models.InputAudio:
		if gen.InputURL == nil || *gen.InputURL == "" {
			return "", fmt.Errorf("%w: audio has not been uploaded yet", ErrUnavailable)
		}
		return r.resolveAudio(ctx, *gen.InputURL)

	default:
		return "", fmt.Errorf("%w: unknown input type %q", ErrUnavailable, gen.InputType)
	}
}

func (r *Resolver) resolveYouTube(ctx context.Context, url string) (string, error) {
	key := cacheKey(url)
	if r.cache != nil {
		if text, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			return text, nil
		}
	}

	text, err := r.youtube.FetchTranscript(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if r.cache != nil {
		// Cache failures are not fatal; the next request refetches.
		_ = r.cache.Set(ctx, key, text, r.ttl)
	}
	return text, nil
}

func (r *Resolver) resolveAudio(ctx context.Context, storageKey string) (string, error) {
	audio, err := r.blobs.Download(ctx, storageKey)
	if err != nil {
		return "", fmt.Errorf("%w: download audio: %v", ErrUnavailable, err)
	}

	text, err := r.speech.Transcribe(ctx, audio, path.Base(storageKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return text, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "transcript:" + hex.EncodeToString(sum[:])
}

// RedisCache is the shared transcript cache.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
