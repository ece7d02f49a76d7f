package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyRecord is what is kept per key: an in-flight marker until the first response is
// written, then the response itself.
type IdempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	Completed   bool   `json:"completed"`
	Status      int    `json:"status,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyStore reserves keys and remembers their responses.
type IdempotencyStore interface {
	// Reserve claims key for a new request. When the key is already taken it returns the
	// existing record and false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps idempotency records in Redis with a TTL.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "billing"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix + ":idempotency"}
}

func (s *RedisIdempotencyStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	pending, err := json.Marshal(IdempotencyRecord{Fingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}
	// A record can expire between SetNX and Get; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.redisKey(key), pending, ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, true, nil
		}
		raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		var existing IdempotencyRecord
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, false, fmt.Errorf("decode idempotency record: %w", err)
		}
		return &existing, false, nil
	}
	return nil, false, errors.New("idempotency key could not be reserved")
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error {
	record.Completed = true
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(key), payload, ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// IdempotencyMiddleware replays the stored response when a mutating request is retried with
// the same Idempotency-Key and body. A retry that arrives while the first request is still
// running gets 409; reusing a key with a different body gets 422. Server errors release the
// key so the client can retry.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, ok := readLimitedBody(w, r)
			if !ok {
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			actorID := "anonymous"
			if auth, ok := AuthFromContext(r.Context()); ok {
				actorID = auth.ActorID
			}
			key := scopedIdempotencyKey(actorID, r.Method, r.URL.Path, clientKey)
			fingerprint := fingerprintBody(body)

			existing, reserved, err := store.Reserve(r.Context(), key, fingerprint, ttl)
			if err != nil {
				logger.Warn("idempotency store unavailable; processing without replay protection", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				switch {
				case existing.Fingerprint != fingerprint:
					writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request body")
				case !existing.Completed:
					writeError(w, http.StatusConflict, "A request with this Idempotency-Key is already in progress")
				default:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Hit", "true")
					w.WriteHeader(existing.Status)
					w.Write(existing.Body)
				}
				return
			}

			// Anything short of a stored response, including a handler panic, gives the key
			// back so the client can retry.
			completed := false
			defer func() {
				if completed {
					return
				}
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
				defer cancel()
				if err := store.Release(ctx, key); err != nil {
					logger.Warn("failed to release idempotency key", "error", err)
				}
			}()

			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			// The request context may already be cancelled; bookkeeping must still land.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()
			record := IdempotencyRecord{Fingerprint: fingerprint, Status: status, Body: captured.Bytes()}
			if err := store.Complete(ctx, key, record, ttl); err != nil {
				logger.Error("failed to save idempotency record", "error", err)
				return
			}
			completed = true
		})
	}
}

func scopedIdempotencyKey(actorID, method, path, clientKey string) string {
	sum := sha256.Sum256([]byte(actorID + "\x00" + method + "\x00" + path + "\x00" + clientKey))
	return hex.EncodeToString(sum[:])
}

func fingerprintBody(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(sum[:])
}
