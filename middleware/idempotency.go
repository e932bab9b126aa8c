// Package middleware provides HTTP middleware for the stampd API:
// idempotency-key replay and per-caller rate limiting.
package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stampledger/models"
)

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKeyFrom returns the idempotency key tied to the request, if any.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency replays the stored response for a reused Idempotency-Key
// instead of executing the handler again. The key row is inserted before the
// handler runs, so the unique primary key arbitrates concurrent retries:
// exactly one executes, the rest observe the reservation. Only successful
// responses are stored; a failed attempt releases the key so the caller can
// retry. The ledger operations themselves are idempotent per escrow
// reference; this layer additionally protects non-referenced mutations such
// as oracle credits from network retries.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		reservation := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now().UTC(),
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation)
		if res.Error != nil {
			http.Error(w, "idempotency check failed", http.StatusInternalServerError)
			return
		}
		if res.RowsAffected == 0 {
			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err != nil {
				http.Error(w, "idempotency check failed", http.StatusInternalServerError)
				return
			}
			if record.Status == 0 {
				// Reserved by a request still in flight.
				http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= 200 && status < 300 {
			db.Model(&models.IdempotencyKey{}).
				Where("key = ?", key).
				Updates(map[string]interface{}{"status": status, "response": recorder.buf})
			return
		}
		// Do not cache failures; release the key so a retry can execute.
		db.Delete(&models.IdempotencyKey{}, "key = ?", key)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
