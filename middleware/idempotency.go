// Package middleware carries HTTP middleware shared by the API routes.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"skinmarket/models"
)

// WithIdempotency replays the stored response for a previously seen
// Idempotency-Key instead of executing the handler again. Only mutating
// methods participate; reads pass through untouched.
//
// The key row is claimed before the handler runs, so two concurrent requests
// with the same key cannot both execute: the loser of the insert race either
// replays the finished response or is told the original is still in flight.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
			next.ServeHTTP(w, r)
			return
		}

		claim := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now(),
		}
		if err := db.Create(&claim).Error; err != nil {
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if record.Status == 0 {
				// The first request holding this key has not finished.
				http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		// Only successful outcomes are pinned: a failed attempt releases the
		// key so it may be retried.
		if status >= 200 && status < 300 {
			_ = db.Model(&models.IdempotencyKey{}).Where("key = ?", key).Updates(map[string]any{
				"status":   status,
				"response": string(recorder.body),
			}).Error
		} else {
			_ = db.Delete(&models.IdempotencyKey{}, "key = ?", key).Error
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	body   []byte
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body = append(rr.body, b...)
	return rr.ResponseWriter.Write(b)
}
