package middleware

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"nftmarket/services/marketd/models"
)

// IdempotencyHeader carries the client supplied key.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

const (
	maxIdempotencyKeyLength = 128
	maxFingerprintBody      = 1 << 20
)

// Idempotency replays the stored response for a repeated POST carrying the
// same Idempotency-Key from the same caller. A key reused for another route
// or a different body is rejected. Server errors are not stored so the client
// may retry them.
func Idempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				writeError(w, http.StatusBadRequest, "invalid_input", "idempotency key too long")
				return
			}
			owner := "anonymous"
			if principal, ok := PrincipalFromContext(r.Context()); ok {
				owner = principal.UserID.String()
			}

			fingerprint, err := fingerprintBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", "request body could not be read")
				return
			}

			var record models.IdempotencyKey
			err = db.WithContext(r.Context()).First(&record, "key = ? AND user_id = ?", key, owner).Error
			switch {
			case err == nil:
				if record.Method != r.Method || record.Path != r.URL.Path || record.Fingerprint != fingerprint {
					writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				logger.Error("load idempotency key", "error", err)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			requestID := chimw.GetReqID(r.Context())
			if requestID == "" {
				requestID = uuid.NewString()
			}
			payload := models.IdempotencyKey{
				Key:         key,
				UserID:      owner,
				RequestID:   requestID,
				Method:      r.Method,
				Path:        r.URL.Path,
				Fingerprint: fingerprint,
				Status:      status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
				logger.Warn("store idempotency key", "error", err)
			}
		})
	}
}

// fingerprintBody hashes the request body and rewinds it for the handler.
func fingerprintBody(r *http.Request) (string, error) {
	if r.Body == nil {
		sum := blake3.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBody+1))
	if err != nil {
		return "", err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
