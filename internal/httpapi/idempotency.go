package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// HeaderIdempotencyKey позволяет клиенту безопасно повторять запрос
// после сетевой ошибки: повтор с тем же ключом вернёт сохранённый ответ
// вместо повторного оформления заказа.
const HeaderIdempotencyKey = "Idempotency-Key"

const idempotencyTTL = 24 * time.Hour

// responseRecorder перехватывает статус и тело ответа, чтобы сохранить
// их под idempotency-key.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withIdempotency реализует протокол Idempotency-Key. Без заголовка
// запрос проходит насквозь; с заголовком первый запрос занимает ключ,
// повтор с тем же телом получает сохранённый ответ, повтор с другим
// телом отклоняется.
func (h *Handler) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" || h.idem == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		requestHash := hashRequest(r.Method, r.URL.Path, body)

		_, err = h.idem.CreateProcessing(key, requestHash, time.Now().UTC().Add(idempotencyTTL))
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			h.replayIdempotent(w, key, requestHash)
			return
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			writeJSONError(w, http.StatusConflict, domain.ErrIdempotencyHashMismatch.Error())
			return
		default:
			h.logger.WithError(err).WithField("idempotency_key", key).Error("failed to register idempotency key")
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if recorder.status < http.StatusBadRequest {
			err = h.idem.MarkDone(key, recorder.body.Bytes(), recorder.status)
		} else {
			err = h.idem.MarkFailed(key, recorder.body.Bytes(), recorder.status)
		}
		if err != nil {
			h.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	})
}

// replayIdempotent возвращает сохранённый ответ по занятому ключу.
func (h *Handler) replayIdempotent(w http.ResponseWriter, key, requestHash string) {
	record, err := h.idem.Get(key)
	if err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Error("failed to load idempotency record")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if record.RequestHash != requestHash {
		writeJSONError(w, http.StatusConflict, domain.ErrIdempotencyHashMismatch.Error())
		return
	}

	if record.Status == domain.IdempotencyStatusProcessing {
		writeJSONError(w, http.StatusConflict, "request with this idempotency key is still being processed")
		return
	}

	h.logger.WithFields(log.Fields{
		"idempotency_key": key,
		"http_status":     record.HTTPStatus,
	}).Info("replaying idempotent response")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(record.HTTPStatus)
	_, _ = w.Write(record.ResponseBody)
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}
