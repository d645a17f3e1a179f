package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/security"
)

const (
	// HeaderKey carries the client's idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from the cache.
	HeaderReplayed = "Idempotent-Replayed"
)

// PrincipalFunc resolves the authenticated caller of r.
type PrincipalFunc func(r *http.Request) (string, error)

// Middleware makes mutating requests that carry an Idempotency-Key header
// idempotent. Requests without the header pass through unchanged.
//
// A repeat of a completed request is answered from the cache with
// Idempotent-Replayed: true. A repeat while the first is still running gets
// 409 Conflict; reusing a key for a different request gets 422. Server
// errors (5xx) are not cached, so the client may retry with the same key.
func Middleware(g *Guard, principal PrincipalFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			who, err := principal(r)
			if err != nil || who == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, security.MaxJobArgsSize))
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			res, err := g.BeginOrFetch(r.Context(), Request{
				Principal:   who,
				Key:         key,
				RequestHash: HashRequest(body),
				Method:      r.Method,
				Path:        r.URL.Path,
			})
			switch {
			case errors.Is(err, core.ErrKeyReuseConflict):
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				return
			case errors.Is(err, core.ErrInvalidIdempotencyKey), errors.Is(err, core.ErrInvalidPrincipal):
				writeError(w, http.StatusBadRequest, err.Error())
				return
			case err != nil:
				g.logger.Error("idempotency check failed", "key", key, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			switch res.Outcome {
			case Cached:
				rec := res.Record
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(rec.ResponseStatus)
				_, _ = w.Write(rec.ResponseBody)
				return
			case InProgress:
				writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}

			// Bookkeeping outlives a client that disconnects mid-request.
			bookCtx := context.WithoutCancel(r.Context())
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// The handler panicked; let the client retry.
				if err := g.Abandon(bookCtx, who, key, res.LockVersion); err != nil {
					g.logger.Error("failed to release idempotency key", "key", key, "error", err)
				}
			}()

			next.ServeHTTP(rec, r)
			completed = true

			if rec.status >= http.StatusInternalServerError {
				if err := g.Abandon(bookCtx, who, key, res.LockVersion); err != nil {
					g.logger.Error("failed to release idempotency key", "key", key, "error", err)
				}
				return
			}
			if err := g.Complete(bookCtx, who, key, res.LockVersion, rec.status, rec.body.Bytes(), rec.Header().Get("Content-Type")); err != nil {
				g.logger.Error("failed to cache idempotent response", "key", key, "error", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// recorder passes the response through while keeping a copy.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
