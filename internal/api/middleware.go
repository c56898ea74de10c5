package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"horus-server/internal/deploy"
	"horus-server/internal/models"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

type ctxKey struct{}

func principal(ctx context.Context) models.License {
	lic, _ := ctx.Value(ctxKey{}).(models.License)
	return lic
}

// authenticate resolves the calling license from X-Api-Key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lic, err := s.deploy.ResolveLicense(r.Context(), r.Header.Get("X-Api-Key"))
		if err != nil {
			if errors.Is(err, deploy.ErrUnauthorized) || errors.Is(err, deploy.ErrLicenseExpired) {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, lic)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), principal(r.Context()).Key)
		if err != nil {
			s.log.WithError(err).Warn("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusServiceUnavailable)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, deploy.ErrUnauthorized), errors.Is(err, deploy.ErrPrivilegeTooLow):
		return http.StatusForbidden
	case errors.Is(err, deploy.ErrLicenseExpired):
		return http.StatusUnauthorized
	case errors.Is(err, deploy.ErrInvalidPlatform), errors.Is(err, deploy.ErrInvalidVersion),
		errors.Is(err, deploy.ErrEmptyPackage):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrPackageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound), errors.Is(err, deploy.ErrNoPublicVersions):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		if code == http.StatusServiceUnavailable {
			msg = "service unavailable"
		} else {
			msg = "internal error"
		}
	}
	http.Error(w, msg, code)
}
