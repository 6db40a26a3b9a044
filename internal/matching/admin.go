package matching

import (
	"crypto/subtle"
	"net/http"

	"github.com/maxg56/matcha/internal/common/logging"
	"github.com/maxg56/matcha/internal/common/utils"
)

// AdminTokenHeader carries the shared operator secret.
const AdminTokenHeader = "X-Admin-Token"

// AdminMiddleware guards operator routes with a static token.
type AdminMiddleware struct {
	token []byte
}

// NewAdminMiddleware returns nil for an empty token; admin routes are then
// not registered at all.
func NewAdminMiddleware(token string) *AdminMiddleware {
	if token == "" {
		return nil
	}
	return &AdminMiddleware{token: []byte(token)}
}

func (m *AdminMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := []byte(r.Header.Get(AdminTokenHeader))
		if subtle.ConstantTimeCompare(given, m.token) != 1 {
			logging.Ctx(r.Context()).Warn().Str("path", r.URL.Path).Msg("admin request rejected")
			utils.ErrorResponse(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearCache(r.Context()); err != nil {
		h.writeError(w, r, err, "Failed to clear cache")
		return
	}
	utils.SuccessResponse(w, map[string]string{"message": "cache cleared"}, http.StatusOK)
}

func (h *Handler) GetPerformanceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PerformanceStats(r.Context())
	if err != nil {
		h.writeError(w, r, err, "Failed to get performance stats")
		return
	}
	utils.SuccessResponse(w, stats, http.StatusOK)
}
