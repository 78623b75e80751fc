package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/domain/auth"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "X-Api-Key"

type adminKeyCtx struct{}

// adminKeyName returns the name of the validated admin key, or "" when
// the request did not pass AdminAuth.
func adminKeyName(ctx context.Context) string {
	if info, ok := ctx.Value(adminKeyCtx{}).(*auth.APIKeyInfo); ok {
		return info.Name
	}
	return ""
}

// AdminAuth guards the admin endpoints. The presented key is HMAC
// hashed, looked up, re-compared in constant time, and must carry the
// admin scope. Lookup misses and bad keys both read as 401 so the two
// cannot be told apart.
func (h *Handler) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "missing "+APIKeyHeader+" header")
			return
		}

		hash := auth.HashKey(h.pepper, key)
		info, err := h.keys.FindByHash(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, auth.ErrUnknownKey) {
				zctx.From(r.Context()).Error("api key lookup failed", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "internal error")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(info.KeyHash), []byte(hash)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if !info.HasScope(auth.ScopeAdmin) {
			respondError(w, http.StatusForbidden, "admin scope required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKeyCtx{}, info)))
	})
}
