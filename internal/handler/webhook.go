package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/domain/payment"
)

// SignatureHeader carries the provider's payload signature.
const SignatureHeader = "X-Signature"

// webhookBodyLimit bounds provider payloads. Real events are tiny.
const webhookBodyLimit = 1 << 20

// Webhook handles POST /webhooks/{provider}. Providers retry on
// non-2xx, so the response code is the retry signal: bad signatures are
// rejected outright, transient processing failures return 500 to
// request a retry, and everything else (duplicates included) is 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = h.payments.HandleWebhook(r.Context(), provider, payload, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, payment.ErrBadSignature):
		respondError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, payment.ErrUnknownGateway):
		respondError(w, http.StatusNotFound, "unknown provider")
	case errors.Is(err, payment.ErrAttemptNotFound):
		// The attempt may land after the webhook when the provider is
		// faster than our own commit path. Let the provider retry.
		respondError(w, http.StatusInternalServerError, "attempt not yet visible")
	default:
		zctx.From(r.Context()).Error("webhook processing failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "processing failed")
	}
}
