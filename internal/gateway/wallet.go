package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/payment"
)

// WalletName is the registry key for the redirect-based wallet.
const WalletName = "wallet"

var _ payment.Gateway = (*Wallet)(nil)

// WalletConfig configures the redirect wallet provider.
type WalletConfig struct {
	// RedirectBase is the wallet-hosted payment page; the session id is
	// appended to it.
	RedirectBase  string
	Endpoint      string
	WebhookSecret []byte
	Timeout       time.Duration
}

// Wallet is the redirect-based provider. Authorize opens a payment
// session and sends the customer to the wallet's hosted page; the
// outcome arrives exclusively via webhook, so authorize results are
// always pending.
type Wallet struct {
	cfg    WalletConfig
	client *http.Client
}

// NewWallet creates the wallet adapter.
func NewWallet(cfg WalletConfig) *Wallet {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Wallet{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *Wallet) Name() string { return WalletName }

// Authorize opens a wallet session and returns the redirect URL. No
// funds move until the customer completes the hosted flow and the
// wallet confirms via webhook.
func (w *Wallet) Authorize(_ context.Context, req payment.AuthorizeRequest) (*payment.Result, error) {
	session := "ws_" + uuid.New().String()
	return &payment.Result{
		CorrelationID: session,
		Status:        payment.ResultPending,
		RedirectURL:   w.cfg.RedirectBase + "/" + session,
	}, nil
}

// Capture is a no-op confirmation: the wallet captures funds when the
// customer completes the hosted flow, which the webhook already
// reported by the time capture could legally be called.
func (w *Wallet) Capture(_ context.Context, correlationID string) (*payment.Result, error) {
	return &payment.Result{CorrelationID: correlationID, Status: payment.ResultCaptured}, nil
}

// Refund reverses a completed wallet payment through the wallet API.
func (w *Wallet) Refund(ctx context.Context, correlationID string, amount decimal.Decimal, reason string) (*payment.Result, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("session", func(e *jx.Encoder) { e.Str(correlationID) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(amount.StringFixed(2)) })
		e.Field("reason", func(e *jx.Encoder) { e.Str(reason) })
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+"/refunds", bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "wallet request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("wallet refund failed: status %d", resp.StatusCode)
	}
	return &payment.Result{CorrelationID: correlationID, Status: payment.ResultCaptured, Raw: raw}, nil
}

// VerifyWebhook validates the signature and extracts the wallet's
// session outcome:
//
//	{"id": "...", "session": "ws_...", "state": "completed|failed", "detail": "..."}
func (w *Wallet) VerifyWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if err := VerifySignature(w.cfg.WebhookSecret, payload, signature); err != nil {
		return nil, err
	}

	ev := payment.WebhookEvent{Raw: payload}
	var state string
	d := jx.DecodeBytes(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			ev.EventID = v
			return err
		case "session":
			v, err := d.Str()
			ev.CorrelationID = v
			return err
		case "state":
			v, err := d.Str()
			state = v
			return err
		case "detail":
			v, err := d.Str()
			ev.Reason = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode wallet webhook")
	}

	switch state {
	case "completed":
		ev.Kind = payment.EventCaptured
	case "failed", "expired":
		ev.Kind = payment.EventFailed
	case "reversed":
		ev.Kind = payment.EventRefunded
	default:
		return nil, errors.Errorf("unsupported wallet state %q", state)
	}
	if ev.EventID == "" || ev.CorrelationID == "" {
		return nil, errors.New("wallet webhook missing id or session")
	}
	return &ev, nil
}
