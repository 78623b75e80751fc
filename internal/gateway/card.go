package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/payment"
)

// CardName is the registry key for the card-network processor.
const CardName = "card"

var _ payment.Gateway = (*CardProcessor)(nil)

// CardConfig configures the card-network processor client.
type CardConfig struct {
	Endpoint      string
	WebhookSecret []byte
	Timeout       time.Duration
}

// CardProcessor is the synchronous card-network provider: authorize and
// capture return their outcome inline, with webhook confirmations
// arriving as well (the orchestrator's status check absorbs the overlap).
type CardProcessor struct {
	cfg    CardConfig
	client *http.Client
}

// NewCardProcessor creates the card client with a bounded request timeout.
func NewCardProcessor(cfg CardConfig) *CardProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CardProcessor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *CardProcessor) Name() string { return CardName }

// Authorize places a hold on the card. The idempotency key rides the
// request so the provider deduplicates a retried authorize.
func (c *CardProcessor) Authorize(ctx context.Context, req payment.AuthorizeRequest) (*payment.Result, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(req.OrderID) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(req.Amount.StringFixed(2)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(req.Currency) })
	})

	body, err := c.post(ctx, "/v1/charges", e.Bytes(), req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return parseCardResult(body)
}

// Capture settles a previously authorized charge.
func (c *CardProcessor) Capture(ctx context.Context, correlationID string) (*payment.Result, error) {
	body, err := c.post(ctx, "/v1/charges/"+correlationID+"/capture", []byte("{}"), "")
	if err != nil {
		return nil, err
	}
	return parseCardResult(body)
}

// Refund reverses amount against a captured charge.
func (c *CardProcessor) Refund(ctx context.Context, correlationID string, amount decimal.Decimal, reason string) (*payment.Result, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("amount", func(e *jx.Encoder) { e.Str(amount.StringFixed(2)) })
		e.Field("reason", func(e *jx.Encoder) { e.Str(reason) })
	})

	body, err := c.post(ctx, "/v1/charges/"+correlationID+"/refunds", e.Bytes(), "")
	if err != nil {
		return nil, err
	}
	return parseCardResult(body)
}

// VerifyWebhook validates the signature and extracts the normalized
// event from the processor's payload:
//
//	{"event_id": "...", "type": "charge.captured", "charge_id": "...", "reason": "..."}
func (c *CardProcessor) VerifyWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if err := VerifySignature(c.cfg.WebhookSecret, payload, signature); err != nil {
		return nil, err
	}

	ev := payment.WebhookEvent{Raw: payload}
	var eventType string
	d := jx.DecodeBytes(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event_id":
			v, err := d.Str()
			ev.EventID = v
			return err
		case "type":
			v, err := d.Str()
			eventType = v
			return err
		case "charge_id":
			v, err := d.Str()
			ev.CorrelationID = v
			return err
		case "reason":
			v, err := d.Str()
			ev.Reason = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode card webhook")
	}

	switch eventType {
	case "charge.captured":
		ev.Kind = payment.EventCaptured
	case "charge.failed":
		ev.Kind = payment.EventFailed
	case "charge.refunded":
		ev.Kind = payment.EventRefunded
	default:
		return nil, errors.Errorf("unsupported card event type %q", eventType)
	}
	if ev.EventID == "" || ev.CorrelationID == "" {
		return nil, errors.New("card webhook missing event_id or charge_id")
	}
	return &ev, nil
}

func (c *CardProcessor) post(ctx context.Context, path string, body []byte, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "card processor request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 500 {
		return nil, errors.Errorf("card processor unavailable: status %d", resp.StatusCode)
	}
	return data, nil
}

// parseCardResult maps the processor's response to the normalized
// result:
//
//	{"charge_id": "...", "status": "authorized|captured|declined", "reason": "..."}
func parseCardResult(body []byte) (*payment.Result, error) {
	res := payment.Result{Raw: body}
	var status string
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "charge_id":
			v, err := d.Str()
			res.CorrelationID = v
			return err
		case "status":
			v, err := d.Str()
			status = v
			return err
		case "reason":
			v, err := d.Str()
			res.DeclineReason = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode card response")
	}

	switch status {
	case "authorized":
		res.Status = payment.ResultAuthorized
	case "captured":
		res.Status = payment.ResultCaptured
	case "declined":
		res.Status = payment.ResultDeclined
	default:
		return nil, errors.Errorf("unexpected card status %q", status)
	}
	return &res, nil
}
