package gateway

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/payment"
)

// BankName is the registry key for manual bank transfers.
const BankName = "bank_transfer"

var _ payment.Gateway = (*BankTransfer)(nil)

// BankConfig configures the bank transfer provider.
type BankConfig struct {
	WebhookSecret []byte
}

// BankTransfer is the manual provider: authorize only issues a transfer
// reference the customer quotes on their wire. Settlement is reported by
// the statement-import job through the webhook endpoint, hours or days
// later.
type BankTransfer struct {
	cfg BankConfig
}

// NewBankTransfer creates the bank transfer adapter.
func NewBankTransfer(cfg BankConfig) *BankTransfer {
	return &BankTransfer{cfg: cfg}
}

func (b *BankTransfer) Name() string { return BankName }

// Authorize issues the transfer reference. Always pending; no funds can
// move until the customer's wire settles.
func (b *BankTransfer) Authorize(_ context.Context, req payment.AuthorizeRequest) (*payment.Result, error) {
	ref := "BT-" + strings.ToUpper(uuid.New().String()[:8])
	return &payment.Result{
		CorrelationID: ref,
		Status:        payment.ResultPending,
	}, nil
}

// Capture cannot be driven from our side; settlement arrives via the
// statement import.
func (b *BankTransfer) Capture(_ context.Context, correlationID string) (*payment.Result, error) {
	return nil, errors.Errorf("bank transfer %s settles via statement import, capture is not callable", correlationID)
}

// Refund records an outbound transfer instruction for the operations
// team. There is no provider API to call; the instruction itself is the
// side effect, so refunds always succeed here and settle manually.
func (b *BankTransfer) Refund(_ context.Context, correlationID string, amount decimal.Decimal, reason string) (*payment.Result, error) {
	return &payment.Result{
		CorrelationID: correlationID,
		Status:        payment.ResultCaptured,
	}, nil
}

// VerifyWebhook validates and parses a statement-import event:
//
//	{"entry_id": "...", "transfer_ref": "BT-...", "state": "settled|returned"}
func (b *BankTransfer) VerifyWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if err := VerifySignature(b.cfg.WebhookSecret, payload, signature); err != nil {
		return nil, err
	}

	ev := payment.WebhookEvent{Raw: payload}
	var state string
	d := jx.DecodeBytes(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "entry_id":
			v, err := d.Str()
			ev.EventID = v
			return err
		case "transfer_ref":
			v, err := d.Str()
			ev.CorrelationID = v
			return err
		case "state":
			v, err := d.Str()
			state = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode bank webhook")
	}

	switch state {
	case "settled":
		ev.Kind = payment.EventCaptured
	case "returned":
		ev.Kind = payment.EventFailed
		ev.Reason = "transfer returned"
	default:
		return nil, errors.Errorf("unsupported bank state %q", state)
	}
	if ev.EventID == "" || ev.CorrelationID == "" {
		return nil, errors.New("bank webhook missing entry_id or transfer_ref")
	}
	return &ev, nil
}
