//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestAdmin_NoKey(t *testing.T) {
	resp := doPost(t, "/admin/orders/some-id/status",
		map[string]string{"status": "PROCESSING"}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdmin_WrongKey(t *testing.T) {
	resp := doPost(t, "/admin/orders/some-id/status",
		map[string]string{"status": "PROCESSING"},
		map[string]string{"X-Api-Key": "wrong-key"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdmin_FulfilmentFlow(t *testing.T) {
	placed := placeBankOrder(t, "cust-fulfil", "TSHIRT-BLK-M")
	settleBankOrder(t, "stmt-fulfil-1", placed.PaymentRef)

	// Settlement confirmed the order.
	resp := doGet(t, "/orders/"+placed.OrderID, asPrincipal("cust-fulfil"))
	o := decodeJSON[orderResponse](t, resp)
	resp.Body.Close()
	if o.Status != "CONFIRMED" || o.PaymentState != "CAPTURED" {
		t.Fatalf("got %s/%s, want CONFIRMED/CAPTURED", o.Status, o.PaymentState)
	}

	// Advance through fulfilment.
	resp = doPost(t, "/admin/orders/"+placed.OrderID+"/status",
		map[string]string{"status": "PROCESSING"}, asAdmin())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PROCESSING: expected 200, got %d", resp.StatusCode)
	}

	resp = doPost(t, "/admin/orders/"+placed.OrderID+"/status",
		map[string]string{"status": "SHIPPED", "tracking_ref": "TRK-0042"}, asAdmin())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("SHIPPED: expected 200, got %d", resp.StatusCode)
	}
	o = decodeJSON[orderResponse](t, resp)
	resp.Body.Close()
	if o.TrackingRef != "TRK-0042" {
		t.Errorf("tracking_ref: got %q, want TRK-0042", o.TrackingRef)
	}

	// Moving backwards is rejected.
	resp = doPost(t, "/admin/orders/"+placed.OrderID+"/status",
		map[string]string{"status": "PROCESSING"}, asAdmin())
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("backwards: expected 409, got %d", resp.StatusCode)
	}

	// Cancelling a shipped order is rejected too.
	resp = doPost(t, "/orders/"+placed.OrderID+"/cancel",
		map[string]string{"reason": "too late"}, asPrincipal("cust-fulfil"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel shipped: expected 409, got %d", resp.StatusCode)
	}
}

func TestAdmin_AuditTrail(t *testing.T) {
	placed := placeBankOrder(t, "cust-audit", "STICKER-PACK")
	settleBankOrder(t, "stmt-audit-1", placed.PaymentRef)

	resp := doGet(t, "/admin/orders/"+placed.OrderID+"/audit", asAdmin())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	entries := decodeJSON[[]auditEntry](t, resp)
	if len(entries) < 2 {
		t.Fatalf("got %d audit entries, want at least creation and capture", len(entries))
	}
	if entries[0].ToStatus != "PENDING" {
		t.Errorf("first entry to_status: got %s, want PENDING", entries[0].ToStatus)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	payload := []byte(`{"entry_id":"stmt-bad","transfer_ref":"BT-NOPE","state":"settled"}`)
	resp := postWebhook(t, "bank_transfer", payload, "deadbeef")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	resp := postWebhook(t, "carrier-pigeon", []byte(`{}`), "deadbeef")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	placed := placeBankOrder(t, "cust-dup", "TSHIRT-BLK-L")

	payload := []byte(`{"entry_id":"stmt-dup-1","transfer_ref":"` + placed.PaymentRef + `","state":"settled"}`)
	sig := signPayload(bankWebhookSecret, payload)

	for i := 0; i < 2; i++ {
		resp := postWebhook(t, "bank_transfer", payload, sig)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := doGet(t, "/orders/"+placed.OrderID, asPrincipal("cust-dup"))
	defer resp.Body.Close()
	o := decodeJSON[orderResponse](t, resp)
	if o.Status != "CONFIRMED" {
		t.Errorf("status: got %s, want CONFIRMED", o.Status)
	}
}
