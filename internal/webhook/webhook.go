// internal/webhook/webhook.go
package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"

	"esimbot/internal/config"
	"esimbot/internal/logger"
	"esimbot/internal/payment"
)

// Fulfiller is the slice of the core the webhook invokes on a completed
// payment. It runs the same path as a manual admin approval, bypassing
// review.
type Fulfiller interface {
	FulfillFromGateway(session payment.CheckoutSession) error
}

// Handler receives asynchronous payment events from the gateway.
type Handler struct {
	fulfiller Fulfiller
}

func NewHandler(fulfiller Fulfiller) *Handler {
	return &Handler{fulfiller: fulfiller}
}

type gatewayEvent struct {
	EventType string `json:"eventType"`
	Data      struct {
		MerchantPaymentID string `json:"merchantPaymentId"`
		Status            string `json:"status,omitempty"`
	} `json:"data"`
}

// ServeHTTP processes incoming gateway webhook POSTs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.LogHTTPRequest(r)

	if r.Method != http.MethodPost {
		http.Error(w, "Only POST requests are supported", http.StatusMethodNotAllowed)
		return
	}

	payloadBytes, err := io.ReadAll(r.Body)
	if err != nil {
		logger.LogHTTPError(r, http.StatusBadRequest, err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if !verifySignature(r.Header.Get("X-API-SIGNATURE"), payloadBytes) {
		logger.LogError("Invalid gateway webhook signature from %s", logger.GetClientIP(r))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event gatewayEvent
	if err := json.Unmarshal(payloadBytes, &event); err != nil {
		logger.LogHTTPError(r, http.StatusBadRequest, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	logger.LogInfo("Webhook event type: %s (payment %s)", event.EventType, event.Data.MerchantPaymentID)

	if event.EventType != "PAYMENT_COMPLETED" {
		// Other event kinds are acknowledged and ignored.
		w.WriteHeader(http.StatusOK)
		return
	}

	if event.Data.MerchantPaymentID == "" {
		logger.LogInfo("No merchant payment ID in event, ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}

	session, ok := payment.ResolveSession(event.Data.MerchantPaymentID)
	if !ok {
		logger.LogWarn("No pending session for payment %s (expired or replayed)", event.Data.MerchantPaymentID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.fulfiller.FulfillFromGateway(session); err != nil {
		// The payment is already captured. Re-register the session so a
		// duplicate event after restock can still complete the paid order;
		// the operator alert covers the meantime.
		payment.RegisterSession(session)
		logger.LogError("Gateway fulfillment for payment %s failed: %v", session.MerchantPaymentID, err)
	}

	logger.LogInfo("Webhook for payment %s processed.%s", session.MerchantPaymentID, config.WebhookMockNotice())
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the HMAC the gateway stamps on each event body.
func verifySignature(signature string, payload []byte) bool {
	if config.UseMockWebhookVerification {
		logger.LogInfo("Mock webhook verification enabled. Skipping signature check.")
		return true
	}
	if signature == "" {
		return false
	}
	expected := payment.SignPayload(payload, config.PayPayAPISecret())
	return hmac.Equal([]byte(signature), []byte(expected))
}
