// internal/payment/payment.go
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"esimbot/internal/config"
	"esimbot/internal/logger"
)

// CheckoutSession correlates a gateway payment with the order it was created
// for. The webhook resolves the merchant payment ID back to this record.
type CheckoutSession struct {
	MerchantPaymentID string
	UserID            int64
	UserName          string
	Product           string
	Quantity          int
	Amount            int
	CodeUsed          string
	CreatedAt         time.Time
}

// Pending checkout sessions awaiting a PAYMENT_COMPLETED event.
var (
	pendingSessions = make(map[string]CheckoutSession)
	pendingMu       sync.Mutex
)

const sessionExpiry = 30 * time.Minute

type createQRCodeRequest struct {
	MerchantPaymentID string `json:"merchantPaymentId"`
	Amount            money  `json:"amount"`
	CodeType          string `json:"codeType"`
	OrderDescription  string `json:"orderDescription"`
	RedirectURL       string `json:"redirectUrl,omitempty"`
	RedirectType      string `json:"redirectType,omitempty"`
	RequestedAt       int64  `json:"requestedAt"`
}

type money struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
}

type createQRCodeResponse struct {
	ResultInfo struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"resultInfo"`
	Data struct {
		URL      string `json:"url"`
		DeepLink string `json:"deeplink"`
	} `json:"data"`
}

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 5,
	},
}

// CreateCheckoutSession creates a gateway QR checkout for the order and
// registers the pending session. Returns the payment URL the buyer opens.
func CreateCheckoutSession(ctx context.Context, userID int64, userName, product string, quantity, amount int, codeUsed string) (string, error) {
	if !config.PayPayEnabled() {
		return "", fmt.Errorf("payment gateway is not configured")
	}

	merchantPaymentID := uuid.NewString()
	reqBody := createQRCodeRequest{
		MerchantPaymentID: merchantPaymentID,
		Amount:            money{Amount: amount, Currency: "JPY"},
		CodeType:          "ORDER_QR",
		OrderDescription:  fmt.Sprintf("%s x%d", product, quantity),
		RequestedAt:       time.Now().Unix(),
	}
	if base := config.CallbackBaseURL(); base != "" {
		reqBody.RedirectURL = base + "/paypay/complete"
		reqBody.RedirectType = "WEB_LINK"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling checkout request: %w", err)
	}

	url := config.PayPayAPIBase() + "/v2/codes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", config.PayPayAPIKey())
	req.Header.Set("X-API-SIGNATURE", SignPayload(body, config.PayPayAPISecret()))

	logger.LogInfo("Creating checkout session %s for user %d (%s x%d, %d yen)",
		merchantPaymentID, userID, product, quantity, amount)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing checkout request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading checkout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		logger.LogError("Gateway API error (HTTP %d): %s", resp.StatusCode, string(raw))
		return "", fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var result createQRCodeResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parsing checkout response: %w", err)
	}
	if result.Data.URL == "" {
		return "", fmt.Errorf("gateway response missing payment URL (%s: %s)",
			result.ResultInfo.Code, result.ResultInfo.Message)
	}

	RegisterSession(CheckoutSession{
		MerchantPaymentID: merchantPaymentID,
		UserID:            userID,
		UserName:          userName,
		Product:           product,
		Quantity:          quantity,
		Amount:            amount,
		CodeUsed:          codeUsed,
		CreatedAt:         time.Now(),
	})
	return result.Data.URL, nil
}

// SignPayload computes the hex HMAC-SHA256 of the body under the shared
// secret. The webhook receiver verifies inbound events the same way.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// RegisterSession records a pending checkout awaiting its webhook event.
func RegisterSession(s CheckoutSession) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	pendingSessions[s.MerchantPaymentID] = s
}

// ResolveSession pops the pending session for a merchant payment ID. The
// second return is false for unknown or already-resolved IDs, which makes a
// replayed webhook a no-op.
func ResolveSession(merchantPaymentID string) (CheckoutSession, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()

	s, ok := pendingSessions[merchantPaymentID]
	if ok {
		delete(pendingSessions, merchantPaymentID)
	}
	return s, ok
}

// PendingCount returns how many checkouts are awaiting completion.
func PendingCount() int {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	return len(pendingSessions)
}

// CleanExpiredSessions periodically drops checkouts that never completed.
func CleanExpiredSessions(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pendingMu.Lock()
			cutoff := time.Now().Add(-sessionExpiry)
			dropped := 0
			for id, s := range pendingSessions {
				if s.CreatedAt.Before(cutoff) {
					delete(pendingSessions, id)
					dropped++
				}
			}
			pendingMu.Unlock()
			if dropped > 0 {
				logger.LogInfo("Dropped %d expired checkout sessions", dropped)
			}
		case <-stop:
			return
		}
	}
}
