// internal/telegram/client.go
package telegram

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"esimbot/internal/logger"
)

const defaultAPIBase = "https://api.telegram.org"

// Client is a thin Bot API client over net/http. Long polling uses its own
// timeout headroom on top of the poll timeout.
type Client struct {
	token   string
	apiBase string
	http    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		apiBase: defaultAPIBase,
		http: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		},
	}
}

// apiResponse is the envelope every Bot API call returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing %s request: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s failed (code %d): %s", method, envelope.ErrorCode, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("parsing %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for new updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends plain text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendMessageWithKeyboard sends text with inline buttons attached.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *InlineKeyboardMarkup) error {
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": kb,
	}, nil)
}

// SendPhoto re-sends a platform file reference with a caption. kb may be nil.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, kb *InlineKeyboardMarkup) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"photo":   fileID,
		"caption": caption,
	}
	if kb != nil {
		payload["reply_markup"] = kb
	}
	return c.call(ctx, "sendPhoto", payload, nil)
}

// SendVideo re-sends a video file reference with a caption. kb may be nil.
func (c *Client) SendVideo(ctx context.Context, chatID int64, fileID, caption string, kb *InlineKeyboardMarkup) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"video":   fileID,
		"caption": caption,
	}
	if kb != nil {
		payload["reply_markup"] = kb
	}
	return c.call(ctx, "sendVideo", payload, nil)
}

// EditMessageText rewrites a previously sent text message.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	return c.call(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

// EditMessageCaption rewrites the caption of a previously sent media message.
func (c *Client) EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	return c.call(ctx, "editMessageCaption", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"caption":    caption,
	}, nil)
}

// AnswerCallbackQuery acknowledges a button press, optionally with an alert.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	payload := map[string]interface{}{
		"callback_query_id": callbackID,
	}
	if text != "" {
		payload["text"] = text
		payload["show_alert"] = showAlert
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// Poll long-polls for updates and hands each to handle until ctx is done.
// Transport errors back off briefly rather than spinning.
func (c *Client) Poll(ctx context.Context, handle func(Update)) {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			logger.LogInfo("Update polling stopped")
			return
		default:
		}

		updates, err := c.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.LogWarn("getUpdates failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			handle(u)
		}
	}
}
