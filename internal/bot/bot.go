// internal/bot/bot.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"esimbot/internal/broadcast"
	"esimbot/internal/discount"
	"esimbot/internal/fulfill"
	"esimbot/internal/inventory"
	"esimbot/internal/ledger"
	"esimbot/internal/logger"
	"esimbot/internal/session"
	"esimbot/internal/telegram"
)

// Transport is everything the dispatcher needs from the chat layer.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) error
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, kb *telegram.InlineKeyboardMarkup) error
	SendVideo(ctx context.Context, chatID int64, fileID, caption string, kb *telegram.InlineKeyboardMarkup) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
}

const handleTimeout = 30 * time.Second

// Handler routes every incoming update. Dispatch is stage-first: a plain-text
// message is interpreted only according to what the sender's current stage
// expects, never by pattern-matching against every handler.
type Handler struct {
	adminID    int64
	transport  Transport
	store      *ledger.Store
	sessions   *session.Manager
	inv        *inventory.Service
	engine     *discount.Engine
	dispatcher *fulfill.Dispatcher
	caster     *broadcast.Broadcaster

	gatewayEnabled bool
	backupKeep     int
}

func New(adminID int64, transport Transport, store *ledger.Store, sessions *session.Manager,
	inv *inventory.Service, engine *discount.Engine, dispatcher *fulfill.Dispatcher,
	caster *broadcast.Broadcaster, gatewayEnabled bool, backupKeep int) *Handler {
	return &Handler{
		adminID:        adminID,
		transport:      transport,
		store:          store,
		sessions:       sessions,
		inv:            inv,
		engine:         engine,
		dispatcher:     dispatcher,
		caster:         caster,
		gatewayEnabled: gatewayEnabled,
		backupKeep:     backupKeep,
	}
}

func (h *Handler) isAdmin(userID int64) bool {
	return userID == h.adminID
}

// HandleUpdate is the entry point for every polled update.
func (h *Handler) HandleUpdate(u telegram.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch {
	case u.CallbackQuery != nil:
		h.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		h.handleMessage(ctx, u.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}
	uid := msg.From.ID
	h.caster.Track(uid)

	switch {
	case strings.HasPrefix(msg.Text, "/"):
		h.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		h.handlePhoto(ctx, msg)
	case msg.Video != nil:
		h.handleVideo(ctx, msg)
	case msg.Text != "":
		h.handleText(ctx, msg)
	}
}

// send wraps transport errors with a log; a buyer who blocked the bot must
// never take the dispatcher down.
func (h *Handler) send(ctx context.Context, chatID int64, text string) {
	if err := h.transport.SendMessage(ctx, chatID, text); err != nil {
		logger.LogWarn("Failed to send message to %d: %v", chatID, err)
	}
}

func (h *Handler) sendKB(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) {
	if err := h.transport.SendMessageWithKeyboard(ctx, chatID, text, kb); err != nil {
		logger.LogWarn("Failed to send keyboard message to %d: %v", chatID, err)
	}
}

func (h *Handler) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := h.transport.AnswerCallbackQuery(ctx, callbackID, text, alert); err != nil {
		logger.LogWarn("Failed to answer callback: %v", err)
	}
}

// stockSummary renders the per-product unit counts.
func (h *Handler) stockSummary() string {
	counts := h.inv.Counts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("📦 在庫状況\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %d枚\n", name, counts[name])
	}
	return b.String()
}

// productKeyboard builds one button per product, callback "<prefix>_<name>".
func (h *Handler) productKeyboard(prefix string) *telegram.InlineKeyboardMarkup {
	counts := h.inv.Counts()
	names := h.store.ProductNames()

	kb := &telegram.InlineKeyboardMarkup{}
	for _, name := range names {
		kb.InlineKeyboard = append(kb.InlineKeyboard, telegram.Row(telegram.InlineKeyboardButton{
			Text:         fmt.Sprintf("%s (%d枚)", name, counts[name]),
			CallbackData: prefix + "_" + name,
		}))
	}
	return kb
}

// errorMessage maps the error taxonomy to buyer-facing text. Each invalid-code
// kind reads differently on purpose.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, discount.ErrCodeNotFound):
		return "⚠️ そのクーポンコードは見つかりません。"
	case errors.Is(err, discount.ErrCodeUsed):
		return "⚠️ そのクーポンコードはすでに使用済みです。"
	case errors.Is(err, discount.ErrCodeWrongProduct):
		return "⚠️ そのクーポンコードはこの商品には使えません。"
	case errors.Is(err, discount.ErrBulkConflict):
		return "⚠️ まとめ買い割引がすでに適用されているため、クーポンは併用できません。"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return "⚠️ 在庫が不足しています。"
	case errors.Is(err, ledger.ErrProductNotFound):
		return "⚠️ その商品は存在しません。"
	default:
		return "⚠️ エラーが発生しました。もう一度お試しください。"
	}
}

const permissionDenied = "権限がありません。"
