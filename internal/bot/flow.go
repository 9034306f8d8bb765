// internal/bot/flow.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"esimbot/internal/fulfill"
	"esimbot/internal/ledger"
	"esimbot/internal/logger"
	"esimbot/internal/payment"
	"esimbot/internal/session"
	"esimbot/internal/telegram"
)

var codePattern = regexp.MustCompile(`^ESIMJ-[A-Z0-9]{6}$`)

// doneWords are the free-text acknowledgement tokens that advance the buyer
// past the payment stage.
func isDoneToken(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.Contains(t, "完了") || t == "done" || t == "complete"
}

//
// --- Button callbacks ---
//

func (h *Handler) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.From == nil {
		return
	}
	uid := cb.From.ID
	h.caster.Track(uid)

	prefix, arg, _ := strings.Cut(cb.Data, "_")
	switch prefix {
	case "buy":
		h.cbSelectProduct(ctx, cb, uid, arg)
	case "warranty":
		h.sessions.Set(uid, &session.State{Stage: session.StageAwaitingVideo, Product: arg})
		h.send(ctx, uid, "保証対象の動画を送信してください。")
		h.answer(ctx, cb.ID, "", false)
	case "checkout":
		h.cbCheckout(ctx, cb, uid)
	case "confirm":
		h.cbApprove(ctx, cb, uid, arg)
	case "reject":
		h.cbReject(ctx, cb, uid, arg)
	case "wapprove":
		h.cbWarrantyApprove(ctx, cb, uid, arg)
	case "wdeny":
		h.cbWarrantyDeny(ctx, cb, uid, arg)
	default:
		h.answer(ctx, cb.ID, "", false)
	}
}

func (h *Handler) cbSelectProduct(ctx context.Context, cb *telegram.CallbackQuery, uid int64, product string) {
	if _, ok := h.store.Product(product); !ok {
		h.answer(ctx, cb.ID, "", false)
		h.send(ctx, uid, errorMessage(ledger.ErrProductNotFound))
		return
	}

	available := h.inv.Available(product)
	if available == 0 {
		// Stay in product selection; the buyer can pick something else.
		h.send(ctx, uid, fmt.Sprintf("⚠️ 現在「%s」の在庫がありません。追加されるまでお待ちください。", product))
		h.answer(ctx, cb.ID, "", false)
		return
	}

	h.sessions.Set(uid, &session.State{Stage: session.StageEnteringQuantity, Product: product})
	h.send(ctx, uid, fmt.Sprintf("%sですね。\n何枚購入しますか？（在庫: %d枚）", product, available))
	h.answer(ctx, cb.ID, "", false)
}

func (h *Handler) cbCheckout(ctx context.Context, cb *telegram.CallbackQuery, uid int64) {
	st := h.sessions.Get(uid)
	if st == nil || st.Stage != session.StageAwaitingPayment {
		h.answer(ctx, cb.ID, "⚠️ まず /start から始めてください。", true)
		return
	}
	if !h.gatewayEnabled {
		h.answer(ctx, cb.ID, "カード決済は現在利用できません。", true)
		return
	}

	checkoutURL, err := payment.CreateCheckoutSession(ctx, uid, cb.From.FullName(), st.Product, st.Quantity, st.Price, st.Code)
	if err != nil {
		logger.LogError("Checkout session for user %d failed: %v", uid, err)
		h.answer(ctx, cb.ID, "⚠️ 決済リンクの作成に失敗しました。", true)
		return
	}

	kb := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		telegram.Row(telegram.InlineKeyboardButton{Text: "💳 支払いページを開く", URL: checkoutURL}),
	}}
	h.sendKB(ctx, uid, "こちらからお支払いください。完了すると自動で商品が送られます👇", kb)
	h.answer(ctx, cb.ID, "", false)
}

func (h *Handler) cbApprove(ctx context.Context, cb *telegram.CallbackQuery, uid int64, arg string) {
	if !h.isAdmin(uid) {
		h.answer(ctx, cb.ID, permissionDenied, true)
		return
	}

	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.answer(ctx, cb.ID, "", false)
		return
	}

	st := h.sessions.Get(target)
	if st == nil || st.Stage != session.StagePendingAdminReview {
		h.send(ctx, uid, "⚠️ ユーザーデータが見つかりません。")
		h.answer(ctx, cb.ID, "", false)
		return
	}

	units, err := h.dispatcher.Fulfill(ctx, target, "", st.Product, st.Quantity, st.Price, st.Code, "manual")
	if errors.Is(err, ledger.ErrInsufficientStock) {
		// Late shortage: tell the buyer, keep their state intact so the
		// approval can be retried after restock.
		h.send(ctx, target, "⚠️ 現在この商品の在庫がありません。後ほど再送します。")
		h.answer(ctx, cb.ID, "❌ 在庫がありません。", true)
		return
	}
	if err != nil {
		logger.LogError("Fulfillment for user %d failed: %v", target, err)
		h.answer(ctx, cb.ID, "⚠️ 送信に失敗しました。", true)
		return
	}

	h.sessions.Clear(target)
	remaining := h.inv.Available(st.Product)
	if cb.Message != nil {
		caption := fmt.Sprintf("✅ %s の商品を%d枚送信しました。残り在庫: %d枚", st.Product, len(units), remaining)
		if err := h.transport.EditMessageCaption(ctx, cb.Message.Chat.ID, cb.Message.MessageID, caption); err != nil {
			logger.LogWarn("Failed to edit admin review message: %v", err)
		}
	}
	h.answer(ctx, cb.ID, "", false)
}

func (h *Handler) cbReject(ctx context.Context, cb *telegram.CallbackQuery, uid int64, arg string) {
	if !h.isAdmin(uid) {
		h.answer(ctx, cb.ID, permissionDenied, true)
		return
	}

	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.answer(ctx, cb.ID, "", false)
		return
	}

	h.sessions.Set(uid, &session.State{Stage: session.StageAwaitingRejectReason, TargetUser: target})
	h.send(ctx, uid, "❌ 却下理由を送ってください。そのままユーザーへ伝えられます。")
	h.answer(ctx, cb.ID, "", false)
}

func (h *Handler) cbWarrantyApprove(ctx context.Context, cb *telegram.CallbackQuery, uid int64, arg string) {
	if !h.isAdmin(uid) {
		h.answer(ctx, cb.ID, permissionDenied, true)
		return
	}

	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.answer(ctx, cb.ID, "", false)
		return
	}

	st := h.sessions.Get(target)
	if st == nil || st.Stage != session.StageWarrantyPending {
		h.send(ctx, uid, "⚠️ データが見つかりません。")
		h.answer(ctx, cb.ID, "", false)
		return
	}

	units, err := h.inv.Allocate(st.Product, 1)
	if errors.Is(err, ledger.ErrInsufficientStock) {
		h.answer(ctx, cb.ID, "❌ 在庫がありません。", true)
		return
	}
	if err != nil {
		h.answer(ctx, cb.ID, "⚠️ 再送に失敗しました。", true)
		return
	}

	if err := h.transport.SendPhoto(ctx, target, units[0], fmt.Sprintf("✅ 保証により %s を再送します。", st.Product), nil); err != nil {
		logger.LogError("Warranty reissue delivery to %d failed: %v", target, err)
	}
	h.send(ctx, target, fulfill.Notice)

	if cb.Message != nil {
		if err := h.transport.EditMessageCaption(ctx, cb.Message.Chat.ID, cb.Message.MessageID,
			fmt.Sprintf("✅ %s の保証を承認し、再送しました。", st.Product)); err != nil {
			logger.LogWarn("Failed to edit warranty review message: %v", err)
		}
	}
	h.sessions.Clear(target)
	h.answer(ctx, cb.ID, "", false)
}

func (h *Handler) cbWarrantyDeny(ctx context.Context, cb *telegram.CallbackQuery, uid int64, arg string) {
	if !h.isAdmin(uid) {
		h.answer(ctx, cb.ID, permissionDenied, true)
		return
	}

	target, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.answer(ctx, cb.ID, "", false)
		return
	}

	if cb.Message != nil {
		if err := h.transport.EditMessageCaption(ctx, cb.Message.Chat.ID, cb.Message.MessageID,
			"❌ 保証リクエストを却下しました。"); err != nil {
			logger.LogWarn("Failed to edit warranty review message: %v", err)
		}
	}
	h.send(ctx, target, "⚠️ 保証リクエストは却下されました。")
	h.sessions.Clear(target)
	h.answer(ctx, cb.ID, "", false)
}

//
// --- Stage-dispatched free text ---
//

func (h *Handler) handleText(ctx context.Context, msg *telegram.Message) {
	uid := msg.From.ID
	st := h.sessions.Get(uid)
	if st == nil {
		// No active flow: unrecognized input is an explicit no-op with a
		// pointer back to the menu.
		if isDoneToken(msg.Text) {
			h.send(ctx, uid, "⚠️ まず /start から始めてください。")
		}
		return
	}

	switch st.Stage {
	case session.StageEnteringQuantity:
		h.textQuantity(ctx, uid, st, msg.Text)
	case session.StageAwaitingPayment:
		h.textPayment(ctx, uid, st, msg.Text)
	case session.StageAwaitingRejectReason:
		h.textRejectReason(ctx, uid, st, msg.Text)
	case session.StageComposingReply:
		h.send(ctx, st.TargetUser, "📩 管理者からのメッセージ:\n"+msg.Text)
		h.sessions.Clear(uid)
		h.send(ctx, uid, "✅ 送信しました。")
	case session.StageEditingConfigField:
		h.textConfigValue(ctx, uid, st, msg.Text)
	case session.StageSelectingProduct:
		h.send(ctx, uid, "上のボタンから商品を選んでください。")
	}
}

func (h *Handler) textQuantity(ctx context.Context, uid int64, st *session.State, text string) {
	qty, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || qty < 1 {
		h.send(ctx, uid, "⚠️ 枚数は1以上の数字で入力してください。")
		return
	}
	available := h.inv.Available(st.Product)
	if qty > available {
		h.send(ctx, uid, fmt.Sprintf("⚠️ 在庫が足りません（在庫: %d枚）。少ない枚数で入力してください。", available))
		return
	}

	price, desc, err := h.engine.Quote(st.Product, qty)
	if err != nil {
		h.send(ctx, uid, errorMessage(err))
		return
	}

	st.Quantity = qty
	st.Price = price
	st.Stage = session.StageAwaitingPayment
	h.sessions.Touch(uid)

	product, _ := h.store.Product(st.Product)
	var b strings.Builder
	fmt.Fprintf(&b, "%s x%d ですね。\nお支払い金額は %s 円です💰（%s）\n\n", st.Product, qty, humanize.Comma(int64(price)), desc)
	if product.URL != "" {
		fmt.Fprintf(&b, "こちらのPayPayリンクからお支払いください👇\n%s\n\n", product.URL)
	}
	b.WriteString("支払いが完了したら『完了』と送ってください。")
	if qty < 6 {
		b.WriteString("\nクーポンコードをお持ちの場合は、このままコードを送ってください。")
	}

	if h.gatewayEnabled {
		kb := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			telegram.Row(telegram.InlineKeyboardButton{Text: "💳 カード決済に切り替え", CallbackData: "checkout"}),
		}}
		h.sendKB(ctx, uid, b.String(), kb)
		return
	}
	h.send(ctx, uid, b.String())
}

func (h *Handler) textPayment(ctx context.Context, uid int64, st *session.State, text string) {
	if isDoneToken(text) {
		st.Stage = session.StageAwaitingScreenshot
		h.sessions.Touch(uid)
		h.send(ctx, uid, "🕐 お支払いのスクリーンショット（画像）を送ってください。")
		return
	}

	code := strings.ToUpper(strings.TrimSpace(text))
	if !codePattern.MatchString(code) {
		// Anything that is neither the done token nor a code is ignored in
		// this stage.
		return
	}

	price, desc, err := h.engine.Redeem(st.Product, st.Quantity, code)
	if err != nil {
		h.send(ctx, uid, errorMessage(err))
		return
	}

	// Price updates in place; the stage does not advance.
	st.Price = price
	st.Code = code
	h.sessions.Touch(uid)

	product, _ := h.store.Product(st.Product)
	var b strings.Builder
	fmt.Fprintf(&b, "🎟️ クーポンを適用しました（%s）。\nお支払い金額は %s 円です💰\n", desc, humanize.Comma(int64(price)))
	if product.DiscountURL != "" {
		fmt.Fprintf(&b, "\n割引価格用のリンクはこちらです👇\n%s\n", product.DiscountURL)
	}
	b.WriteString("\n支払いが完了したら『完了』と送ってください。")
	h.send(ctx, uid, b.String())
}

func (h *Handler) textRejectReason(ctx context.Context, uid int64, st *session.State, reason string) {
	target := st.TargetUser
	h.send(ctx, target, "❌ お支払いを確認できませんでした。\n理由: "+reason+"\n\n/start からやり直せます。")
	h.sessions.Clear(target)
	h.sessions.Clear(uid)
	h.send(ctx, uid, fmt.Sprintf("✅ ユーザー %d へ却下理由を伝えました。", target))
	logger.LogInfo("Purchase by user %d rejected: %s", target, reason)
}

func (h *Handler) textConfigValue(ctx context.Context, uid int64, st *session.State, value string) {
	product, ok := h.store.Product(st.Product)
	if !ok {
		h.send(ctx, uid, errorMessage(ledger.ErrProductNotFound))
		h.sessions.Clear(uid)
		return
	}

	value = strings.TrimSpace(value)
	switch st.Field {
	case "price", "discount_price":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			h.send(ctx, uid, "⚠️ 価格は0以上の整数で入力してください。")
			return
		}
		if st.Field == "price" {
			product.Price = n
		} else {
			product.DiscountPrice = n
		}
	case "url", "discount_url":
		u, err := url.ParseRequestURI(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			h.send(ctx, uid, "⚠️ http(s) のURLを入力してください。")
			return
		}
		if st.Field == "url" {
			product.URL = value
		} else {
			product.DiscountURL = value
		}
	}

	if err := h.store.SetProduct(st.Product, product); err != nil {
		h.send(ctx, uid, errorMessage(err))
		return
	}
	h.sessions.Clear(uid)
	h.send(ctx, uid, fmt.Sprintf("✅ %s の %s を更新しました。", st.Product, st.Field))
}

//
// --- Media ---
//

func (h *Handler) handlePhoto(ctx context.Context, msg *telegram.Message) {
	uid := msg.From.ID
	st := h.sessions.Get(uid)
	if st == nil {
		return
	}

	// The last photo size is the original resolution.
	fileID := msg.Photo[len(msg.Photo)-1].FileID

	switch st.Stage {
	case session.StageAddingStock:
		n, err := h.inv.Add(st.Product, fileID)
		if err != nil {
			h.send(ctx, uid, errorMessage(err))
			return
		}
		h.sessions.Clear(uid)
		h.send(ctx, uid, fmt.Sprintf("✅ %s に在庫を追加しました。現在 %d枚", st.Product, n))

	case session.StageAwaitingScreenshot:
		st.Stage = session.StagePendingAdminReview
		h.sessions.Touch(uid)

		caption := fmt.Sprintf("📩 支払い完了報告\n👤 ユーザー: %s\n🆔 ユーザーID: %d\n📦 タイプ: %s\n🔢 枚数: %d\n💴 金額: %s円",
			msg.From.FullName(), uid, st.Product, st.Quantity, humanize.Comma(int64(st.Price)))
		if st.Code != "" {
			caption += "\n🎟️ クーポン: " + st.Code
		}
		kb := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			telegram.Row(
				telegram.InlineKeyboardButton{Text: "✅ 確認完了", CallbackData: fmt.Sprintf("confirm_%d", uid)},
				telegram.InlineKeyboardButton{Text: "❌ 却下", CallbackData: fmt.Sprintf("reject_%d", uid)},
			),
		}}
		if err := h.transport.SendPhoto(ctx, h.adminID, fileID, caption, kb); err != nil {
			logger.LogError("Failed to forward payment proof to admin: %v", err)
		}
		h.send(ctx, uid, "🕐 受け取り確認中です。しばらくお待ちください。")
	}
}

func (h *Handler) handleVideo(ctx context.Context, msg *telegram.Message) {
	uid := msg.From.ID
	st := h.sessions.Get(uid)
	if st == nil || st.Stage != session.StageAwaitingVideo {
		return
	}

	st.Stage = session.StageWarrantyPending
	h.sessions.Touch(uid)

	caption := fmt.Sprintf("🎥 保証リクエスト\nユーザー: %s\nID: %d\nタイプ: %s", msg.From.FullName(), uid, st.Product)
	kb := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		telegram.Row(
			telegram.InlineKeyboardButton{Text: "✅ 保証する", CallbackData: fmt.Sprintf("wapprove_%d", uid)},
			telegram.InlineKeyboardButton{Text: "❌ 却下", CallbackData: fmt.Sprintf("wdeny_%d", uid)},
		),
	}}
	if err := h.transport.SendVideo(ctx, h.adminID, msg.Video.FileID, caption, kb); err != nil {
		logger.LogError("Failed to forward warranty video to admin: %v", err)
	}
	h.send(ctx, uid, "🎞️ 動画を受け取りました。管理者の確認をお待ちください。")
}

//
// --- Gateway path ---
//

// FulfillFromGateway runs the fulfillment path for a completed card payment,
// bypassing admin review. Invoked by the webhook receiver.
func (h *Handler) FulfillFromGateway(s payment.CheckoutSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	_, err := h.dispatcher.Fulfill(ctx, s.UserID, s.UserName, s.Product, s.Quantity, s.Amount, s.CodeUsed, "gateway")
	if errors.Is(err, ledger.ErrInsufficientStock) {
		h.send(ctx, s.UserID, "⚠️ お支払いは確認できましたが、在庫が不足しています。補充され次第お送りします。")
		h.caster.AlertAdmin(ctx, fmt.Sprintf("⚠️ カード決済 %s（%s x%d）の在庫が不足しています。至急補充してください。",
			s.MerchantPaymentID, s.Product, s.Quantity))
		return err
	}
	if err != nil {
		return err
	}

	h.sessions.Clear(s.UserID)
	h.caster.AlertAdmin(ctx, fmt.Sprintf("💳 カード決済完了: %s x%d %s円（ユーザー %d）",
		s.Product, s.Quantity, humanize.Comma(int64(s.Amount)), s.UserID))
	return nil
}
