// internal/bot/commands.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"esimbot/internal/ledger"
	"esimbot/internal/logger"
	"esimbot/internal/session"
	"esimbot/internal/telegram"
)

func commandList(admin bool) string {
	var b strings.Builder
	b.WriteString("🧭 コマンド一覧\n\n")
	b.WriteString("【ユーザー向け】\n")
	b.WriteString("/start - 購入メニューを開く\n")
	b.WriteString("/warranty - 保証申請を行う\n")
	b.WriteString("/cancel - 進行中の操作を中止\n")
	b.WriteString("/help - この一覧を表示\n")
	if admin {
		b.WriteString("\n【管理者専用】\n")
		b.WriteString("/stock - 在庫確認\n")
		b.WriteString("/addstock <商品名> - 在庫を追加\n")
		b.WriteString("/addproduct <商品名> - 商品を登録\n")
		b.WriteString("/config <商品名> <price|url|discount_price|discount_url> - 設定変更\n")
		b.WriteString("/issuecode <商品名> [割引額] - クーポン発行\n")
		b.WriteString("/codes - クーポン一覧\n")
		b.WriteString("/delcode <コード> - クーポン削除\n")
		b.WriteString("/resetcodes - 全クーポンを未使用に戻す\n")
		b.WriteString("/backup [ラベル] - スナップショット作成\n")
		b.WriteString("/backups - バックアップ一覧\n")
		b.WriteString("/restore <ファイル名> - バックアップから復元\n")
		b.WriteString("/history - 販売履歴\n")
		b.WriteString("/reply <ユーザーID> - ユーザーへ返信\n")
		b.WriteString("/broadcast <本文> - 全ユーザーへ通知\n")
	}
	return b.String()
}

func (h *Handler) handleCommand(ctx context.Context, msg *telegram.Message) {
	uid := msg.From.ID
	fields := strings.Fields(msg.Text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "start":
		h.cmdStart(ctx, uid)
	case "help":
		h.send(ctx, uid, commandList(h.isAdmin(uid)))
	case "cancel":
		h.sessions.Clear(uid)
		h.send(ctx, uid, "操作を中止しました。/start でやり直せます。")
	case "warranty", "保証":
		h.cmdWarranty(ctx, uid)
	default:
		if !h.isAdmin(uid) {
			h.send(ctx, uid, permissionDenied)
			return
		}
		h.handleAdminCommand(ctx, uid, cmd, args, msg)
	}
}

func (h *Handler) cmdStart(ctx context.Context, uid int64) {
	h.sessions.Set(uid, &session.State{Stage: session.StageSelectingProduct})

	h.send(ctx, uid, commandList(h.isAdmin(uid)))
	h.sendKB(ctx, uid,
		"こんにちは！PayPay支払いBotです。\nどちらにしますか？\n\n"+h.stockSummary(),
		h.productKeyboard("buy"))
}

func (h *Handler) cmdWarranty(ctx context.Context, uid int64) {
	h.sendKB(ctx, uid, "どちらのタイプの保証ですか？", h.productKeyboard("warranty"))
}

func (h *Handler) handleAdminCommand(ctx context.Context, uid int64, cmd string, args []string, msg *telegram.Message) {
	switch cmd {
	case "stock":
		h.send(ctx, uid, h.stockSummary())

	case "addstock":
		if len(args) < 1 {
			h.send(ctx, uid, "使い方: /addstock <商品名>")
			return
		}
		product := args[0]
		if _, ok := h.store.Product(product); !ok {
			h.send(ctx, uid, errorMessage(ledger.ErrProductNotFound))
			return
		}
		h.sessions.Set(uid, &session.State{Stage: session.StageAddingStock, Product: product})
		h.send(ctx, uid, fmt.Sprintf("🖼️ %s の在庫画像を送ってください。", product))

	case "addproduct":
		if len(args) < 1 {
			h.send(ctx, uid, "使い方: /addproduct <商品名>")
			return
		}
		name := args[0]
		if err := h.store.AddProduct(name); err != nil {
			if errors.Is(err, ledger.ErrProductExists) {
				h.send(ctx, uid, "⚠️ その商品はすでに登録されています。")
			} else {
				h.send(ctx, uid, errorMessage(err))
			}
			return
		}
		h.send(ctx, uid, fmt.Sprintf("✅ 商品「%s」を登録しました。/config で価格とリンクを設定してください。", name))

	case "config":
		h.cmdConfig(ctx, uid, args)

	case "issuecode":
		h.cmdIssueCode(ctx, uid, args)

	case "codes":
		h.cmdListCodes(ctx, uid)

	case "delcode":
		if len(args) < 1 {
			h.send(ctx, uid, "使い方: /delcode <コード>")
			return
		}
		code := strings.ToUpper(args[0])
		if h.store.DeleteCode(code) {
			h.send(ctx, uid, fmt.Sprintf("✅ コード %s を削除しました。", code))
		} else {
			h.send(ctx, uid, "⚠️ そのコードは存在しません。")
		}

	case "resetcodes":
		n := h.store.ResetCodes()
		h.send(ctx, uid, fmt.Sprintf("✅ %d件のコードを未使用に戻しました。", n))

	case "backup":
		label := ""
		if len(args) > 0 {
			label = args[0]
		}
		name, err := h.store.Snapshot(label)
		if err != nil {
			h.send(ctx, uid, "⚠️ バックアップに失敗しました。")
			return
		}
		if _, err := h.store.PruneBackups(h.backupKeep); err != nil {
			logger.LogWarn("Backup prune failed: %v", err)
		}
		h.send(ctx, uid, fmt.Sprintf("✅ バックアップを作成しました: %s", name))

	case "backups":
		names, err := h.store.ListBackups()
		if err != nil {
			h.send(ctx, uid, "⚠️ バックアップ一覧を取得できませんでした。")
			return
		}
		if len(names) == 0 {
			h.send(ctx, uid, "バックアップはまだありません。")
			return
		}
		h.send(ctx, uid, "🗂 バックアップ一覧\n"+strings.Join(names, "\n"))

	case "restore":
		if len(args) < 1 {
			h.send(ctx, uid, "使い方: /restore <ファイル名>")
			return
		}
		if err := h.store.Restore(args[0]); err != nil {
			if errors.Is(err, ledger.ErrBackupNotFound) {
				h.send(ctx, uid, "⚠️ そのバックアップは存在しません。")
			} else {
				h.send(ctx, uid, "⚠️ 復元に失敗しました。")
			}
			return
		}
		h.send(ctx, uid, "✅ バックアップから復元しました。\n"+h.stockSummary())

	case "history":
		h.cmdHistory(ctx, uid)

	case "reply":
		if len(args) < 1 {
			h.send(ctx, uid, "使い方: /reply <ユーザーID>")
			return
		}
		target, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			h.send(ctx, uid, "⚠️ ユーザーIDは数値で指定してください。")
			return
		}
		h.sessions.Set(uid, &session.State{Stage: session.StageComposingReply, TargetUser: target})
		h.send(ctx, uid, fmt.Sprintf("✉️ ユーザー %d への本文を送ってください。", target))

	case "broadcast":
		text := strings.TrimSpace(strings.TrimPrefix(msg.Text, "/broadcast"))
		if text == "" {
			h.send(ctx, uid, "使い方: /broadcast <本文>")
			return
		}
		sent := h.caster.SendAll(ctx, "📢 "+text)
		h.send(ctx, uid, fmt.Sprintf("✅ %d人に送信しました。", sent))

	default:
		h.send(ctx, uid, "不明なコマンドです。/help を参照してください。")
	}
}

func (h *Handler) cmdConfig(ctx context.Context, uid int64, args []string) {
	if len(args) < 2 {
		h.send(ctx, uid, "使い方: /config <商品名> <price|url|discount_price|discount_url>")
		return
	}
	product, field := args[0], args[1]
	if _, ok := h.store.Product(product); !ok {
		h.send(ctx, uid, errorMessage(ledger.ErrProductNotFound))
		return
	}
	switch field {
	case "price", "url", "discount_price", "discount_url":
	default:
		h.send(ctx, uid, "⚠️ 設定できる項目は price / url / discount_price / discount_url です。")
		return
	}

	h.sessions.Set(uid, &session.State{
		Stage:   session.StageEditingConfigField,
		Product: product,
		Field:   field,
	})
	h.send(ctx, uid, fmt.Sprintf("✏️ %s の %s の新しい値を送ってください。", product, field))
}

func (h *Handler) cmdIssueCode(ctx context.Context, uid int64, args []string) {
	if len(args) < 1 {
		h.send(ctx, uid, "使い方: /issuecode <商品名> [割引額]")
		return
	}
	product := args[0]
	amount := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			h.send(ctx, uid, "⚠️ 割引額は0以上の整数で指定してください。")
			return
		}
		amount = n
	}

	code, err := h.engine.Issue(product, amount)
	if err != nil {
		h.send(ctx, uid, errorMessage(err))
		return
	}
	if amount > 0 {
		h.send(ctx, uid, fmt.Sprintf("🎟️ クーポンを発行しました: %s（%s円引き）", code, humanize.Comma(int64(amount))))
	} else {
		h.send(ctx, uid, fmt.Sprintf("🎟️ クーポンを発行しました: %s（1枚割引価格）", code))
	}
}

func (h *Handler) cmdListCodes(ctx context.Context, uid int64) {
	codes := h.store.Codes()
	if len(codes) == 0 {
		h.send(ctx, uid, "クーポンはまだ発行されていません。")
		return
	}

	keys := make([]string, 0, len(codes))
	for k := range codes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("🎟️ クーポン一覧\n")
	for _, k := range keys {
		c := codes[k]
		status := "未使用"
		if c.Used {
			status = "使用済"
		}
		if c.DiscountValue > 0 {
			fmt.Fprintf(&b, "%s → %s（%s円引き）[%s]\n", k, c.Type, humanize.Comma(int64(c.DiscountValue)), status)
		} else {
			fmt.Fprintf(&b, "%s → %s（1枚割引価格）[%s]\n", k, c.Type, status)
		}
	}
	h.send(ctx, uid, b.String())
}

func (h *Handler) cmdHistory(ctx context.Context, uid int64) {
	records := h.dispatcher.History()
	if len(records) == 0 {
		h.send(ctx, uid, "今回の起動以降の販売はまだありません。")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧾 販売履歴（%d件）\n", len(records))
	total := 0
	for _, rec := range records {
		line := fmt.Sprintf("%s x%d %s円 → %d", rec.Product, rec.Quantity, humanize.Comma(int64(rec.Price)), rec.UserID)
		if rec.CodeUsed != "" {
			line += "（" + rec.CodeUsed + "）"
		}
		line += " " + humanize.Time(rec.CreatedAt)
		b.WriteString(line + "\n")
		total += rec.Price
	}
	fmt.Fprintf(&b, "合計: %s円", humanize.Comma(int64(total)))
	h.send(ctx, uid, b.String())
}
