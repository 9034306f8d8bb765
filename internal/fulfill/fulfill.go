// internal/fulfill/fulfill.go
package fulfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"esimbot/internal/data"
	"esimbot/internal/inventory"
	"esimbot/internal/ledger"
	"esimbot/internal/logger"
	"esimbot/internal/telegram"
)

// Notice is sent to every buyer after delivery, regardless of product type.
const Notice = "⚠️ ご注意\n" +
	"eSIMご利用時は必ず【読み取り画面を録画】してください。\n" +
	"使用できなかった場合でも、録画がないと保証対象外になります。"

// Transport is the slice of the chat layer the dispatcher needs.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, kb *telegram.InlineKeyboardMarkup) error
}

// Dispatcher pops allocated inventory and delivers it to the buyer. It owns
// the purchase log: one in-memory entry per fulfilled batch, mirrored to the
// purchase database when one is open.
type Dispatcher struct {
	transport Transport
	inv       *inventory.Service
	store     *ledger.Store

	mu      sync.Mutex
	log     []data.PurchaseRecord
	persist bool
}

func NewDispatcher(transport Transport, inv *inventory.Service, store *ledger.Store, persist bool) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		inv:       inv,
		store:     store,
		persist:   persist,
	}
}

// Fulfill allocates quantity units for the buyer and delivers each one,
// captioned with a running counter. A unit whose delivery fails at the
// transport layer is already popped and stays consumed: the failure is
// logged, not retried, and resending the same file reference later is safe.
// On success one purchase-log entry summarizes the whole batch and the
// automatic snapshot is refreshed.
func (d *Dispatcher) Fulfill(ctx context.Context, userID int64, userName, product string, quantity, price int, codeUsed, source string) ([]string, error) {
	units, err := d.inv.Allocate(product, quantity)
	if err != nil {
		return nil, err
	}

	for i, unit := range units {
		caption := fmt.Sprintf("✅ %sの商品をお送りします。（%d/%d枚）", product, i+1, len(units))
		if err := d.transport.SendPhoto(ctx, userID, unit, caption, nil); err != nil {
			logger.LogError("Failed to deliver unit %d/%d to user %d: %v", i+1, len(units), userID, err)
		}
	}

	if err := d.transport.SendMessage(ctx, userID, Notice); err != nil {
		logger.LogWarn("Failed to send usage notice to user %d: %v", userID, err)
	}

	rec := data.PurchaseRecord{
		UserID:    userID,
		UserName:  userName,
		Product:   product,
		Quantity:  quantity,
		Price:     price,
		CodeUsed:  codeUsed,
		Source:    source,
		CreatedAt: time.Now(),
	}

	d.mu.Lock()
	d.log = append(d.log, rec)
	d.mu.Unlock()

	if d.persist {
		if err := data.InsertPurchase(rec); err != nil {
			logger.LogWarn("Failed to persist purchase record: %v", err)
		}
	}

	if err := d.store.SnapshotAuto(); err != nil {
		logger.LogWarn("Automatic snapshot after fulfillment failed: %v", err)
	}

	logger.LogInfo("Fulfilled %s x%d for user %d at %d yen (source=%s)", product, quantity, userID, price, source)
	return units, nil
}

// History returns the purchase log for this run, oldest first.
func (d *Dispatcher) History() []data.PurchaseRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]data.PurchaseRecord, len(d.log))
	copy(out, d.log)
	return out
}
