package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esimbot/internal/broadcast"
	"esimbot/internal/discount"
	"esimbot/internal/fulfill"
	"esimbot/internal/inventory"
	"esimbot/internal/ledger"
	"esimbot/internal/payment"
	"esimbot/internal/session"
	"esimbot/internal/telegram"
)

const (
	testAdminID = int64(999)
	testBuyerID = int64(100)
)

type sentMessage struct {
	chatID int64
	text   string
}

type sentPhoto struct {
	chatID  int64
	fileID  string
	caption string
	kb      *telegram.InlineKeyboardMarkup
}

type answeredCallback struct {
	text  string
	alert bool
}

// fakeTransport records everything the handler sends. It satisfies both the
// bot and fulfillment transport interfaces.
type fakeTransport struct {
	mu       sync.Mutex
	messages []sentMessage
	photos   []sentPhoto
	videos   []sentPhoto
	captions []sentMessage
	answers  []answeredCallback
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) SendMessageWithKeyboard(_ context.Context, chatID int64, text string, _ *telegram.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, chatID int64, fileID, caption string, kb *telegram.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{chatID, fileID, caption, kb})
	return nil
}

func (f *fakeTransport) SendVideo(_ context.Context, chatID int64, fileID, caption string, kb *telegram.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, sentPhoto{chatID, fileID, caption, kb})
	return nil
}

func (f *fakeTransport) EditMessageText(_ context.Context, chatID, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captions = append(f.captions, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) EditMessageCaption(_ context.Context, chatID, _ int64, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captions = append(f.captions, sentMessage{chatID, caption})
	return nil
}

func (f *fakeTransport) AnswerCallbackQuery(_ context.Context, _, text string, showAlert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answeredCallback{text, showAlert})
	return nil
}

// textsFor returns every message text delivered to one chat.
func (f *fakeTransport) textsFor(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, m := range f.messages {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func (f *fakeTransport) lastTextFor(t *testing.T, chatID int64) string {
	t.Helper()
	texts := f.textsFor(chatID)
	require.NotEmpty(t, texts, "no messages sent to chat %d", chatID)
	return texts[len(texts)-1]
}

func (f *fakeTransport) photosFor(chatID int64) []sentPhoto {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentPhoto
	for _, p := range f.photos {
		if p.chatID == chatID {
			out = append(out, p)
		}
	}
	return out
}

type testBot struct {
	handler    *Handler
	transport  *fakeTransport
	store      *ledger.Store
	sessions   *session.Manager
	inv        *inventory.Service
	dispatcher *fulfill.Dispatcher
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	dir := t.TempDir()
	store := ledger.NewStore(filepath.Join(dir, "ledger.json"), filepath.Join(dir, "backups"))
	store.Load()

	tr := &fakeTransport{}
	sessions := session.NewManager()
	inv := inventory.NewService(store)
	engine := discount.NewEngine(store)
	caster := broadcast.New(tr, testAdminID)
	dispatcher := fulfill.NewDispatcher(tr, inv, store, false)
	h := New(testAdminID, tr, store, sessions, inv, engine, dispatcher, caster, false, 10)

	return &testBot{
		handler:    h,
		transport:  tr,
		store:      store,
		sessions:   sessions,
		inv:        inv,
		dispatcher: dispatcher,
	}
}

func (b *testBot) stock(t *testing.T, product string, fileIDs ...string) {
	t.Helper()
	for _, id := range fileIDs {
		_, err := b.store.PushUnit(product, id)
		require.NoError(t, err)
	}
}

func textUpdate(uid int64, text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: uid, FirstName: "テスト"},
		Chat: telegram.Chat{ID: uid},
		Text: text,
	}}
}

func photoUpdate(uid int64, fileID string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From:  &telegram.User{ID: uid, FirstName: "テスト"},
		Chat:  telegram.Chat{ID: uid},
		Photo: []telegram.PhotoSize{{FileID: "thumb"}, {FileID: fileID}},
	}}
}

func videoUpdate(uid int64, fileID string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From:  &telegram.User{ID: uid, FirstName: "テスト"},
		Chat:  telegram.Chat{ID: uid},
		Video: &telegram.Video{FileID: fileID},
	}}
}

func paymentSession(id string, uid int64, product string, qty, amount int) payment.CheckoutSession {
	return payment.CheckoutSession{
		MerchantPaymentID: id,
		UserID:            uid,
		UserName:          "テスト",
		Product:           product,
		Quantity:          qty,
		Amount:            amount,
	}
}

func callbackUpdate(uid int64, data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb",
		From: &telegram.User{ID: uid, FirstName: "テスト"},
		Message: &telegram.Message{
			MessageID: 1,
			Chat:      telegram.Chat{ID: uid},
		},
		Data: data,
	}}
}

// Walks a buyer up to the pending-review stage: product picked, quantity
// entered, done token sent, screenshot forwarded to the admin.
func (b *testBot) reachPendingReview(t *testing.T, uid int64, product, quantity string) {
	t.Helper()
	b.handler.HandleUpdate(textUpdate(uid, "/start"))
	b.handler.HandleUpdate(callbackUpdate(uid, "buy_"+product))
	b.handler.HandleUpdate(textUpdate(uid, quantity))
	b.handler.HandleUpdate(textUpdate(uid, "完了"))
	b.handler.HandleUpdate(photoUpdate(uid, "proof-photo"))

	st := b.sessions.Get(uid)
	require.NotNil(t, st)
	require.Equal(t, session.StagePendingAdminReview, st.Stage)
}

func TestPurchaseHappyPath(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "unit-1", "unit-2", "unit-3")

	b.reachPendingReview(t, testBuyerID, "データ", "1")

	// The admin got the proof photo with approve/reject buttons.
	adminPhotos := b.transport.photosFor(testAdminID)
	require.Len(t, adminPhotos, 1)
	assert.Equal(t, "proof-photo", adminPhotos[0].fileID)
	assert.Contains(t, adminPhotos[0].caption, "1,500円")
	require.NotNil(t, adminPhotos[0].kb)
	assert.Equal(t, "confirm_100", adminPhotos[0].kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "reject_100", adminPhotos[0].kb.InlineKeyboard[0][1].CallbackData)

	b.handler.HandleUpdate(callbackUpdate(testAdminID, "confirm_100"))

	// Oldest unit first, then the usage notice.
	buyerPhotos := b.transport.photosFor(testBuyerID)
	require.Len(t, buyerPhotos, 1)
	assert.Equal(t, "unit-1", buyerPhotos[0].fileID)
	assert.Equal(t, fulfill.Notice, b.transport.lastTextFor(t, testBuyerID))

	assert.Nil(t, b.sessions.Get(testBuyerID))
	assert.Equal(t, 2, b.inv.Available("データ"))

	records := b.dispatcher.History()
	require.Len(t, records, 1)
	assert.Equal(t, testBuyerID, records[0].UserID)
	assert.Equal(t, 1500, records[0].Price)
	assert.Equal(t, "manual", records[0].Source)
}

func TestBulkDiscountQuote(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2", "u3", "u4", "u5", "u6", "u7")

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))
	b.handler.HandleUpdate(textUpdate(testBuyerID, "7"))

	// 1500 * 7 = 10500, minus 5% = 9975.
	last := b.transport.lastTextFor(t, testBuyerID)
	assert.Contains(t, last, "9,975 円")
	assert.Contains(t, last, "5%割引")
	// At bulk quantities the coupon hint is absent.
	assert.NotContains(t, last, "クーポンコードをお持ちの場合")

	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, 9975, st.Price)
	assert.Equal(t, session.StageAwaitingPayment, st.Stage)
}

func TestCouponRejectedAtBulkQuantity(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8")

	require.NoError(t, b.store.PutCode("ESIMJ-AAAAAA", ledger.Code{Type: "データ"}))

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))
	b.handler.HandleUpdate(textUpdate(testBuyerID, "8"))
	b.handler.HandleUpdate(textUpdate(testBuyerID, "ESIMJ-AAAAAA"))

	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "併用できません")

	// The rejected attempt must not have spent the code.
	c, ok := b.store.Code("ESIMJ-AAAAAA")
	require.True(t, ok)
	assert.False(t, c.Used)
}

func TestCouponRedemption(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2")
	p, _ := b.store.Product("データ")
	p.DiscountPrice = 1000
	p.DiscountURL = "https://qr.example/discount"
	require.NoError(t, b.store.SetProduct("データ", p))
	require.NoError(t, b.store.PutCode("ESIMJ-BBBBBB", ledger.Code{Type: "データ"}))

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))
	b.handler.HandleUpdate(textUpdate(testBuyerID, "2"))
	b.handler.HandleUpdate(textUpdate(testBuyerID, "esimj-bbbbbb")) // case-insensitive input

	last := b.transport.lastTextFor(t, testBuyerID)
	assert.Contains(t, last, "2,500 円")
	assert.Contains(t, last, "https://qr.example/discount")

	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, 2500, st.Price)
	assert.Equal(t, "ESIMJ-BBBBBB", st.Code)
	assert.Equal(t, session.StageAwaitingPayment, st.Stage)

	c, _ := b.store.Code("ESIMJ-BBBBBB")
	assert.True(t, c.Used)

	// A second buyer cannot reuse the spent code.
	other := int64(200)
	b.handler.HandleUpdate(textUpdate(other, "/start"))
	b.handler.HandleUpdate(callbackUpdate(other, "buy_データ"))
	b.handler.HandleUpdate(textUpdate(other, "1"))
	b.handler.HandleUpdate(textUpdate(other, "ESIMJ-BBBBBB"))
	assert.Contains(t, b.transport.lastTextFor(t, other), "使用済み")
}

func TestLateShortageKeepsBuyerState(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2")

	b.reachPendingReview(t, testBuyerID, "データ", "2")

	// Stock drains between screenshot and approval.
	_, err := b.inv.Allocate("データ", 2)
	require.NoError(t, err)

	b.handler.HandleUpdate(callbackUpdate(testAdminID, "confirm_100"))

	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "在庫がありません")

	// Buyer state survives so the approval can be retried after restock.
	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, session.StagePendingAdminReview, st.Stage)
	assert.Empty(t, b.dispatcher.History())

	// Restock and retry the same approval.
	b.stock(t, "データ", "u3", "u4")
	b.handler.HandleUpdate(callbackUpdate(testAdminID, "confirm_100"))

	assert.Nil(t, b.sessions.Get(testBuyerID))
	assert.Len(t, b.transport.photosFor(testBuyerID), 2)
	assert.Len(t, b.dispatcher.History(), 1)
}

func TestApproveRequiresAdmin(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1")
	b.reachPendingReview(t, testBuyerID, "データ", "1")

	intruder := int64(777)
	b.handler.HandleUpdate(callbackUpdate(intruder, "confirm_100"))

	// Nothing delivered, state untouched, alert answered.
	assert.Empty(t, b.transport.photosFor(testBuyerID))
	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, session.StagePendingAdminReview, st.Stage)

	b.transport.mu.Lock()
	last := b.transport.answers[len(b.transport.answers)-1]
	b.transport.mu.Unlock()
	assert.Equal(t, permissionDenied, last.text)
	assert.True(t, last.alert)
}

func TestRejectionRelaysReason(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1")
	b.reachPendingReview(t, testBuyerID, "データ", "1")

	b.handler.HandleUpdate(callbackUpdate(testAdminID, "reject_100"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "金額が一致しません"))

	texts := b.transport.textsFor(testBuyerID)
	require.NotEmpty(t, texts)
	assert.Contains(t, texts[len(texts)-1], "金額が一致しません")

	assert.Nil(t, b.sessions.Get(testBuyerID))
	assert.Nil(t, b.sessions.Get(testAdminID))
	assert.Equal(t, 1, b.inv.Available("データ"))
}

func TestQuantityValidation(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2")

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))

	for _, input := range []string{"abc", "0", "-2"} {
		b.handler.HandleUpdate(textUpdate(testBuyerID, input))
		assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "1以上の数字")
	}

	b.handler.HandleUpdate(textUpdate(testBuyerID, "5"))
	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "在庫が足りません")

	// Still in the quantity stage after every invalid input.
	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, session.StageEnteringQuantity, st.Stage)
}

func TestSelectingOutOfStockProduct(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))

	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "在庫がありません")

	// The buyer stays in product selection and can pick again.
	st := b.sessions.Get(testBuyerID)
	require.NotNil(t, st)
	assert.Equal(t, session.StageSelectingProduct, st.Stage)
}

func TestIdleTextIsIgnored(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testBuyerID, "こんにちは"))
	assert.Empty(t, b.transport.textsFor(testBuyerID))

	// A done token outside a flow gets pointed back to the menu.
	b.handler.HandleUpdate(textUpdate(testBuyerID, "完了"))
	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "/start")
}

func TestCancelClearsFlow(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1")

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "buy_データ"))
	require.NotNil(t, b.sessions.Get(testBuyerID))

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/cancel"))
	assert.Nil(t, b.sessions.Get(testBuyerID))
}

func TestWarrantyFlow(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "replacement-unit")

	b.handler.HandleUpdate(textUpdate(testBuyerID, "/warranty"))
	b.handler.HandleUpdate(callbackUpdate(testBuyerID, "warranty_データ"))
	b.handler.HandleUpdate(videoUpdate(testBuyerID, "evidence-video"))

	// The admin got the evidence with approve/deny buttons.
	b.transport.mu.Lock()
	require.Len(t, b.transport.videos, 1)
	video := b.transport.videos[0]
	b.transport.mu.Unlock()
	assert.Equal(t, testAdminID, video.chatID)
	assert.Equal(t, "evidence-video", video.fileID)
	require.NotNil(t, video.kb)
	assert.Equal(t, "wapprove_100", video.kb.InlineKeyboard[0][0].CallbackData)

	b.handler.HandleUpdate(callbackUpdate(testAdminID, "wapprove_100"))

	photos := b.transport.photosFor(testBuyerID)
	require.Len(t, photos, 1)
	assert.Equal(t, "replacement-unit", photos[0].fileID)
	assert.Nil(t, b.sessions.Get(testBuyerID))
	assert.Equal(t, 0, b.inv.Available("データ"))
}

func TestAdminCommandsDeniedForUsers(t *testing.T) {
	b := newTestBot(t)

	for _, cmd := range []string{"/stock", "/addstock データ", "/issuecode データ", "/backup", "/history"} {
		b.handler.HandleUpdate(textUpdate(testBuyerID, cmd))
		assert.Equal(t, permissionDenied, b.transport.lastTextFor(t, testBuyerID), "command %s", cmd)
	}
}

func TestAddStockFlow(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testAdminID, "/addstock データ"))
	st := b.sessions.Get(testAdminID)
	require.NotNil(t, st)
	assert.Equal(t, session.StageAddingStock, st.Stage)

	b.handler.HandleUpdate(photoUpdate(testAdminID, "new-unit"))

	assert.Equal(t, 1, b.inv.Available("データ"))
	assert.Nil(t, b.sessions.Get(testAdminID))
	assert.Contains(t, b.transport.lastTextFor(t, testAdminID), "現在 1枚")
}

func TestConfigFlow(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testAdminID, "/config データ price"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "2000"))

	p, ok := b.store.Product("データ")
	require.True(t, ok)
	assert.Equal(t, 2000, p.Price)
	assert.Nil(t, b.sessions.Get(testAdminID))

	// Invalid URL keeps the stage so the admin can retry.
	b.handler.HandleUpdate(textUpdate(testAdminID, "/config データ url"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "not-a-url"))
	st := b.sessions.Get(testAdminID)
	require.NotNil(t, st)
	assert.Equal(t, session.StageEditingConfigField, st.Stage)

	b.handler.HandleUpdate(textUpdate(testAdminID, "https://qr.example/new"))
	p, _ = b.store.Product("データ")
	assert.Equal(t, "https://qr.example/new", p.URL)
	assert.Nil(t, b.sessions.Get(testAdminID))

	// Unknown field is refused up front.
	b.handler.HandleUpdate(textUpdate(testAdminID, "/config データ nonsense"))
	assert.Nil(t, b.sessions.Get(testAdminID))
}

func TestIssueCodeCommand(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testAdminID, "/issuecode データ 500"))

	last := b.transport.lastTextFor(t, testAdminID)
	assert.Contains(t, last, "500円引き")

	codes := b.store.Codes()
	require.Len(t, codes, 1)
	for code, c := range codes {
		assert.Regexp(t, `^ESIMJ-[A-Z0-9]{6}$`, code)
		assert.Equal(t, "データ", c.Type)
		assert.Equal(t, 500, c.DiscountValue)
	}
}

func TestReplyCommand(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(textUpdate(testAdminID, "/reply 100"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "発送は明日になります"))

	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "発送は明日になります")
	assert.Nil(t, b.sessions.Get(testAdminID))
}

func TestBroadcastCommand(t *testing.T) {
	b := newTestBot(t)

	// Two buyers interact, then the admin broadcasts.
	b.handler.HandleUpdate(textUpdate(testBuyerID, "/start"))
	b.handler.HandleUpdate(textUpdate(int64(200), "/start"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "/broadcast 新しい在庫が入りました"))

	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "新しい在庫が入りました")
	assert.Contains(t, b.transport.lastTextFor(t, int64(200)), "新しい在庫が入りました")
	assert.Contains(t, b.transport.lastTextFor(t, testAdminID), "2人に送信しました")
}

func TestHistoryCommand(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1")

	b.handler.HandleUpdate(textUpdate(testAdminID, "/history"))
	assert.Contains(t, b.transport.lastTextFor(t, testAdminID), "まだありません")

	b.reachPendingReview(t, testBuyerID, "データ", "1")
	b.handler.HandleUpdate(callbackUpdate(testAdminID, "confirm_100"))
	b.handler.HandleUpdate(textUpdate(testAdminID, "/history"))

	last := b.transport.lastTextFor(t, testAdminID)
	assert.Contains(t, last, "データ x1")
	assert.Contains(t, last, "合計: 1,500円")
}

func TestApproveWithoutPendingReview(t *testing.T) {
	b := newTestBot(t)

	b.handler.HandleUpdate(callbackUpdate(testAdminID, "confirm_100"))
	assert.Contains(t, b.transport.lastTextFor(t, testAdminID), "ユーザーデータが見つかりません")
	assert.Empty(t, b.dispatcher.History())
}

func TestGatewayFulfillment(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1", "u2")

	err := b.handler.FulfillFromGateway(paymentSession("pay-1", testBuyerID, "データ", 2, 3000))
	require.NoError(t, err)

	assert.Len(t, b.transport.photosFor(testBuyerID), 2)
	records := b.dispatcher.History()
	require.Len(t, records, 1)
	assert.Equal(t, "gateway", records[0].Source)

	// The admin is told about the completed card payment.
	found := false
	for _, text := range b.transport.textsFor(testAdminID) {
		if strings.Contains(text, "カード決済完了") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGatewayFulfillmentShortage(t *testing.T) {
	b := newTestBot(t)
	b.stock(t, "データ", "u1")

	err := b.handler.FulfillFromGateway(paymentSession("pay-2", testBuyerID, "データ", 2, 3000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	// Buyer is reassured, admin is alerted, nothing was popped.
	assert.Contains(t, b.transport.lastTextFor(t, testBuyerID), "在庫が不足")
	assert.Contains(t, b.transport.lastTextFor(t, testAdminID), "至急補充")
	assert.Equal(t, 1, b.inv.Available("データ"))
	assert.Empty(t, b.dispatcher.History())
}
