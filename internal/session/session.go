// internal/session/session.go
package session

import (
	"sync"
	"time"

	"esimbot/internal/logger"
)

// Stage is one step of a buyer's or administrator's in-progress dialogue.
// Absence of a session record means idle: there is no explicit idle stage.
type Stage string

const (
	// Buyer flow
	StageSelectingProduct    Stage = "selecting_product"
	StageEnteringQuantity    Stage = "entering_quantity"
	StageAwaitingPayment     Stage = "awaiting_payment_confirmation"
	StageAwaitingScreenshot  Stage = "awaiting_screenshot"
	StagePendingAdminReview  Stage = "pending_admin_review"

	// Warranty flow
	StageAwaitingVideo   Stage = "awaiting_video"
	StageWarrantyPending Stage = "warranty_pending"

	// Admin flow
	StageAwaitingRejectReason Stage = "awaiting_rejection_reason"
	StageComposingReply       Stage = "composing_reply"
	StageEditingConfigField   Stage = "editing_config_field"
	StageAddingStock          Stage = "adding_stock"
)

// State is the per-user record of where that user is in a dialogue, plus the
// stage-specific payload. Never persisted: an in-progress conversation is
// abandoned on restart.
type State struct {
	UserID   int64
	Stage    Stage
	Product  string
	Quantity int
	Price    int
	Code     string
	// TargetUser is the buyer an admin action refers to (rejection reason,
	// direct reply).
	TargetUser int64
	// Field is the product attribute being edited in the config flow.
	Field string

	UpdatedAt time.Time
}

// Manager owns the conversation state map. At most one state exists per user;
// starting a new flow replaces whatever was there.
type Manager struct {
	mu     sync.Mutex
	states map[int64]*State
}

func NewManager() *Manager {
	return &Manager{states: make(map[int64]*State)}
}

// Get returns the user's state, or nil when the user has no active flow.
func (m *Manager) Get(userID int64) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

// Set installs a state for the user, stamping UpdatedAt.
func (m *Manager) Set(userID int64, st *State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.UserID = userID
	st.UpdatedAt = time.Now()
	m.states[userID] = st
}

// Touch refreshes UpdatedAt on an in-place mutated state so eviction sees it
// as active.
func (m *Manager) Touch(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[userID]; ok {
		st.UpdatedAt = time.Now()
	}
}

// Clear deletes the user's state. Terminal stages collapse to idle this way.
func (m *Manager) Clear(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
}

// Count returns how many users have an active flow.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// EvictStale removes states idle longer than ttl and returns how many were
// dropped. Nothing is reserved before fulfillment, so eviction never has to
// release stock.
func (m *Manager) EvictStale(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for id, st := range m.states {
		if st.UpdatedAt.Before(cutoff) {
			delete(m.states, id)
			evicted++
		}
	}
	return evicted
}

// StartEvictionRoutine runs EvictStale hourly until stop is closed.
func (m *Manager) StartEvictionRoutine(ttl time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		logger.LogInfo("Session eviction routine started (TTL %v)", ttl)
		for {
			select {
			case <-ticker.C:
				if n := m.EvictStale(ttl); n > 0 {
					logger.LogInfo("Evicted %d stale conversation states", n)
				}
			case <-stop:
				return
			}
		}
	}()
}
