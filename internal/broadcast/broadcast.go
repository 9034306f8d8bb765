// internal/broadcast/broadcast.go
package broadcast

import (
	"context"
	"sync"

	"esimbot/internal/logger"
)

// Sender is the transport slice the broadcaster needs.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Broadcaster remembers every user the bot has seen this run and can push a
// notice to all of them. Delivery failures (blocked bot, deleted account) are
// logged and skipped.
type Broadcaster struct {
	transport Sender
	adminID   int64

	mu   sync.Mutex
	seen map[int64]struct{}
}

func New(transport Sender, adminID int64) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		adminID:   adminID,
		seen:      make(map[int64]struct{}),
	}
}

// Track records a user as a broadcast recipient.
func (b *Broadcaster) Track(userID int64) {
	if userID == b.adminID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[userID] = struct{}{}
}

// SendAll pushes text to every tracked user and returns how many deliveries
// succeeded.
func (b *Broadcaster) SendAll(ctx context.Context, text string) int {
	b.mu.Lock()
	recipients := make([]int64, 0, len(b.seen))
	for id := range b.seen {
		recipients = append(recipients, id)
	}
	b.mu.Unlock()

	sent := 0
	for _, id := range recipients {
		if err := b.transport.SendMessage(ctx, id, text); err != nil {
			logger.LogWarn("Broadcast to user %d failed: %v", id, err)
			continue
		}
		sent++
	}
	logger.LogInfo("Broadcast delivered to %d/%d users", sent, len(recipients))
	return sent
}

// AlertAdmin pushes an operational notice to the administrator.
func (b *Broadcaster) AlertAdmin(ctx context.Context, text string) {
	if err := b.transport.SendMessage(ctx, b.adminID, text); err != nil {
		logger.LogWarn("Failed to alert admin: %v", err)
	}
}
