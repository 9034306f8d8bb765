// internal/inventory/inventory.go
package inventory

import (
	"esimbot/internal/ledger"
	"esimbot/internal/logger"
)

// Service is the allocation layer over the ledger's stock queues. Allocation
// is all-or-nothing: the availability check and the pop are one ledger
// operation, so two approvals can never both drain the same units.
type Service struct {
	store *ledger.Store
}

func NewService(store *ledger.Store) *Service {
	return &Service{store: store}
}

// Available returns the current unit count for a product.
func (s *Service) Available(product string) int {
	return s.store.StockCount(product)
}

// CheckAvailable reports whether quantity units can be allocated right now.
func (s *Service) CheckAvailable(product string, quantity int) bool {
	return quantity > 0 && quantity <= s.store.StockCount(product)
}

// Counts returns the unit count per product for the stock report.
func (s *Service) Counts() map[string]int {
	return s.store.StockCounts()
}

// Add appends one unit to the tail of the product's queue and returns the
// new count.
func (s *Service) Add(product, fileID string) (int, error) {
	n, err := s.store.PushUnit(product, fileID)
	if err != nil {
		return 0, err
	}
	logger.LogInfo("Stock added for %s, now %d units", product, n)
	return n, nil
}

// Allocate pops exactly quantity units from the head of the product's queue
// in FIFO order. If stock is short the operation aborts without popping
// anything and returns ledger.ErrInsufficientStock.
func (s *Service) Allocate(product string, quantity int) ([]string, error) {
	units, err := s.store.PopUnits(product, quantity)
	if err != nil {
		return nil, err
	}
	logger.LogInfo("Allocated %d units of %s, %d remaining", quantity, product, s.store.StockCount(product))
	return units, nil
}
