// internal/discount/engine.go
package discount

import (
	"fmt"

	"esimbot/internal/ledger"
	"esimbot/internal/logger"
)

// Engine binds the price rules to the code table in the ledger. Quotes are
// pure reads; Redeem is the only operation that spends a code.
type Engine struct {
	store *ledger.Store
}

func NewEngine(store *ledger.Store) *Engine {
	return &Engine{store: store}
}

// Quote computes the price for product × quantity with no code applied.
func (e *Engine) Quote(product string, quantity int) (int, string, error) {
	p, ok := e.store.Product(product)
	if !ok {
		return 0, "", ledger.ErrProductNotFound
	}
	return ComputePrice(p, quantity, nil)
}

// Redeem validates the code against the product and quantity, computes the
// discounted price, and marks the code used. The used flag flips exactly
// once; a second redemption attempt fails with ErrCodeUsed regardless of
// product.
func (e *Engine) Redeem(product string, quantity int, codeStr string) (int, string, error) {
	p, ok := e.store.Product(product)
	if !ok {
		return 0, "", ledger.ErrProductNotFound
	}

	c, exists := e.store.Code(codeStr)
	if err := ValidateCode(c, exists, product); err != nil {
		return 0, "", err
	}

	final, desc, err := ComputePrice(p, quantity, &c)
	if err != nil {
		return 0, "", err
	}

	if !e.store.MarkCodeUsed(codeStr) {
		// Lost a race with another redemption of the same code.
		return 0, "", ErrCodeUsed
	}
	logger.LogInfo("Code %s redeemed for %s x%d, final price %d", codeStr, product, quantity, final)
	return final, desc, nil
}

// Issue creates a new unused code for the product. amount 0 means the
// product's discount price rule; a positive amount is a fixed yen reduction.
func (e *Engine) Issue(product string, amount int) (string, error) {
	if _, ok := e.store.Product(product); !ok {
		return "", ledger.ErrProductNotFound
	}
	if amount < 0 {
		return "", fmt.Errorf("discount amount must not be negative")
	}

	// Regenerate on the off chance of a collision with an existing code.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		if _, exists := e.store.Code(code); exists {
			continue
		}
		if err := e.store.PutCode(code, ledger.Code{Type: product, DiscountValue: amount}); err != nil {
			return "", err
		}
		logger.LogInfo("Issued code %s for product %s (amount=%d)", code, product, amount)
		return code, nil
	}
	return "", fmt.Errorf("could not generate a unique code")
}
