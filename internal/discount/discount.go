// internal/discount/discount.go
package discount

import (
	"crypto/rand"
	"errors"
	"fmt"

	"esimbot/internal/ledger"
)

// Bulk-quantity tiers. Ten or more units get 10% off, six to nine get 5%.
// A discount code cannot be combined with either tier.
const (
	bulkTierHighQty = 10
	bulkTierLowQty  = 6
)

var (
	ErrCodeNotFound     = errors.New("discount code not found")
	ErrCodeUsed         = errors.New("discount code already used")
	ErrCodeWrongProduct = errors.New("discount code is for a different product")
	ErrBulkConflict     = errors.New("bulk discount already applies")
	ErrInvalidQuantity  = errors.New("quantity must be a positive integer")
)

// ComputePrice returns the final price for quantity units of p, with an
// optional discount code, plus a short description of the rule applied.
// Prices are whole yen; percentage reductions truncate.
func ComputePrice(p ledger.Product, quantity int, code *ledger.Code) (int, string, error) {
	if quantity < 1 {
		return 0, "", ErrInvalidQuantity
	}

	base := p.Price * quantity

	switch {
	case quantity >= bulkTierHighQty:
		if code != nil {
			return 0, "", ErrBulkConflict
		}
		return base * 90 / 100, "10%割引（10枚以上）", nil
	case quantity >= bulkTierLowQty:
		if code != nil {
			return 0, "", ErrBulkConflict
		}
		return base * 95 / 100, "5%割引（6枚以上）", nil
	}

	if code == nil {
		return base, "通常価格", nil
	}

	if code.DiscountValue > 0 {
		final := base - code.DiscountValue
		if final < 0 {
			final = 0
		}
		return final, fmt.Sprintf("クーポン適用（%d円引き）", code.DiscountValue), nil
	}

	// Default code rule: the discount price applies to exactly one unit, the
	// rest stay at normal price.
	final := p.DiscountPrice + p.Price*(quantity-1)
	return final, "クーポン適用（1枚割引価格）", nil
}

// ValidateCode checks a code against the redemption rules without spending
// it. The three rejection kinds are distinct so the buyer can be told exactly
// what went wrong.
func ValidateCode(c ledger.Code, exists bool, product string) error {
	if !exists {
		return ErrCodeNotFound
	}
	if c.Used {
		return ErrCodeUsed
	}
	if c.Type != product {
		return ErrCodeWrongProduct
	}
	return nil
}

const (
	codePrefix   = "ESIMJ"
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeBodyLen  = 6
)

// GenerateCode produces a fresh code string: five-character prefix, hyphen,
// six uppercase alphanumerics drawn uniformly from crypto/rand. Bytes at or
// above the largest multiple of the alphabet size are rejected and redrawn so
// every character is equally likely.
func GenerateCode() (string, error) {
	const limit = byte(256 - 256%len(codeAlphabet))

	body := make([]byte, 0, codeBodyLen)
	buf := make([]byte, codeBodyLen)
	for len(body) < codeBodyLen {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading randomness: %w", err)
		}
		for _, b := range buf {
			if b >= limit || len(body) == codeBodyLen {
				continue
			}
			body = append(body, codeAlphabet[int(b)%len(codeAlphabet)])
		}
	}
	return codePrefix + "-" + string(body), nil
}
