package discount

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esimbot/internal/ledger"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dir := t.TempDir()
	s := ledger.NewStore(filepath.Join(dir, "ledger.json"), filepath.Join(dir, "backups"))
	s.Load()
	return s
}

func TestComputePriceBulkTiers(t *testing.T) {
	p := ledger.Product{Price: 1500, DiscountPrice: 1000}

	tests := []struct {
		name     string
		quantity int
		want     int
	}{
		{"single unit", 1, 1500},
		{"five units plain", 5, 7500},
		{"six units 5 percent", 6, 8550},
		{"seven units 5 percent", 7, 9975},
		{"nine units 5 percent", 9, 12825},
		{"ten units 10 percent", 10, 13500},
		{"twelve units 10 percent", 12, 16200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := ComputePrice(p, tt.quantity, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputePriceTruncates(t *testing.T) {
	// 333 * 7 = 2331; 5% off = 2214.45, truncated to 2214.
	p := ledger.Product{Price: 333}
	got, _, err := ComputePrice(p, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 2214, got)
}

func TestComputePriceWithCode(t *testing.T) {
	p := ledger.Product{Price: 1500, DiscountPrice: 1000}

	t.Run("default rule discounts exactly one unit", func(t *testing.T) {
		c := &ledger.Code{Type: "データ"}
		got, _, err := ComputePrice(p, 1, c)
		require.NoError(t, err)
		assert.Equal(t, 1000, got)

		got, _, err = ComputePrice(p, 4, c)
		require.NoError(t, err)
		assert.Equal(t, 1000+1500*3, got)
	})

	t.Run("fixed amount subtracts from the total", func(t *testing.T) {
		c := &ledger.Code{Type: "データ", DiscountValue: 500}
		got, _, err := ComputePrice(p, 2, c)
		require.NoError(t, err)
		assert.Equal(t, 2500, got)
	})

	t.Run("fixed amount floors at zero", func(t *testing.T) {
		c := &ledger.Code{Type: "データ", DiscountValue: 99999}
		got, _, err := ComputePrice(p, 1, c)
		require.NoError(t, err)
		assert.Equal(t, 0, got)
	})

	t.Run("code rejected when bulk tier applies", func(t *testing.T) {
		c := &ledger.Code{Type: "データ"}
		_, _, err := ComputePrice(p, 8, c)
		assert.ErrorIs(t, err, ErrBulkConflict)

		_, _, err = ComputePrice(p, 10, c)
		assert.ErrorIs(t, err, ErrBulkConflict)
	})
}

func TestComputePriceInvalidQuantity(t *testing.T) {
	p := ledger.Product{Price: 1500}
	for _, q := range []int{0, -1} {
		_, _, err := ComputePrice(p, q, nil)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestValidateCode(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		err := ValidateCode(ledger.Code{}, false, "データ")
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})
	t.Run("already used beats wrong product", func(t *testing.T) {
		err := ValidateCode(ledger.Code{Used: true, Type: "通話可能"}, true, "データ")
		assert.ErrorIs(t, err, ErrCodeUsed)
	})
	t.Run("wrong product", func(t *testing.T) {
		err := ValidateCode(ledger.Code{Type: "通話可能"}, true, "データ")
		assert.ErrorIs(t, err, ErrCodeWrongProduct)
	})
	t.Run("valid", func(t *testing.T) {
		err := ValidateCode(ledger.Code{Type: "データ"}, true, "データ")
		assert.NoError(t, err)
	})
}

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]bool)
	chars := make(map[byte]int)
	for i := 0; i < 500; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, `^ESIMJ-[A-Z0-9]{6}$`, code)
		seen[code] = true
		for j := 6; j < len(code); j++ {
			chars[code[j]]++
		}
	}
	// Uniform random codes should essentially never collide.
	assert.Len(t, seen, 500)
	// 3000 uniform draws over 36 characters cover the whole alphabet.
	assert.Len(t, chars, 36)
}

func TestEngineRedeemSpendsCodeOnce(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store)

	code, err := engine.Issue("データ", 0)
	require.NoError(t, err)

	price, _, err := engine.Redeem("データ", 1, code)
	require.NoError(t, err)
	assert.Equal(t, 0, price) // default discount price is unset (0)

	_, _, err = engine.Redeem("データ", 1, code)
	assert.ErrorIs(t, err, ErrCodeUsed)

	// Used codes are rejected even against the matching product.
	_, _, err = engine.Redeem("通話可能", 1, code)
	assert.ErrorIs(t, err, ErrCodeUsed)
}

func TestEngineRedeemScopedToProduct(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store)

	code, err := engine.Issue("データ", 300)
	require.NoError(t, err)

	_, _, err = engine.Redeem("通話可能", 1, code)
	assert.ErrorIs(t, err, ErrCodeWrongProduct)

	// The failed attempt must not have spent the code.
	price, _, err := engine.Redeem("データ", 1, code)
	require.NoError(t, err)
	assert.Equal(t, 1200, price)
}

func TestEngineIssueUnknownProduct(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store)

	_, err := engine.Issue("nonexistent", 0)
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestEngineQuote(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store)

	// Default データ product is 1500 yen.
	price, _, err := engine.Quote("データ", 7)
	require.NoError(t, err)
	assert.Equal(t, 9975, price)
}
