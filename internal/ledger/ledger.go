// internal/ledger/ledger.go
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"esimbot/internal/logger"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductExists     = errors.New("product already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNegativePrice     = errors.New("price must be zero or positive")
)

// Product holds the payment links and prices for one sellable category.
// An empty URL means the link has not been configured yet.
type Product struct {
	URL           string `json:"url"`
	Price         int    `json:"price"`
	DiscountURL   string `json:"discount_link"`
	DiscountPrice int    `json:"discount_price"`
}

// Code is a single-use discount voucher scoped to one product. A zero
// DiscountValue means the product's configured discount price applies to the
// first unit; a positive value is a fixed amount off the total.
type Code struct {
	Used          bool   `json:"used"`
	Type          string `json:"type"`
	DiscountValue int    `json:"discount_value,omitempty"`
}

// document is the persisted JSON schema. STOCK maps product name to the
// ordered unit queue, oldest first.
type document struct {
	Stock map[string][]string `json:"STOCK"`
	Links map[string]Product  `json:"LINKS"`
	Codes map[string]Code     `json:"CODES"`
}

// Store owns the Products, Inventory and DiscountCodes collections and their
// persistence. All access goes through its methods; the collections are never
// handed out by reference.
type Store struct {
	mu    sync.Mutex
	stock map[string][]string
	links map[string]Product
	codes map[string]Code

	path      string
	backupDir string
}

func NewStore(path, backupDir string) *Store {
	return &Store{
		stock:     make(map[string][]string),
		links:     make(map[string]Product),
		codes:     make(map[string]Code),
		path:      path,
		backupDir: backupDir,
	}
}

// defaultDocument is the built-in product set used on first run and when the
// persisted document cannot be read.
func defaultDocument() document {
	return document{
		Stock: map[string][]string{
			"通話可能": {},
			"データ":  {},
		},
		Links: map[string]Product{
			"通話可能": {URL: "https://qr.paypay.ne.jp/p2p01_uMrph5YFDveRCFmw", Price: 3000},
			"データ":  {URL: "https://qr.paypay.ne.jp/p2p01_RSC8W9GG2ZcIso1I", Price: 1500},
		},
		Codes: map[string]Code{},
	}
}

// Load reads the persisted document. A missing or unparseable file is not an
// error: the store falls back to the default product set and logs the
// condition, so a corrupt file never keeps the bot from starting.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := defaultDocument()

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.LogInfo("Ledger file %s not found, starting with default products", s.path)
	case err != nil:
		logger.LogError("Failed to read ledger file %s: %v; starting with defaults", s.path, err)
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			logger.LogError("Failed to parse ledger file %s: %v; starting with defaults", s.path, err)
			doc = defaultDocument()
		}
	}

	s.installLocked(doc)
	logger.LogInfo("Ledger loaded: %d products, %d codes", len(s.links), len(s.codes))
}

func (s *Store) installLocked(doc document) {
	if doc.Stock == nil {
		doc.Stock = make(map[string][]string)
	}
	if doc.Links == nil {
		doc.Links = make(map[string]Product)
	}
	if doc.Codes == nil {
		doc.Codes = make(map[string]Code)
	}
	// Every product must have a stock queue, even an empty one.
	for name := range doc.Links {
		if _, ok := doc.Stock[name]; !ok {
			doc.Stock[name] = []string{}
		}
	}
	s.stock = doc.Stock
	s.links = doc.Links
	s.codes = doc.Codes
}

// Save serializes the full state to the ledger file, replacing it entirely.
// The write goes to a temp file which is fsynced and renamed into place, so a
// crash mid-write never leaves a truncated document. I/O failures are logged;
// the in-memory state stays authoritative until the next successful save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := document{Stock: s.stock, Links: s.links, Codes: s.codes}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		logger.LogError("Failed to serialize ledger: %v", err)
		return fmt.Errorf("serializing ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0775); err != nil {
		logger.LogError("Failed to create data directory: %v", err)
		return fmt.Errorf("creating data directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0664)
	if err != nil {
		logger.LogError("Failed to open temp ledger file: %v", err)
		return fmt.Errorf("opening temp ledger file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		logger.LogError("Failed to write ledger: %v", err)
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		logger.LogError("Failed to sync ledger: %v", err)
		return fmt.Errorf("syncing ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		logger.LogError("Failed to close temp ledger file: %v", err)
		return fmt.Errorf("closing temp ledger file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logger.LogError("Failed to replace ledger file: %v", err)
		return fmt.Errorf("replacing ledger file: %w", err)
	}
	return nil
}

//
// --- Products ---
//

// ProductNames returns all product names in sorted order.
func (s *Store) ProductNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.links))
	for name := range s.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Product(name string) (Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.links[name]
	return p, ok
}

// AddProduct registers a new product with zero price and unset links.
func (s *Store) AddProduct(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[name]; ok {
		return ErrProductExists
	}
	s.links[name] = Product{}
	s.stock[name] = []string{}
	return s.saveLocked()
}

// SetProduct replaces a product's configuration.
func (s *Store) SetProduct(name string, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[name]; !ok {
		return ErrProductNotFound
	}
	if p.Price < 0 || p.DiscountPrice < 0 {
		return ErrNegativePrice
	}
	s.links[name] = p
	return s.saveLocked()
}

//
// --- Inventory ---
//

func (s *Store) StockCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stock[name])
}

// StockCounts returns the unit count per product.
func (s *Store) StockCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, len(s.links))
	for name := range s.links {
		counts[name] = len(s.stock[name])
	}
	return counts
}

// PushUnit appends one unit to the tail of the product's queue and returns
// the new count.
func (s *Store) PushUnit(name, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[name]; !ok {
		return 0, ErrProductNotFound
	}
	s.stock[name] = append(s.stock[name], fileID)
	n := len(s.stock[name])
	if err := s.saveLocked(); err != nil {
		return n, err
	}
	return n, nil
}

// PopUnits removes exactly n units from the head of the product's queue, in
// FIFO order. If fewer than n units are present nothing is removed. The check
// and the pop happen under one lock acquisition; there is no point where
// another allocation can interleave and steal units.
func (s *Store) PopUnits(name string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return nil, fmt.Errorf("unit count must be positive, got %d", n)
	}
	if _, ok := s.links[name]; !ok {
		return nil, ErrProductNotFound
	}
	queue := s.stock[name]
	if len(queue) < n {
		return nil, ErrInsufficientStock
	}

	popped := make([]string, n)
	copy(popped, queue[:n])
	s.stock[name] = append([]string{}, queue[n:]...)

	if err := s.saveLocked(); err != nil {
		// Units are gone from the queue either way; the in-memory state is
		// the copy of record until the next save succeeds.
		logger.LogError("Ledger save after allocation failed: %v", err)
	}
	return popped, nil
}

//
// --- Discount codes ---
//

func (s *Store) Code(code string) (Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	return c, ok
}

// Codes returns a copy of the code table.
func (s *Store) Codes() map[string]Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Code, len(s.codes))
	for k, v := range s.codes {
		out[k] = v
	}
	return out
}

// PutCode stores a code, overwriting any previous entry.
func (s *Store) PutCode(code string, c Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code] = c
	return s.saveLocked()
}

// MarkCodeUsed flips a code to used. It reports false if the code does not
// exist or was already used, so a code can never be spent twice.
func (s *Store) MarkCodeUsed(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Used {
		return false
	}
	c.Used = true
	s.codes[code] = c
	if err := s.saveLocked(); err != nil {
		logger.LogError("Ledger save after code redemption failed: %v", err)
	}
	return true
}

// DeleteCode removes a code outright.
func (s *Store) DeleteCode(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		return false
	}
	delete(s.codes, code)
	if err := s.saveLocked(); err != nil {
		logger.LogError("Ledger save after code deletion failed: %v", err)
	}
	return true
}

// ResetCodes marks every code unused again and returns how many were flipped.
func (s *Store) ResetCodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for k, c := range s.codes {
		if c.Used {
			c.Used = false
			s.codes[k] = c
			flipped++
		}
	}
	if flipped > 0 {
		if err := s.saveLocked(); err != nil {
			logger.LogError("Ledger save after code reset failed: %v", err)
		}
	}
	return flipped
}
