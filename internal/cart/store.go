// Package cart owns the client-local shopping cart. It is purely
// synchronous: no operation suspends, and every mutation leaves the cached
// total consistent with the items before it returns. The cart is not
// user-scoped; it persists locally across restarts.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/kv"
	"github.com/zabtt/storefront/internal/metrics"
	"github.com/zabtt/storefront/internal/notify"
)

// ErrOutOfStock rejects mutations that would add or grow an inactive
// product. The cart state is untouched when it is returned.
var ErrOutOfStock = errors.New("cart: product is out of stock")

// storageKey is the fixed durable-storage key for the cart snapshot.
const storageKey = "cart-storage"

// Item is a cart entry: a product snapshot plus a quantity, always >= 1.
type Item struct {
	Product  domain.Product `json:"product"`
	Quantity int            `json:"quantity"`
}

// Store is the cart state machine.
type Store struct {
	mu    sync.Mutex
	items []Item
	total float64

	kv      kv.Store
	logger  zerolog.Logger
	notify  notify.Sink
	metrics *metrics.Metrics
}

// Config wires a Store.
type Config struct {
	KV      kv.Store
	Logger  zerolog.Logger
	Notify  notify.Sink
	Metrics *metrics.Metrics
}

// New builds a Store, loading any persisted snapshot. A missing or corrupt
// snapshot starts an empty cart; construction never fails on storage.
func New(cfg Config) *Store {
	if cfg.Notify == nil {
		cfg.Notify = notify.Nop{}
	}
	s := &Store{
		kv:      cfg.KV,
		logger:  cfg.Logger,
		notify:  cfg.Notify,
		metrics: cfg.Metrics,
	}
	s.load()
	return s
}

type snapshot struct {
	Items []Item  `json:"items"`
	Total float64 `json:"total"`
}

func (s *Store) load() {
	if s.kv == nil {
		return
	}
	raw, err := s.kv.Get(context.Background(), storageKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("read cart snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn().Msg("cart snapshot unreadable, starting empty")
		return
	}
	s.items = snap.Items
	// Recompute rather than trust the stored total.
	s.total = calculateTotal(s.items)
	s.metrics.SetCartItems(len(s.items))
}

// persist writes the snapshot. Called with the lock held.
func (s *Store) persist() {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(snapshot{Items: s.items, Total: s.total})
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode cart snapshot")
		return
	}
	if err := s.kv.Set(context.Background(), storageKey, raw); err != nil {
		s.logger.Warn().Err(err).Msg("persist cart snapshot")
	}
}

// calculateTotal is the sole producer of the cached total.
func calculateTotal(items []Item) float64 {
	var sum float64
	for _, it := range items {
		sum += it.Product.Price * float64(it.Quantity)
	}
	return sum
}

// AddItem puts one unit of the product in the cart, or increments the
// existing entry. Inactive products are rejected with ErrOutOfStock.
func (s *Store) AddItem(product domain.Product) error {
	if product.Inactive() {
		s.notify.Error("This product is currently out of stock")
		s.metrics.CartOp("add", "out_of_stock")
		return ErrOutOfStock
	}

	s.mu.Lock()
	if i := s.index(product.ID); i >= 0 {
		s.items[i].Quantity++
	} else {
		s.items = append(s.items, Item{Product: product, Quantity: 1})
	}
	s.total = calculateTotal(s.items)
	s.persist()
	n := len(s.items)
	s.mu.Unlock()

	s.metrics.CartOp("add", "ok")
	s.metrics.SetCartItems(n)
	return nil
}

// RemoveItem drops the entry for the product. Removing an absent product is
// a no-op, not an error.
func (s *Store) RemoveItem(productID string) {
	s.mu.Lock()
	if i := s.index(productID); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
		s.total = calculateTotal(s.items)
		s.persist()
	}
	n := len(s.items)
	s.mu.Unlock()

	s.metrics.CartOp("remove", "ok")
	s.metrics.SetCartItems(n)
}

// UpdateQuantity sets the entry's quantity exactly. A quantity below one is
// equivalent to RemoveItem. Entries whose product went inactive cannot grow
// or change; the mutation is rejected whole.
func (s *Store) UpdateQuantity(productID string, quantity int) error {
	if quantity < 1 {
		s.RemoveItem(productID)
		return nil
	}

	s.mu.Lock()
	i := s.index(productID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	if s.items[i].Product.Inactive() {
		s.mu.Unlock()
		s.notify.Error("This product is currently out of stock")
		s.metrics.CartOp("update", "out_of_stock")
		return ErrOutOfStock
	}
	s.items[i].Quantity = quantity
	s.total = calculateTotal(s.items)
	s.persist()
	s.mu.Unlock()

	s.metrics.CartOp("update", "ok")
	return nil
}

// Clear empties the cart.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.total = 0
	s.persist()
	s.mu.Unlock()

	s.metrics.CartOp("clear", "ok")
	s.metrics.SetCartItems(0)
}

// Items returns a copy of the entries in insertion order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Total returns the cached total. It always equals the fold of
// price x quantity over the current items.
func (s *Store) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// index returns the entry position for the product id, or -1. Called with
// the lock held.
func (s *Store) index(productID string) int {
	for i, it := range s.items {
		if it.Product.ID == productID {
			return i
		}
	}
	return -1
}
