package cart

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"distribuidora/backend/internal/domain"
)

// Cart accumulates lines for one operator session. It is never persisted;
// line ids are only meaningful while the cart lives.
type Cart struct {
	mu         sync.Mutex
	id         string
	customerID string
	lines      []domain.CartLine
	updatedAt  time.Time
}

func New(id string) *Cart {
	if id == "" {
		id = uuid.NewString()
	}
	return &Cart{id: id, lines: []domain.CartLine{}, updatedAt: time.Now().UTC()}
}

func (c *Cart) ID() string {
	return c.id
}

// AddLine appends a line and returns it. Non-positive quantities are ignored
// and reported with ok=false.
func (c *Cart) AddLine(product domain.Product, quantity int, unit domain.UnitOfSale) (domain.CartLine, bool) {
	if quantity <= 0 {
		return domain.CartLine{}, false
	}
	if !unit.Valid() {
		unit = domain.UnitOfSaleUnit
	}

	line := domain.CartLine{
		ID:         uuid.NewString(),
		ProductID:  product.ID,
		Quantity:   quantity,
		UnitOfSale: unit,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	c.updatedAt = time.Now().UTC()
	return line, true
}

func (c *Cart) RemoveLine(lineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.lines, func(line domain.CartLine) bool { return line.ID == lineID })
	if idx < 0 {
		return false
	}
	c.lines = slices.Delete(c.lines, idx, idx+1)
	c.updatedAt = time.Now().UTC()
	return true
}

func (c *Cart) SelectCustomer(customerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customerID = customerID
	c.updatedAt = time.Now().UTC()
}

func (c *Cart) CustomerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerID
}

func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

func (c *Cart) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// Registry keeps open carts in process memory and drops idle ones.
type Registry struct {
	mu      sync.RWMutex
	carts   map[string]*Cart
	idleTTL time.Duration
}

func NewRegistry(idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = 4 * time.Hour
	}
	return &Registry{carts: make(map[string]*Cart), idleTTL: idleTTL}
}

func (r *Registry) Create() *Cart {
	c := New("")
	r.mu.Lock()
	r.carts[c.id] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) Get(id string) (*Cart, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carts[id]
	return c, ok
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.carts[id]; !ok {
		return false
	}
	delete(r.carts, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.carts)
}

// Sweep removes carts idle since before now-idleTTL and returns how many.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, c := range r.carts {
		if c.UpdatedAt().Before(cutoff) {
			delete(r.carts, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := r.Sweep(now.UTC())
			if onSweep != nil && removed > 0 {
				onSweep(removed)
			}
		}
	}
}
