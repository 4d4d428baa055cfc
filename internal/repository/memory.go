package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
)

// In-memory repositories back the single-binary mode (no DSN configured)
// and the test suites. Same contracts as the Postgres variants; rows are
// copied on the way in and out.

type MemoryConnectionRepo struct {
	mu    sync.RWMutex
	conns map[string]*model.BrokerConnection
}

func NewMemoryConnectionRepo() *MemoryConnectionRepo {
	return &MemoryConnectionRepo{conns: make(map[string]*model.BrokerConnection)}
}

func (r *MemoryConnectionRepo) Create(ctx context.Context, c *model.BrokerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.conns[c.ID] = &cp
	return nil
}

func (r *MemoryConnectionRepo) GetByID(ctx context.Context, id string) (*model.BrokerConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryConnectionRepo) ListByUser(ctx context.Context, userID string) ([]*model.BrokerConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]*model.BrokerConnection, 0)
	for _, c := range r.conns {
		if c.UserID == userID {
			cp := *c
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results, nil
}

func (r *MemoryConnectionRepo) Update(ctx context.Context, c *model.BrokerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return ErrConnectionNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	r.conns[c.ID] = &cp
	return nil
}

func (r *MemoryConnectionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

type MemoryOrderRepo struct {
	mu     sync.RWMutex
	orders map[string]*model.Order
	// connection ownership for user-scoped listing
	conns *MemoryConnectionRepo
}

func NewMemoryOrderRepo(conns *MemoryConnectionRepo) *MemoryOrderRepo {
	return &MemoryOrderRepo{orders: make(map[string]*model.Order), conns: conns}
}

func (r *MemoryOrderRepo) Create(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *MemoryOrderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryOrderRepo) ListByConnection(ctx context.Context, connectionID string) ([]*model.Order, error) {
	return r.filter(func(o *model.Order) bool { return o.ConnectionID == connectionID }), nil
}

func (r *MemoryOrderRepo) ListByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	owned := make(map[string]struct{})
	if r.conns != nil {
		conns, _ := r.conns.ListByUser(ctx, userID)
		for _, c := range conns {
			owned[c.ID] = struct{}{}
		}
	}
	return r.filter(func(o *model.Order) bool {
		_, ok := owned[o.ConnectionID]
		return ok
	}), nil
}

func (r *MemoryOrderRepo) ListOpen(ctx context.Context) ([]*model.Order, error) {
	return r.filter(func(o *model.Order) bool { return o.Status == model.OrderOpen }), nil
}

func (r *MemoryOrderRepo) UpdateStatus(ctx context.Context, id string, status model.OrderStatus, polledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return ErrOrderTerminal
	}
	t := polledAt.UTC()
	o.Status = status
	o.LastPolledAt = &t
	o.UpdatedAt = t
	return nil
}

func (r *MemoryOrderRepo) TouchPolled(ctx context.Context, id string, polledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		t := polledAt.UTC()
		o.LastPolledAt = &t
	}
	return nil
}

func (r *MemoryOrderRepo) filter(keep func(*model.Order) bool) []*model.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]*model.Order, 0)
	for _, o := range r.orders {
		if keep(o) {
			cp := *o
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results
}

type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]*model.User)}
}

func (r *MemoryUserRepo) Create(ctx context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *MemoryUserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryUserRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.APIKey == apiKey {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUserRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id]
	return ok, nil
}

type MemoryAuditRepo struct {
	mu      sync.Mutex
	entries []*model.AuditLog
	maxSize int
}

func NewMemoryAuditRepo(maxSize int) *MemoryAuditRepo {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryAuditRepo{maxSize: maxSize}
}

func (r *MemoryAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
	}
	return nil
}

func (r *MemoryAuditRepo) List(ctx context.Context, userID string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]*model.AuditLog, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(results) < limit; i-- {
		e := r.entries[i]
		if userID != "" && e.UserID != userID {
			continue
		}
		if from != nil && e.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && e.CreatedAt.After(*to) {
			continue
		}
		results = append(results, e)
	}
	return results, nil
}
