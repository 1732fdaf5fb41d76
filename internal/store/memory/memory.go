package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/store"
	"github.com/nithinbarath/billing-system/internal/xid"
)

// Store keeps the whole register in process memory. Write scopes are
// serialized by writeMu and run against a private copy of the state, which
// replaces the live state only when the scope succeeds. A published state is
// never modified again, so readers can use it without holding a lock.
//
// Invoices are append-only and live outside the copied state: a scope keeps
// its new invoices in a pending list that is appended to the log on commit,
// so the cost of a sale does not grow with the invoice history.
type Store struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	state    *state
	invoices *invoiceLog
}

type state struct {
	denominations   map[int64]domain.Denomination
	products        map[string]domain.Product
	usersByUsername map[string]domain.UserAccount
}

// invoiceLog is only appended to under both writeMu and mu. Readers outside a
// write scope hold mu for reading; a write scope already holds writeMu.
type invoiceLog struct {
	byID   map[string]*domain.Invoice
	byIdem map[string]string
	order  []string
}

func New() *Store {
	return &Store{state: newState(), invoices: newInvoiceLog()}
}

// NewSeeded returns a store holding the sample catalogue and a ledger row
// for each of the given face values, every one with a count of zero.
func NewSeeded(denominations []int64) *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ProductID: "PRD001", Name: "Laptop Pro 14", AvailableStock: 50, UnitPrice: decimal.NewFromInt(1200), TaxRate: decimal.NewFromInt(18)},
		{ProductID: "PRD002", Name: "Wireless Mouse", AvailableStock: 200, UnitPrice: decimal.NewFromInt(25), TaxRate: decimal.NewFromInt(12)},
		{ProductID: "PRD003", Name: "USB-C Hub", AvailableStock: 150, UnitPrice: decimal.NewFromInt(45), TaxRate: decimal.NewFromInt(12)},
		{ProductID: "PRD004", Name: "Monitor 27-inch", AvailableStock: 30, UnitPrice: decimal.NewFromInt(350), TaxRate: decimal.NewFromInt(18)},
		{ProductID: "PRD005", Name: "Mechanical Keyboard", AvailableStock: 80, UnitPrice: decimal.NewFromInt(110), TaxRate: decimal.NewFromInt(18)},
	} {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.state.products[p.ProductID] = p
	}
	for _, value := range denominations {
		if value > 0 {
			s.state.denominations[value] = domain.Denomination{Value: value, UpdatedAt: now}
		}
	}
	return s
}

func newState() *state {
	return &state{
		denominations:   make(map[int64]domain.Denomination),
		products:        make(map[string]domain.Product),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func newInvoiceLog() *invoiceLog {
	return &invoiceLog{
		byID:   make(map[string]*domain.Invoice),
		byIdem: make(map[string]string),
		order:  make([]string, 0, 64),
	}
}

func (l *invoiceLog) append(invoices []*domain.Invoice) {
	for _, inv := range invoices {
		l.byID[inv.ID] = inv
		l.order = append(l.order, inv.ID)
		if inv.IdempotencyKey != "" {
			l.byIdem[inv.IdempotencyKey] = inv.ID
		}
	}
}

func (st *state) clone() *state {
	dup := &state{
		denominations:   make(map[int64]domain.Denomination, len(st.denominations)),
		products:        make(map[string]domain.Product, len(st.products)),
		usersByUsername: make(map[string]domain.UserAccount, len(st.usersByUsername)),
	}
	for k, v := range st.denominations {
		dup.denominations[k] = v
	}
	for k, v := range st.products {
		dup.products[k] = v
	}
	for k, v := range st.usersByUsername {
		dup.usersByUsername[k] = v
	}
	return dup
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	view := &txView{st: work, log: s.invoices, now: time.Now().UTC()}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.invoices.append(view.pending)
	s.mu.Unlock()
	return nil
}

func (s *Store) Snapshot(ctx context.Context, fn func(r store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Reader has no invoice methods, so the view never touches the log.
	return fn(&txView{st: s.read().clone(), now: time.Now().UTC()})
}

// mutate runs a single-step write outside a caller-visible scope.
func (s *Store) mutate(fn func(st *state) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) SeedDenominations(_ context.Context, values []int64) error {
	return s.mutate(func(st *state) error {
		now := time.Now().UTC()
		for _, value := range values {
			if value <= 0 {
				return fmt.Errorf("invalid denomination value %d", value)
			}
			if _, exists := st.denominations[value]; exists {
				continue
			}
			st.denominations[value] = domain.Denomination{Value: value, UpdatedAt: now}
		}
		return nil
	})
}

func (s *Store) ListProducts(_ context.Context, offset int, limit int) ([]domain.Product, error) {
	st := s.read()
	products := make([]domain.Product, 0, len(st.products))
	for _, p := range st.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return page(products, offset, limit), nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	product, ok := s.read().products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	err := s.mutate(func(st *state) error {
		if _, exists := st.products[product.ProductID]; exists {
			return store.ErrConflict
		}
		now := time.Now().UTC()
		product.CreatedAt = now
		product.UpdatedAt = now
		st.products[product.ProductID] = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	err := s.mutate(func(st *state) error {
		current, exists := st.products[product.ProductID]
		if !exists {
			return store.ErrNotFound
		}
		product.CreatedAt = current.CreatedAt
		product.UpdatedAt = time.Now().UTC()
		st.products[product.ProductID] = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated := product
	return &updated, nil
}

// ListInvoices returns invoices newest first.
func (s *Store) ListInvoices(_ context.Context, offset int, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.invoices.order
	if offset < 0 {
		offset = 0
	}
	if offset >= len(order) {
		return []domain.Invoice{}, nil
	}
	n := len(order) - offset
	if limit > 0 && n > limit {
		n = limit
	}
	invoices := make([]domain.Invoice, 0, n)
	for i := len(order) - 1 - offset; i >= 0 && len(invoices) < n; i-- {
		invoices = append(invoices, *cloneInvoice(s.invoices.byID[order[i]]))
	}
	return invoices, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoices.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

func (s *Store) DashboardStats(_ context.Context, lowStock int, recent int) (domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, log := s.state, s.invoices
	stats := domain.DashboardStats{
		TotalInvoices:  len(log.order),
		TotalProducts:  len(st.products),
		RecentInvoices: make([]domain.RecentInvoice, 0, recent),
	}
	for _, id := range log.order {
		stats.Revenue += log.byID[id].RoundedNetPrice
	}
	for _, p := range st.products {
		if p.AvailableStock < lowStock {
			stats.LowStockCount++
		}
	}
	for i := len(log.order) - 1; i >= 0 && len(stats.RecentInvoices) < recent; i-- {
		inv := log.byID[log.order[i]]
		stats.RecentInvoices = append(stats.RecentInvoices, domain.RecentInvoice{
			ID:            inv.ID,
			CustomerEmail: inv.CustomerEmail,
			Amount:        inv.RoundedNetPrice,
			CreatedAt:     inv.CreatedAt,
		})
	}
	return stats, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	return s.mutate(func(st *state) error {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" || strings.TrimSpace(user.Password) == "" {
			return store.ErrConflict
		}
		if _, exists := st.usersByUsername[username]; exists {
			return store.ErrConflict
		}
		user.Username = username
		if user.Role == "" {
			user.Role = "admin"
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now().UTC()
		}
		user.Active = true
		st.usersByUsername[username] = user
		return nil
	})
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	st := s.read()
	users := make([]domain.UserAccount, 0, len(st.usersByUsername))
	for _, user := range st.usersByUsername {
		users = append(users, user)
	}

	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	return s.mutate(func(st *state) error {
		username = strings.ToLower(strings.TrimSpace(username))
		user, exists := st.usersByUsername[username]
		if !exists {
			return store.ErrNotFound
		}
		user.Password = password
		st.usersByUsername[username] = user
		return nil
	})
}

// txView is the scope handed to WithinTx and Snapshot callbacks. It writes
// straight into its private state copy; new invoices wait in pending until
// the scope commits.
type txView struct {
	st      *state
	log     *invoiceLog
	pending []*domain.Invoice
	now     time.Time
}

func (v *txView) ListDenominations(_ context.Context) ([]domain.Denomination, error) {
	denoms := make([]domain.Denomination, 0, len(v.st.denominations))
	for _, d := range v.st.denominations {
		denoms = append(denoms, d)
	}
	domain.SortDenominationsDesc(denoms)
	return denoms, nil
}

func (v *txView) AdjustDenomination(_ context.Context, value int64, delta int) (int, error) {
	d, ok := v.st.denominations[value]
	if !ok {
		return 0, store.ErrNotFound
	}
	if d.Count+delta < 0 {
		return d.Count, store.ErrNegativeCount
	}
	d.Count += delta
	d.UpdatedAt = v.now
	v.st.denominations[value] = d
	return d.Count, nil
}

func (v *txView) SetDenominationCount(_ context.Context, value int64, count int) error {
	d, ok := v.st.denominations[value]
	if !ok {
		return store.ErrNotFound
	}
	if count < 0 {
		return store.ErrNegativeCount
	}
	d.Count = count
	d.UpdatedAt = v.now
	v.st.denominations[value] = d
	return nil
}

func (v *txView) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	product, ok := v.st.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (v *txView) DecrementStock(_ context.Context, productID string, qty int) (int, error) {
	product, ok := v.st.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	product.AvailableStock -= qty
	product.UpdatedAt = v.now
	v.st.products[productID] = product
	return product.AvailableStock, nil
}

func (v *txView) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.IdempotencyKey != "" {
		if _, err := v.FindInvoiceByIdempotency(ctx, invoice.IdempotencyKey); err == nil {
			return nil, store.ErrConflict
		}
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = v.now
	}

	stored := cloneInvoice(&invoice)
	v.pending = append(v.pending, stored)
	return cloneInvoice(stored), nil
}

func (v *txView) FindInvoiceByIdempotency(_ context.Context, key string) (*domain.Invoice, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	for _, inv := range v.pending {
		if inv.IdempotencyKey == key {
			return cloneInvoice(inv), nil
		}
	}
	if v.log != nil {
		if id, ok := v.log.byIdem[key]; ok {
			return cloneInvoice(v.log.byID[id]), nil
		}
	}
	return nil, store.ErrNotFound
}

func page[T any](items []T, offset int, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneInvoice(src *domain.Invoice) *domain.Invoice {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = slices.Clone(src.Lines)
	dup.CashDenominations = domain.CloneCounts(src.CashDenominations)
	dup.ChangeDenominations = domain.CloneCounts(src.ChangeDenominations)
	return &dup
}
