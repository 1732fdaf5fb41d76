package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/store"
	"github.com/nithinbarath/billing-system/internal/xid"
)

// maxTxAttempts bounds how often a scope is replayed after a serialization
// failure.
const maxTxAttempts = 3

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already opened pool.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a serializable transaction. Rows read through the
// scope are locked until commit. A serialization failure replays fn from
// the start, up to maxTxAttempts times; any other error is returned as is.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
		s.logger.Warn("transaction serialization failure, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %w", store.ErrConflict, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txView{q: pgTx, lock: true}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) Snapshot(ctx context.Context, fn func(r store.Reader) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txView{q: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) SeedDenominations(ctx context.Context, values []int64) error {
	return s.WithinTx(ctx, func(tx store.Tx) error {
		q := tx.(*txView).q
		for _, value := range values {
			if value <= 0 {
				return fmt.Errorf("invalid denomination value %d", value)
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO denominations (value, count, updated_at)
				VALUES ($1, 0, now())
				ON CONFLICT (value) DO NOTHING
			`, value); err != nil {
				return err
			}
		}
		return nil
	})
}

const productColumns = `product_id, name, available_stocks, price_per_unit, tax_percentage, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context, offset int, limit int) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY product_id
		OFFSET $1 LIMIT $2
	`, max(offset, 0), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, s.db, productID, false)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (product_id, name, available_stocks, price_per_unit, tax_percentage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+productColumns,
		product.ProductID, product.Name, product.AvailableStock, product.UnitPrice, product.TaxRate,
	)
	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, available_stocks = $3, price_per_unit = $4, tax_percentage = $5, updated_at = now()
		WHERE product_id = $1
		RETURNING `+productColumns,
		product.ProductID, product.Name, product.AvailableStock, product.UnitPrice, product.TaxRate,
	)
	updated, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

const invoiceColumns = `id, COALESCE(idempotency_key, ''), customer_email, total_without_tax, total_tax, net_price,
	rounded_net_price, cash_paid, balance_payable, cash_denominations, change_denominations, created_at`

// ListInvoices returns invoices newest first, each with its lines.
func (s *Store) ListInvoices(ctx context.Context, offset int, limit int) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		ORDER BY created_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`, max(offset, 0), nullLimit(limit))
	if err != nil {
		return nil, err
	}

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(invoices) == 0 {
		return invoices, nil
	}

	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	lines, err := loadLines(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Lines = lines[invoices[i].ID]
		if invoices[i].Lines == nil {
			invoices[i].Lines = []domain.InvoiceLine{}
		}
	}
	return invoices, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return findInvoice(ctx, s.db, "id", id)
}

func (s *Store) DashboardStats(ctx context.Context, lowStock int, recent int) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(rounded_net_price), 0)
		FROM invoices
	`).Scan(&stats.TotalInvoices, &stats.Revenue); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE available_stocks < $1)
		FROM products
	`, lowStock).Scan(&stats.TotalProducts, &stats.LowStockCount); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_email, rounded_net_price, created_at
		FROM invoices
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, recent)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	stats.RecentInvoices = make([]domain.RecentInvoice, 0, recent)
	for rows.Next() {
		var r domain.RecentInvoice
		if err := rows.Scan(&r.ID, &r.CustomerEmail, &r.Amount, &r.CreatedAt); err != nil {
			return stats, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		stats.RecentInvoices = append(stats.RecentInvoices, r)
	}
	return stats, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrConflict
	}
	if user.Role == "" {
		user.Role = "admin"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 4)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txView is the scope handed to WithinTx and Snapshot callbacks. lock adds
// FOR UPDATE to reads; read-only snapshots must not use it.
type txView struct {
	q    querier
	lock bool
}

func (v *txView) forUpdate() string {
	if v.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (v *txView) ListDenominations(ctx context.Context) ([]domain.Denomination, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT value, count, updated_at
		FROM denominations
		ORDER BY value DESC`+v.forUpdate())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	denoms := make([]domain.Denomination, 0, 16)
	for rows.Next() {
		var d domain.Denomination
		if err := rows.Scan(&d.Value, &d.Count, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.UpdatedAt = d.UpdatedAt.UTC()
		denoms = append(denoms, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return denoms, nil
}

func (v *txView) AdjustDenomination(ctx context.Context, value int64, delta int) (int, error) {
	var count int
	err := v.q.QueryRowContext(ctx, `
		UPDATE denominations
		SET count = count + $2, updated_at = now()
		WHERE value = $1 AND count + $2 >= 0
		RETURNING count
	`, value, delta).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing updated: either the value is unknown or the guard refused.
	err = v.q.QueryRowContext(ctx, `SELECT count FROM denominations WHERE value = $1`, value).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, store.ErrNegativeCount
}

func (v *txView) SetDenominationCount(ctx context.Context, value int64, count int) error {
	if count < 0 {
		return store.ErrNegativeCount
	}
	res, err := v.q.ExecContext(ctx, `
		UPDATE denominations
		SET count = $2, updated_at = now()
		WHERE value = $1
	`, value, count)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (v *txView) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return getProduct(ctx, v.q, productID, v.lock)
}

func (v *txView) DecrementStock(ctx context.Context, productID string, qty int) (int, error) {
	var remaining int
	err := v.q.QueryRowContext(ctx, `
		UPDATE products
		SET available_stocks = available_stocks - $2, updated_at = now()
		WHERE product_id = $1
		RETURNING available_stocks
	`, productID, qty).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (v *txView) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	cashJSON, err := encodeCounts(invoice.CashDenominations)
	if err != nil {
		return nil, err
	}
	changeJSON, err := encodeCounts(invoice.ChangeDenominations)
	if err != nil {
		return nil, err
	}

	_, err = v.q.ExecContext(ctx, `
		INSERT INTO invoices (
			id, idempotency_key, customer_email, total_without_tax, total_tax, net_price,
			rounded_net_price, cash_paid, balance_payable, cash_denominations, change_denominations, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		invoice.ID, nullIfEmpty(invoice.IdempotencyKey), invoice.CustomerEmail,
		invoice.TotalWithoutTax, invoice.TotalTax, invoice.NetPrice,
		invoice.RoundedNetPrice, invoice.CashReceived, invoice.BalancePayable,
		cashJSON, changeJSON, invoice.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, line := range invoice.Lines {
		if _, err := v.q.ExecContext(ctx, `
			INSERT INTO invoice_items (
				invoice_id, line_no, product_id, product_name, quantity,
				unit_price, purchase_price, tax_percentage, tax_payable, total_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			invoice.ID, i+1, line.ProductID, line.ProductName, line.Quantity,
			line.UnitPrice, line.PurchasePrice, line.TaxRate, line.TaxPayable, line.TotalPrice,
		); err != nil {
			return nil, err
		}
	}

	created := invoice
	return &created, nil
}

func (v *txView) FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error) {
	return findInvoice(ctx, v.q, "idempotency_key", key)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getProduct(ctx context.Context, q querier, productID string, lock bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE product_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(q.QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ProductID, &p.Name, &p.AvailableStock, &p.UnitPrice, &p.TaxRate, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// findInvoice loads one invoice by a unique column. column is never user input.
func findInvoice(ctx context.Context, q querier, column string, value string) (*domain.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE `+column+` = $1
	`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	lines, err := loadLines(ctx, q, []string{inv.ID})
	if err != nil {
		return nil, err
	}
	inv.Lines = lines[inv.ID]
	if inv.Lines == nil {
		inv.Lines = []domain.InvoiceLine{}
	}
	return &inv, nil
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var cashJSON, changeJSON string
	if err := row.Scan(
		&inv.ID, &inv.IdempotencyKey, &inv.CustomerEmail,
		&inv.TotalWithoutTax, &inv.TotalTax, &inv.NetPrice,
		&inv.RoundedNetPrice, &inv.CashReceived, &inv.BalancePayable,
		&cashJSON, &changeJSON, &inv.CreatedAt,
	); err != nil {
		return domain.Invoice{}, err
	}
	inv.CreatedAt = inv.CreatedAt.UTC()

	var err error
	if inv.CashDenominations, err = decodeCounts(cashJSON); err != nil {
		return domain.Invoice{}, fmt.Errorf("invoice %s cash denominations: %w", inv.ID, err)
	}
	if inv.ChangeDenominations, err = decodeCounts(changeJSON); err != nil {
		return domain.Invoice{}, fmt.Errorf("invoice %s change denominations: %w", inv.ID, err)
	}
	return inv, nil
}

func loadLines(ctx context.Context, q querier, invoiceIDs []string) (map[string][]domain.InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT invoice_id, product_id, product_name, quantity,
			unit_price, purchase_price, tax_percentage, tax_payable, total_price
		FROM invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, line_no
	`, invoiceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make(map[string][]domain.InvoiceLine, len(invoiceIDs))
	for rows.Next() {
		var invoiceID string
		var line domain.InvoiceLine
		if err := rows.Scan(
			&invoiceID, &line.ProductID, &line.ProductName, &line.Quantity,
			&line.UnitPrice, &line.PurchasePrice, &line.TaxRate, &line.TaxPayable, &line.TotalPrice,
		); err != nil {
			return nil, err
		}
		lines[invoiceID] = append(lines[invoiceID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// encodeCounts stores a denomination map as JSON text keyed by face value.
func encodeCounts(counts map[int64]int) (string, error) {
	if len(counts) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeCounts(raw string) (map[int64]int, error) {
	out := map[int64]int{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure matches serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
