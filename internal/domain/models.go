package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Denomination struct {
	Value     int64     `json:"denomination"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DenominationCount struct {
	Value int64 `json:"denomination" validate:"gt=0"`
	Count int   `json:"count" validate:"gte=0"`
}

type DenominationUpdateRequest struct {
	Count *int `json:"count"`
}

type DenominationBulkUpdateRequest struct {
	Denominations []DenominationCount `json:"denominations" validate:"required,min=1,dive"`
}

type Product struct {
	ProductID      string          `json:"product_id"`
	Name           string          `json:"name"`
	AvailableStock int             `json:"available_stocks"`
	UnitPrice      decimal.Decimal `json:"price_per_unit"`
	TaxRate        decimal.Decimal `json:"tax_percentage"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	ProductID      string          `json:"product_id" validate:"required,max=64"`
	Name           string          `json:"name" validate:"required,max=200"`
	AvailableStock int             `json:"available_stocks" validate:"gte=0"`
	UnitPrice      decimal.Decimal `json:"price_per_unit"`
	TaxRate        decimal.Decimal `json:"tax_percentage"`
}

type ProductUpdateRequest struct {
	Name           *string          `json:"name,omitempty"`
	AvailableStock *int             `json:"available_stocks,omitempty"`
	UnitPrice      *decimal.Decimal `json:"price_per_unit,omitempty"`
	TaxRate        *decimal.Decimal `json:"tax_percentage,omitempty"`
}

type SaleItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=2147483647"`
}

// SaleRequest is the input shared by the preview and the committing sale.
// CashDenominations maps face value to the number of notes tendered.
type SaleRequest struct {
	IdempotencyKey    string          `json:"idempotency_key,omitempty" validate:"max=128"`
	CustomerEmail     string          `json:"customer_email" validate:"required,email"`
	Items             []SaleItem      `json:"items" validate:"required,min=1,dive"`
	CashReceived      decimal.Decimal `json:"cash_paid"`
	CashDenominations map[int64]int   `json:"cash_denominations"`
}

type InvoiceLine struct {
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	TaxRate       decimal.Decimal `json:"tax_percentage"`
	TaxPayable    decimal.Decimal `json:"tax_payable"`
	TotalPrice    decimal.Decimal `json:"total_price"`
}

type Invoice struct {
	ID                  string          `json:"id"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
	CustomerEmail       string          `json:"customer_email"`
	TotalWithoutTax     decimal.Decimal `json:"total_without_tax"`
	TotalTax            decimal.Decimal `json:"total_tax"`
	NetPrice            decimal.Decimal `json:"net_price"`
	RoundedNetPrice     int64           `json:"rounded_net_price"`
	CashReceived        decimal.Decimal `json:"cash_paid"`
	BalancePayable      decimal.Decimal `json:"balance_payable"`
	CashDenominations   map[int64]int   `json:"cash_denominations"`
	ChangeDenominations map[int64]int   `json:"change_denominations"`
	CreatedAt           time.Time       `json:"created_at"`
	Lines               []InvoiceLine   `json:"items"`
}

type ChangeItem struct {
	Value int64 `json:"denomination"`
	Count int   `json:"count"`
}

type PreviewResult struct {
	Invoice
	ChangeBreakdown        []ChangeItem  `json:"balance_denoms"`
	AvailableDenominations map[int64]int `json:"available_stocks"`
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
	Skip     int       `json:"skip"`
	Limit    int       `json:"limit"`
}

type DashboardStats struct {
	TotalInvoices  int             `json:"total_invoices"`
	Revenue        int64           `json:"revenue"`
	TotalProducts  int             `json:"total_products"`
	LowStockCount  int             `json:"low_stock_count"`
	RecentInvoices []RecentInvoice `json:"recent_invoices"`
}

type RecentInvoice struct {
	ID            string    `json:"id"`
	CustomerEmail string    `json:"customer_email"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SortDenominationsDesc orders denominations by face value, largest first.
func SortDenominationsDesc(denoms []Denomination) {
	sort.Slice(denoms, func(i, j int) bool {
		return denoms[i].Value > denoms[j].Value
	})
}

// CountsTotal returns sum(value*count) for a denomination map. The sum is
// exact, so oversized tenders cannot wrap around to a plausible amount.
func CountsTotal(counts map[int64]int) decimal.Decimal {
	total := decimal.Zero
	for value, count := range counts {
		total = total.Add(decimal.NewFromInt(value).Mul(decimal.NewFromInt(int64(count))))
	}
	return total
}

func CloneCounts(counts map[int64]int) map[int64]int {
	if counts == nil {
		return nil
	}
	out := make(map[int64]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
