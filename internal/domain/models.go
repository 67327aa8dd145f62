package domain

import (
	"fmt"
	"time"
)

// SaleType is the granularity a drug is sold at. The set is closed; every
// conversion goes through BaseUnits so a new granularity cannot be added
// without the compiler pointing at the switches that must learn about it.
type SaleType string

const (
	SaleTypeUnit   SaleType = "unit"
	SaleTypePack   SaleType = "pack"
	SaleTypeCarton SaleType = "carton"
)

func (t SaleType) Valid() bool {
	switch t {
	case SaleTypeUnit, SaleTypePack, SaleTypeCarton:
		return true
	default:
		return false
	}
}

// BaseUnits returns how many base units one sold unit of this granularity
// consumes for the given drug. Selling a pack consumes unitsPerCarton base
// units; a carton consumes unitsPerCarton*packsPerCarton.
func (t SaleType) BaseUnits(drug Drug) (int64, error) {
	switch t {
	case SaleTypeUnit:
		return 1, nil
	case SaleTypePack:
		return drug.UnitsPerCarton, nil
	case SaleTypeCarton:
		return drug.UnitsPerCarton * drug.PacksPerCarton, nil
	default:
		return 0, fmt.Errorf("unknown sale type %q", string(t))
	}
}

// Price returns the drug's price for one sold unit of this granularity.
func (t SaleType) Price(drug Drug) (float64, error) {
	switch t {
	case SaleTypeUnit:
		return drug.PricePerUnit, nil
	case SaleTypePack:
		return drug.PricePerPack, nil
	case SaleTypeCarton:
		return drug.PricePerCarton, nil
	default:
		return 0, fmt.Errorf("unknown sale type %q", string(t))
	}
}

// Drug is one stock row: a drug's quantity and pricing within a single
// branch. Quantity is always in base units. Pricing and identity fields are
// owned by the inventory CRUD; the engines here only move Quantity.
type Drug struct {
	DrugID         string    `json:"drug_id"`
	BranchID       string    `json:"branch_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Quantity       int64     `json:"quantity"`
	PricePerUnit   float64   `json:"price_per_unit"`
	PricePerPack   float64   `json:"price_per_pack"`
	PricePerCarton float64   `json:"price_per_carton"`
	CostPrice      float64   `json:"cost_price"`
	UnitsPerCarton int64     `json:"units_per_carton"`
	PacksPerCarton int64     `json:"packs_per_carton"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SaleItem is one line of a sale. BaseUnits is the exact base-unit quantity
// reserved from stock when the sale was recorded; reclamation restores this
// number and never re-derives it from SaleType. Restored marks lines already
// credited back so a retried sweep cannot double-restore.
type SaleItem struct {
	DrugID      string   `json:"drug_id"`
	DrugName    string   `json:"drug_name"`
	Quantity    int64    `json:"quantity"`
	SaleType    SaleType `json:"sale_type"`
	PriceAtSale float64  `json:"price_at_sale"`
	Profit      float64  `json:"profit"`
	BaseUnits   int64    `json:"base_units"`
	Restored    bool     `json:"restored,omitempty"`
}

type Sale struct {
	ID            string     `json:"id"`
	BranchID      string     `json:"branch_id"`
	Items         []SaleItem `json:"items"`
	TotalAmount   float64    `json:"total_amount"`
	TotalProfit   float64    `json:"total_profit"`
	SoldBy        string     `json:"sold_by"`
	CustomerID    string     `json:"customer_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	ShortCode     string     `json:"short_code,omitempty"`
	Finalized     bool       `json:"finalized"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Held reports whether the sale holds a stock reservation pending a short
// code confirmation.
func (s Sale) Held() bool {
	return s.ShortCode != "" && !s.Finalized
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Purchases []string  `json:"purchases"`
	CreatedAt time.Time `json:"created_at"`
}

// PharmacySettings is the per-pharmacy policy document consumed by the sale
// engine and the reclaimer. It is injected, never looked up ambiently.
type PharmacySettings struct {
	RequireShortCode       bool `json:"require_short_code"`
	ShortCodeExpiryMinutes int  `json:"short_code_expiry_minutes"`
}

// Normalized clamps the expiry window to its valid 1..1440 minute range.
func (s PharmacySettings) Normalized() PharmacySettings {
	if s.ShortCodeExpiryMinutes < 1 {
		s.ShortCodeExpiryMinutes = 1
	}
	if s.ShortCodeExpiryMinutes > 1440 {
		s.ShortCodeExpiryMinutes = 1440
	}
	return s
}

// ExpiryWindow returns the held-sale lifetime as a duration.
func (s PharmacySettings) ExpiryWindow() time.Duration {
	return time.Duration(s.Normalized().ShortCodeExpiryMinutes) * time.Minute
}

type SaleItemRequest struct {
	DrugID   string   `json:"drug_id"`
	Quantity int64    `json:"quantity"`
	SaleType SaleType `json:"sale_type"`
}

type CreateSaleRequest struct {
	BranchID      string            `json:"branch_id"`
	Items         []SaleItemRequest `json:"items"`
	TotalAmount   float64           `json:"total_amount"`
	PaymentMethod string            `json:"payment_method"`
	CustomerID    string            `json:"customer_id,omitempty"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
	// Held echoes Sale.Held() so cashier UIs do not re-derive it.
	Held bool `json:"held"`
}

type FinalizeSaleRequest struct {
	SaleID    string `json:"sale_id"`
	ShortCode string `json:"short_code"`
}

type TransferRequest struct {
	DrugID       string `json:"drug_id"`
	FromBranchID string `json:"from_branch_id"`
	ToBranchID   string `json:"to_branch_id"`
	Quantity     int64  `json:"quantity"`
}

type TransferResponse struct {
	DrugID          string `json:"drug_id"`
	FromBranchID    string `json:"from_branch_id"`
	ToBranchID      string `json:"to_branch_id"`
	Quantity        int64  `json:"quantity"`
	SourceRemaining int64  `json:"source_remaining"`
}

type ReclaimResponse struct {
	CleanedUpCount int `json:"cleaned_up_count"`
}

type ExpiredSaleStats struct {
	Count         int        `json:"count"`
	TotalValue    float64    `json:"total_value"`
	OldestExpired *time.Time `json:"oldest_expired,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
)
