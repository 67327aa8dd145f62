package store

import (
	"context"
	"errors"
	"time"

	"farmapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrTotalMismatch      = errors.New("total mismatch")
	ErrSaleExpired        = errors.New("sale expired")
	// ErrAtomicUnsupported signals that the store's multi-row commit primitive
	// is unavailable for infrastructural reasons. The sale engine catches it
	// once and replays the same mutation plan through the sequential path.
	ErrAtomicUnsupported = errors.New("atomic commit unavailable")
)

// Repository is the persistence contract shared by the postgres and in-memory
// stores. Methods that move stock are atomic and conditional: a drug quantity
// can never be observed below zero, and terminal sale transitions (finalize,
// reclaim delete) are compare-and-set on the sale's current state.
type Repository interface {
	ListDrugs(ctx context.Context, branchID string) ([]domain.Drug, error)
	GetDrug(ctx context.Context, branchID string, drugID string) (*domain.Drug, error)
	GetDrugsByIDs(ctx context.Context, branchID string, drugIDs []string) (map[string]domain.Drug, error)
	UpsertDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error)
	// AdjustDrugQuantity applies a single conditional delta; a negative delta
	// that would take the quantity below zero fails with ErrInsufficientStock
	// and no effect. This is the fallback path's per-row primitive.
	AdjustDrugQuantity(ctx context.Context, branchID string, drugID string, delta int64) error

	// CreateSale commits {stock decrements, sale insert, customer purchase
	// append} as one unit, re-verifying quantities under row locks. It fails
	// with ErrAtomicUnsupported when the commit primitive itself is down.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// InsertSale records the sale document only, with no stock effect. Used by
	// the sale engine's sequential fallback after it has decremented stock.
	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	// FinalizeSale flips finalized=false to true iff the sale is still held
	// and no sweep has begun restoring its items.
	FinalizeSale(ctx context.Context, saleID string, at time.Time) (*domain.Sale, error)

	ListExpiredHeldSales(ctx context.Context, cutoff time.Time, limit int) ([]domain.Sale, error)
	// RestoreSaleItem credits one line's reserved base units back to its drug
	// and marks the line restored. It no-ops on already-restored lines and
	// fails with ErrNotFound when the sale is gone or already finalized.
	RestoreSaleItem(ctx context.Context, saleID string, lineNo int) error
	// DeleteReclaimedSale removes the sale iff it is still unfinalized and
	// every line has been restored; the customer's purchase reference goes
	// with it in the same commit.
	DeleteReclaimedSale(ctx context.Context, saleID string) error
	ExpiredSaleStats(ctx context.Context, cutoff time.Time) (domain.ExpiredSaleStats, error)

	TransferStock(ctx context.Context, drugID string, fromBranchID string, toBranchID string, quantity int64) (*domain.Drug, error)

	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	AppendCustomerPurchase(ctx context.Context, customerID string, saleID string) error

	GetPharmacySettings(ctx context.Context) (domain.PharmacySettings, error)
	UpdatePharmacySettings(ctx context.Context, settings domain.PharmacySettings) (domain.PharmacySettings, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
