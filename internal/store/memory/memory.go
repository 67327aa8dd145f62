package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	drugs           map[string]map[string]domain.Drug // branchID -> drugID -> row
	salesByID       map[string]*domain.Sale
	customersByID   map[string]*domain.Customer
	settings        domain.PharmacySettings
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	seed := []domain.Drug{
		{DrugID: "DRG-PARA-500", BranchID: "main-branch", Name: "Paracetamol 500mg", Category: "analgesic", Quantity: 6000, PricePerUnit: 1.5, PricePerPack: 25, PricePerCarton: 90, CostPrice: 0.8, UnitsPerCarton: 20, PacksPerCarton: 4, UpdatedAt: now},
		{DrugID: "DRG-AMOX-250", BranchID: "main-branch", Name: "Amoxicillin 250mg", Category: "antibiotic", Quantity: 3200, PricePerUnit: 2.2, PricePerPack: 20, PricePerCarton: 75, CostPrice: 1.1, UnitsPerCarton: 10, PacksPerCarton: 4, UpdatedAt: now},
		{DrugID: "DRG-OBH-100", BranchID: "main-branch", Name: "OBH Cough Syrup 100ml", Category: "cough-cold", Quantity: 480, PricePerUnit: 6.5, PricePerPack: 36, PricePerCarton: 130, CostPrice: 4.2, UnitsPerCarton: 6, PacksPerCarton: 4, UpdatedAt: now},
		{DrugID: "DRG-VITC-500", BranchID: "main-branch", Name: "Vitamin C 500mg", Category: "supplement", Quantity: 9000, PricePerUnit: 0.9, PricePerPack: 24, PricePerCarton: 85, CostPrice: 0.4, UnitsPerCarton: 30, PacksPerCarton: 4, UpdatedAt: now},
		{DrugID: "DRG-PARA-500", BranchID: "branch-2", Name: "Paracetamol 500mg", Category: "analgesic", Quantity: 1200, PricePerUnit: 1.5, PricePerPack: 25, PricePerCarton: 90, CostPrice: 0.8, UnitsPerCarton: 20, PacksPerCarton: 4, UpdatedAt: now},
	}

	drugs := make(map[string]map[string]domain.Drug)
	for _, d := range seed {
		branch, ok := drugs[d.BranchID]
		if !ok {
			branch = make(map[string]domain.Drug)
			drugs[d.BranchID] = branch
		}
		branch[d.DrugID] = d
	}

	return &Store{
		drugs:           drugs,
		salesByID:       make(map[string]*domain.Sale),
		customersByID:   make(map[string]*domain.Customer),
		settings:        domain.PharmacySettings{RequireShortCode: false, ShortCodeExpiryMinutes: 30},
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListDrugs(_ context.Context, branchID string) ([]domain.Drug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch := s.drugs[branchID]
	drugs := make([]domain.Drug, 0, len(branch))
	for _, d := range branch {
		drugs = append(drugs, d)
	}
	slices.SortFunc(drugs, func(a, b domain.Drug) int {
		return strings.Compare(a.Name, b.Name)
	})
	return drugs, nil
}

func (s *Store) GetDrug(_ context.Context, branchID string, drugID string) (*domain.Drug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drugs[branchID][drugID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyDrug := d
	return &copyDrug, nil
}

func (s *Store) GetDrugsByIDs(_ context.Context, branchID string, drugIDs []string) (map[string]domain.Drug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Drug, len(drugIDs))
	branch := s.drugs[branchID]
	for _, id := range drugIDs {
		if d, ok := branch[id]; ok {
			result[id] = d
		}
	}
	return result, nil
}

func (s *Store) UpsertDrug(_ context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.DrugID == "" || drug.BranchID == "" || drug.Quantity < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if drug.UnitsPerCarton < 1 || drug.PacksPerCarton < 1 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.drugs[drug.BranchID]
	if !ok {
		branch = make(map[string]domain.Drug)
		s.drugs[drug.BranchID] = branch
	}
	drug.UpdatedAt = time.Now().UTC()
	branch[drug.DrugID] = drug
	saved := drug
	return &saved, nil
}

func (s *Store) AdjustDrugQuantity(_ context.Context, branchID string, drugID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustQuantityLocked(branchID, drugID, delta)
}

func (s *Store) adjustQuantityLocked(branchID string, drugID string, delta int64) error {
	d, ok := s.drugs[branchID][drugID]
	if !ok {
		return fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, branchID)
	}
	if d.Quantity+delta < 0 {
		return fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, d.Quantity, -delta)
	}
	d.Quantity += delta
	d.UpdatedAt = time.Now().UTC()
	s.drugs[branchID][drugID] = d
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if sale.CustomerID != "" {
		if _, ok := s.customersByID[sale.CustomerID]; !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
	}

	// Verify every decrement before applying any, so a failed sale leaves
	// zero observable effects.
	needed := make(map[string]int64, len(sale.Items))
	for _, item := range sale.Items {
		if item.BaseUnits < 1 {
			return nil, store.ErrInvalidTransaction
		}
		needed[item.DrugID] += item.BaseUnits
	}
	for drugID, units := range needed {
		d, ok := s.drugs[sale.BranchID][drugID]
		if !ok {
			return nil, fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, sale.BranchID)
		}
		if d.Quantity < units {
			return nil, fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, d.Quantity, units)
		}
	}
	for drugID, units := range needed {
		if err := s.adjustQuantityLocked(sale.BranchID, drugID, -units); err != nil {
			return nil, err
		}
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored

	if sale.CustomerID != "" {
		customer := s.customersByID[sale.CustomerID]
		customer.Purchases = append(customer.Purchases, sale.ID)
	}

	created := cloneSale(stored)
	return &created, nil
}

func (s *Store) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored
	created := cloneSale(stored)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(*sale)
	return &copySale, nil
}

func (s *Store) FinalizeSale(_ context.Context, saleID string, _ time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Finalized {
		return nil, store.ErrInvalidTransaction
	}
	for _, item := range sale.Items {
		if item.Restored {
			// A sweep already began restoring stock; reclamation wins.
			return nil, store.ErrSaleExpired
		}
	}

	sale.Finalized = true
	finalized := cloneSale(*sale)
	return &finalized, nil
}

func (s *Store) ListExpiredHeldSales(_ context.Context, cutoff time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}

	expired := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByID {
		if sale.Held() && sale.CreatedAt.Before(cutoff) {
			expired = append(expired, cloneSale(*sale))
		}
	}
	slices.SortFunc(expired, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *Store) RestoreSaleItem(_ context.Context, saleID string, lineNo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.Finalized {
		return store.ErrNotFound
	}
	if lineNo < 0 || lineNo >= len(sale.Items) {
		return fmt.Errorf("%w: sale %s has no line %d", store.ErrInvalidTransaction, saleID, lineNo)
	}
	item := &sale.Items[lineNo]
	if item.Restored {
		return nil
	}
	if err := s.adjustQuantityLocked(sale.BranchID, item.DrugID, item.BaseUnits); err != nil {
		return err
	}
	item.Restored = true
	return nil
}

func (s *Store) DeleteReclaimedSale(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.Finalized {
		return store.ErrNotFound
	}
	for _, item := range sale.Items {
		if !item.Restored {
			return fmt.Errorf("%w: sale %s still has unrestored items", store.ErrInvalidTransaction, saleID)
		}
	}

	delete(s.salesByID, saleID)
	if sale.CustomerID != "" {
		if customer, ok := s.customersByID[sale.CustomerID]; ok {
			customer.Purchases = slices.DeleteFunc(customer.Purchases, func(id string) bool {
				return id == saleID
			})
		}
	}
	return nil
}

func (s *Store) ExpiredSaleStats(_ context.Context, cutoff time.Time) (domain.ExpiredSaleStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.ExpiredSaleStats{}
	for _, sale := range s.salesByID {
		if !sale.Held() || !sale.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Count++
		stats.TotalValue += sale.TotalAmount
		if stats.OldestExpired == nil || sale.CreatedAt.Before(*stats.OldestExpired) {
			oldest := sale.CreatedAt
			stats.OldestExpired = &oldest
		}
	}
	return stats, nil
}

func (s *Store) TransferStock(_ context.Context, drugID string, fromBranchID string, toBranchID string, quantity int64) (*domain.Drug, error) {
	if quantity < 1 || fromBranchID == toBranchID {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.drugs[fromBranchID][drugID]
	if !ok {
		return nil, fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, fromBranchID)
	}
	if source.Quantity < quantity {
		return nil, fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, source.Quantity, quantity)
	}

	destBranch, ok := s.drugs[toBranchID]
	if !ok {
		destBranch = make(map[string]domain.Drug)
		s.drugs[toBranchID] = destBranch
	}
	dest, ok := destBranch[drugID]
	if !ok {
		// Clone the pricing fields into a fresh zero-quantity row.
		dest = source
		dest.BranchID = toBranchID
		dest.Quantity = 0
	}

	now := time.Now().UTC()
	source.Quantity -= quantity
	source.UpdatedAt = now
	dest.Quantity += quantity
	dest.UpdatedAt = now
	s.drugs[fromBranchID][drugID] = source
	destBranch[drugID] = dest

	remaining := source
	return &remaining, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyCustomer := *customer
	copyCustomer.Purchases = slices.Clone(customer.Purchases)
	return &copyCustomer, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	stored := customer
	stored.Purchases = slices.Clone(customer.Purchases)
	s.customersByID[customer.ID] = &stored

	created := stored
	created.Purchases = slices.Clone(stored.Purchases)
	return &created, nil
}

func (s *Store) AppendCustomerPurchase(_ context.Context, customerID string, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
	}
	customer.Purchases = append(customer.Purchases, saleID)
	return nil
}

func (s *Store) GetPharmacySettings(_ context.Context) (domain.PharmacySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.settings.Normalized(), nil
}

func (s *Store) UpdatePharmacySettings(_ context.Context, settings domain.PharmacySettings) (domain.PharmacySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = settings.Normalized()
	return s.settings, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	copySale := sale
	copySale.Items = slices.Clone(sale.Items)
	return copySale
}
