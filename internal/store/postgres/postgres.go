package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListDrugs(ctx context.Context, branchID string) ([]domain.Drug, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drug_id, branch_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		FROM drugs
		WHERE branch_id = $1
		ORDER BY name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drugs := make([]domain.Drug, 0, 64)
	for rows.Next() {
		var d domain.Drug
		if err := scanDrug(rows, &d); err != nil {
			return nil, err
		}
		drugs = append(drugs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drugs, nil
}

func (s *Store) GetDrug(ctx context.Context, branchID string, drugID string) (*domain.Drug, error) {
	var d domain.Drug
	err := scanDrug(s.db.QueryRowContext(ctx, `
		SELECT drug_id, branch_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		FROM drugs
		WHERE branch_id = $1 AND drug_id = $2
	`, branchID, drugID), &d)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDrugsByIDs(ctx context.Context, branchID string, drugIDs []string) (map[string]domain.Drug, error) {
	result := make(map[string]domain.Drug, len(drugIDs))
	if len(drugIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT drug_id, branch_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		FROM drugs
		WHERE branch_id = $1 AND drug_id = ANY($2)
	`, branchID, drugIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.Drug
		if err := scanDrug(rows, &d); err != nil {
			return nil, err
		}
		result[d.DrugID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertDrug(ctx context.Context, drug domain.Drug) (*domain.Drug, error) {
	if drug.DrugID == "" || drug.BranchID == "" || drug.Quantity < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if drug.UnitsPerCarton < 1 || drug.PacksPerCarton < 1 {
		return nil, store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drugs (
			branch_id, drug_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (branch_id, drug_id)
		DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
			quantity = EXCLUDED.quantity, price_per_unit = EXCLUDED.price_per_unit,
			price_per_pack = EXCLUDED.price_per_pack, price_per_carton = EXCLUDED.price_per_carton,
			cost_price = EXCLUDED.cost_price, units_per_carton = EXCLUDED.units_per_carton,
			packs_per_carton = EXCLUDED.packs_per_carton, updated_at = now()
	`, drug.BranchID, drug.DrugID, drug.Name, drug.Category, drug.Quantity, drug.PricePerUnit,
		drug.PricePerPack, drug.PricePerCarton, drug.CostPrice, drug.UnitsPerCarton, drug.PacksPerCarton)
	if err != nil {
		return nil, err
	}
	saved := drug
	return &saved, nil
}

func (s *Store) AdjustDrugQuantity(ctx context.Context, branchID string, drugID string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drugs
		SET quantity = quantity + $1, updated_at = now()
		WHERE branch_id = $2 AND drug_id = $3 AND quantity + $1 >= 0
	`, delta, branchID, drugID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var quantity int64
		err := s.db.QueryRowContext(ctx, `
			SELECT quantity FROM drugs WHERE branch_id = $1 AND drug_id = $2
		`, branchID, drugID).Scan(&quantity)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, branchID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, quantity, -delta)
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrAtomicUnsupported, err)
	}
	defer func() { _ = pgTx.Rollback() }()

	needed := make(map[string]int64, len(sale.Items))
	order := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		if item.BaseUnits < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if _, seen := needed[item.DrugID]; !seen {
			order = append(order, item.DrugID)
		}
		needed[item.DrugID] += item.BaseUnits
	}

	for _, drugID := range order {
		units := needed[drugID]
		var quantity int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT quantity FROM drugs
			WHERE branch_id = $1 AND drug_id = $2
			FOR UPDATE
		`, sale.BranchID, drugID).Scan(&quantity)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, sale.BranchID)
		}
		if err != nil {
			return nil, err
		}
		if quantity < units {
			return nil, fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, quantity, units)
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE drugs SET quantity = quantity - $1, updated_at = now()
			WHERE branch_id = $2 AND drug_id = $3
		`, units, sale.BranchID, drugID); err != nil {
			return nil, err
		}
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if err := insertSaleTx(ctx, pgTx, sale); err != nil {
		return nil, err
	}

	if sale.CustomerID != "" {
		var exists bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT true FROM customers WHERE id = $1
		`, sale.CustomerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
		if err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO customer_purchases (customer_id, sale_id, created_at)
			VALUES ($1,$2,$3)
		`, sale.CustomerID, sale.ID, sale.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := insertSaleTx(ctx, pgTx, sale); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func insertSaleTx(ctx context.Context, pgTx *sql.Tx, sale domain.Sale) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, branch_id, total_amount, total_profit, sold_by, customer_id,
			payment_method, short_code, finalized, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.BranchID, sale.TotalAmount, sale.TotalProfit, sale.SoldBy,
		nullIfEmpty(sale.CustomerID), sale.PaymentMethod, nullIfEmpty(sale.ShortCode),
		sale.Finalized, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}

	for lineNo, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, line_no, drug_id, drug_name, qty, sale_type,
				price_at_sale, profit, base_units, restored
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, lineNo, item.DrugID, item.DrugName, item.Quantity, string(item.SaleType),
			item.PriceAtSale, item.Profit, item.BaseUnits, item.Restored)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.loadSale(ctx, s.db, saleID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadSale(ctx context.Context, q queryer, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var shortCode sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, branch_id, total_amount, total_profit, sold_by, customer_id,
			payment_method, short_code, finalized, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(&sale.ID, &sale.BranchID, &sale.TotalAmount, &sale.TotalProfit,
		&sale.SoldBy, &customerID, &sale.PaymentMethod, &shortCode, &sale.Finalized, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if shortCode.Valid {
		sale.ShortCode = shortCode.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT drug_id, drug_name, qty, sale_type, price_at_sale, profit, base_units, restored
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var item domain.SaleItem
		var saleType string
		if err := rows.Scan(&item.DrugID, &item.DrugName, &item.Quantity, &saleType,
			&item.PriceAtSale, &item.Profit, &item.BaseUnits, &item.Restored); err != nil {
			return nil, err
		}
		item.SaleType = domain.SaleType(saleType)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) FinalizeSale(ctx context.Context, saleID string, _ time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Single conditional transition: the sale must still be held and the
	// reclaimer must not have started restoring its stock.
	res, err := pgTx.ExecContext(ctx, `
		UPDATE sales
		SET finalized = true
		WHERE id = $1 AND finalized = false
			AND NOT EXISTS (SELECT 1 FROM sale_items WHERE sale_id = $1 AND restored)
	`, saleID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var finalized bool
		err := pgTx.QueryRowContext(ctx, `SELECT finalized FROM sales WHERE id = $1`, saleID).Scan(&finalized)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if finalized {
			return nil, store.ErrInvalidTransaction
		}
		return nil, store.ErrSaleExpired
	}

	sale, err := s.loadSale(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListExpiredHeldSales(ctx context.Context, cutoff time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE finalized = false AND short_code IS NOT NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := s.loadSale(ctx, s.db, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func (s *Store) RestoreSaleItem(ctx context.Context, saleID string, lineNo int) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var branchID string
	var finalized bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT branch_id, finalized FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&branchID, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if finalized {
		return store.ErrNotFound
	}

	var drugID string
	var baseUnits int64
	var restored bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT drug_id, base_units, restored
		FROM sale_items
		WHERE sale_id = $1 AND line_no = $2
		FOR UPDATE
	`, saleID, lineNo).Scan(&drugID, &baseUnits, &restored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: sale %s has no line %d", store.ErrInvalidTransaction, saleID, lineNo)
	}
	if err != nil {
		return err
	}
	if restored {
		return pgTx.Commit()
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE drugs SET quantity = quantity + $1, updated_at = now()
		WHERE branch_id = $2 AND drug_id = $3
	`, baseUnits, branchID, drugID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, branchID)
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE sale_items SET restored = true
		WHERE sale_id = $1 AND line_no = $2
	`, saleID, lineNo); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) DeleteReclaimedSale(ctx context.Context, saleID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var finalized bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT finalized FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if finalized {
		return store.ErrNotFound
	}

	var unrestored int
	if err := pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int FROM sale_items WHERE sale_id = $1 AND restored = false
	`, saleID).Scan(&unrestored); err != nil {
		return err
	}
	if unrestored > 0 {
		return fmt.Errorf("%w: sale %s still has unrestored items", store.ErrInvalidTransaction, saleID)
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM customer_purchases WHERE sale_id = $1`, saleID); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) ExpiredSaleStats(ctx context.Context, cutoff time.Time) (domain.ExpiredSaleStats, error) {
	var stats domain.ExpiredSaleStats
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, COALESCE(SUM(total_amount),0), MIN(created_at)
		FROM sales
		WHERE finalized = false AND short_code IS NOT NULL AND created_at < $1
	`, cutoff).Scan(&stats.Count, &stats.TotalValue, &oldest)
	if err != nil {
		return stats, err
	}
	if oldest.Valid {
		at := oldest.Time.UTC()
		stats.OldestExpired = &at
	}
	return stats, nil
}

func (s *Store) TransferStock(ctx context.Context, drugID string, fromBranchID string, toBranchID string, quantity int64) (*domain.Drug, error) {
	if quantity < 1 || fromBranchID == toBranchID {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var source domain.Drug
	err = scanDrug(pgTx.QueryRowContext(ctx, `
		SELECT drug_id, branch_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		FROM drugs
		WHERE branch_id = $1 AND drug_id = $2
		FOR UPDATE
	`, fromBranchID, drugID), &source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, drugID, fromBranchID)
	}
	if err != nil {
		return nil, err
	}
	if source.Quantity < quantity {
		return nil, fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, drugID, source.Quantity, quantity)
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE drugs SET quantity = quantity - $1, updated_at = now()
		WHERE branch_id = $2 AND drug_id = $3
	`, quantity, fromBranchID, drugID); err != nil {
		return nil, err
	}

	// Destination row is created with cloned pricing when absent; the
	// increment lands on the existing quantity otherwise.
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO drugs (
			branch_id, drug_id, name, category, quantity, price_per_unit, price_per_pack,
			price_per_carton, cost_price, units_per_carton, packs_per_carton, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (branch_id, drug_id)
		DO UPDATE SET quantity = drugs.quantity + EXCLUDED.quantity, updated_at = now()
	`, toBranchID, drugID, source.Name, source.Category, quantity, source.PricePerUnit,
		source.PricePerPack, source.PricePerCarton, source.CostPrice, source.UnitsPerCarton,
		source.PacksPerCarton); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	source.Quantity -= quantity
	return &source, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at FROM customers WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id FROM customer_purchases
		WHERE customer_id = $1
		ORDER BY created_at ASC, sale_id ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]string, 0, 8)
	for rows.Next() {
		var saleID string
		if err := rows.Scan(&saleID); err != nil {
			return nil, err
		}
		purchases = append(purchases, saleID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	customer.Purchases = purchases
	return &customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, customer.ID, customer.Name, customer.Phone, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) AppendCustomerPurchase(ctx context.Context, customerID string, saleID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_purchases (customer_id, sale_id, created_at)
		SELECT $1, $2, now() WHERE EXISTS (SELECT 1 FROM customers WHERE id = $1)
	`, customerID, saleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
	}
	return nil
}

func (s *Store) GetPharmacySettings(ctx context.Context) (domain.PharmacySettings, error) {
	var settings domain.PharmacySettings
	err := s.db.QueryRowContext(ctx, `
		SELECT require_short_code, short_code_expiry_minutes
		FROM pharmacy_settings
		WHERE id = 1
	`).Scan(&settings.RequireShortCode, &settings.ShortCodeExpiryMinutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PharmacySettings{RequireShortCode: false, ShortCodeExpiryMinutes: 30}, nil
		}
		return domain.PharmacySettings{}, err
	}
	return settings.Normalized(), nil
}

func (s *Store) UpdatePharmacySettings(ctx context.Context, settings domain.PharmacySettings) (domain.PharmacySettings, error) {
	settings = settings.Normalized()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pharmacy_settings (id, require_short_code, short_code_expiry_minutes, updated_at)
		VALUES (1,$1,$2,now())
		ON CONFLICT (id)
		DO UPDATE SET require_short_code = EXCLUDED.require_short_code,
			short_code_expiry_minutes = EXCLUDED.short_code_expiry_minutes, updated_at = now()
	`, settings.RequireShortCode, settings.ShortCodeExpiryMinutes)
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	return settings, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidTransaction
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrug(row rowScanner, d *domain.Drug) error {
	if err := row.Scan(&d.DrugID, &d.BranchID, &d.Name, &d.Category, &d.Quantity,
		&d.PricePerUnit, &d.PricePerPack, &d.PricePerCarton, &d.CostPrice,
		&d.UnitsPerCarton, &d.PacksPerCarton, &d.UpdatedAt); err != nil {
		return err
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
