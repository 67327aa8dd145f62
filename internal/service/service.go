package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/reclaim"
	"farmapos/backend/internal/settings"
	"farmapos/backend/internal/store"
	"farmapos/backend/internal/xid"
)

// totalTolerance is the maximum allowed gap between the client-computed total
// and the server-recomputed one. Fixed; price columns carry two decimals.
const totalTolerance = 0.01

type contextKey string

const actorKey contextKey = "actor"

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// Service implements the sale and transfer engines on top of a Repository.
// All monetary and stock arithmetic happens here; the store only applies
// conditional writes.
type Service struct {
	repo            store.Repository
	settings        settings.Provider
	defaultBranchID string
}

func New(repo store.Repository, settingsProvider settings.Provider, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}
	return &Service{repo: repo, settings: settingsProvider, defaultBranchID: defaultBranchID}
}

// salePlan is one computed line of a sale: the request joined with the drug
// row it consumes. BaseUnits is the total base-unit reservation for the line.
type salePlan struct {
	item  domain.SaleItem
	drug  domain.Drug
	total float64
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.SaleResponse, error) {
	branchID := req.BranchID
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", store.ErrInvalidTransaction)
	}
	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = domain.PaymentMethodCash
	}
	switch paymentMethod {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidTransaction, paymentMethod)
	}

	drugIDs := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive for drug %s", store.ErrInvalidTransaction, item.DrugID)
		}
		if !item.SaleType.Valid() {
			return nil, fmt.Errorf("%w: unknown sale type %q", store.ErrInvalidTransaction, string(item.SaleType))
		}
		drugIDs = append(drugIDs, item.DrugID)
	}

	drugs, err := s.repo.GetDrugsByIDs(ctx, branchID, drugIDs)
	if err != nil {
		return nil, err
	}

	plans := make([]salePlan, 0, len(req.Items))
	var totalAmount, totalProfit float64
	for _, item := range req.Items {
		drug, ok := drugs[item.DrugID]
		if !ok {
			return nil, fmt.Errorf("%w: drug %s in branch %s", store.ErrNotFound, item.DrugID, branchID)
		}

		unitsPerSale, err := item.SaleType.BaseUnits(drug)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}
		price, err := item.SaleType.Price(drug)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}

		baseUnits := unitsPerSale * item.Quantity
		if drug.Quantity < baseUnits {
			return nil, fmt.Errorf("%w: drug %s has %d base units, need %d", store.ErrInsufficientStock, item.DrugID, drug.Quantity, baseUnits)
		}

		lineTotal := price * float64(item.Quantity)
		lineProfit := (price - drug.CostPrice*float64(unitsPerSale)) * float64(item.Quantity)
		totalAmount += lineTotal
		totalProfit += lineProfit

		plans = append(plans, salePlan{
			item: domain.SaleItem{
				DrugID:      drug.DrugID,
				DrugName:    drug.Name,
				Quantity:    item.Quantity,
				SaleType:    item.SaleType,
				PriceAtSale: price,
				Profit:      lineProfit,
				BaseUnits:   baseUnits,
			},
			drug:  drug,
			total: lineTotal,
		})
	}

	if math.Abs(totalAmount-req.TotalAmount) > totalTolerance {
		return nil, fmt.Errorf("%w: client total %.2f, server total %.2f", store.ErrTotalMismatch, req.TotalAmount, totalAmount)
	}

	actorName := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		actorName = actor.Username
	}

	pharmacySettings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		BranchID:      branchID,
		TotalAmount:   totalAmount,
		TotalProfit:   totalProfit,
		SoldBy:        actorName,
		CustomerID:    req.CustomerID,
		PaymentMethod: paymentMethod,
		Finalized:     true,
		CreatedAt:     time.Now().UTC(),
	}
	if pharmacySettings.RequireShortCode {
		sale.ShortCode = xid.ShortCode()
		sale.Finalized = false
	}
	for _, plan := range plans {
		sale.Items = append(sale.Items, plan.item)
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if errors.Is(err, store.ErrAtomicUnsupported) {
		log.Printf("[sale] WARN: atomic commit unavailable, using sequential fallback for sale %s: %v", sale.ID, err)
		created, err = s.createSaleFallback(ctx, sale)
	}
	if err != nil {
		return nil, err
	}
	return &domain.SaleResponse{Sale: *created, Held: created.Held()}, nil
}

// createSaleFallback replays the sale plan through single-row primitives. Each
// decrement is conditional, so stock still cannot go negative; a failure mid
// sequence triggers best-effort compensation of the decrements already
// applied. Every step is logged before it mutates so an operator can finish
// the compensation by hand if the process dies mid-flight.
func (s *Service) createSaleFallback(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CustomerID != "" {
		if _, err := s.repo.GetCustomer(ctx, sale.CustomerID); err != nil {
			return nil, err
		}
	}

	needed := make(map[string]int64, len(sale.Items))
	order := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		if _, seen := needed[item.DrugID]; !seen {
			order = append(order, item.DrugID)
		}
		needed[item.DrugID] += item.BaseUnits
	}

	applied := make([]string, 0, len(order))
	compensate := func() {
		for _, drugID := range applied {
			log.Printf("[sale-fallback] compensating: restoring %d base units of drug %s in branch %s for sale %s",
				needed[drugID], drugID, sale.BranchID, sale.ID)
			if err := s.repo.AdjustDrugQuantity(ctx, sale.BranchID, drugID, needed[drugID]); err != nil {
				log.Printf("[sale-fallback] WARN: compensation failed for drug %s in branch %s (%d base units): %v",
					drugID, sale.BranchID, needed[drugID], err)
			}
		}
	}

	for _, drugID := range order {
		log.Printf("[sale-fallback] decrementing %d base units of drug %s in branch %s for sale %s",
			needed[drugID], drugID, sale.BranchID, sale.ID)
		if err := s.repo.AdjustDrugQuantity(ctx, sale.BranchID, drugID, -needed[drugID]); err != nil {
			compensate()
			return nil, err
		}
		applied = append(applied, drugID)
	}

	log.Printf("[sale-fallback] recording sale %s", sale.ID)
	created, err := s.repo.InsertSale(ctx, sale)
	if err != nil {
		compensate()
		return nil, err
	}

	if sale.CustomerID != "" {
		if err := s.repo.AppendCustomerPurchase(ctx, sale.CustomerID, sale.ID); err != nil {
			// The sale itself is committed; the purchase link is reporting
			// metadata and is not worth unwinding a completed sale over.
			log.Printf("[sale-fallback] WARN: could not link sale %s to customer %s: %v", sale.ID, sale.CustomerID, err)
		}
	}
	return created, nil
}

func (s *Service) FinalizeSale(ctx context.Context, req domain.FinalizeSaleRequest) (*domain.SaleResponse, error) {
	if req.SaleID == "" || req.ShortCode == "" {
		return nil, fmt.Errorf("%w: sale id and short code are required", store.ErrInvalidTransaction)
	}

	sale, err := s.repo.GetSale(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if sale.Finalized {
		return nil, fmt.Errorf("%w: sale %s is already finalized", store.ErrInvalidTransaction, sale.ID)
	}
	if sale.ShortCode != req.ShortCode {
		return nil, fmt.Errorf("%w: short code does not match", store.ErrInvalidTransaction)
	}

	pharmacySettings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if reclaim.IsSaleExpired(*sale, pharmacySettings, time.Now().UTC()) {
		return nil, fmt.Errorf("%w: sale %s", store.ErrSaleExpired, sale.ID)
	}

	finalized, err := s.repo.FinalizeSale(ctx, sale.ID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &domain.SaleResponse{Sale: *finalized, Held: finalized.Held()}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return &domain.SaleResponse{Sale: *sale, Held: sale.Held()}, nil
}

func (s *Service) TransferStock(ctx context.Context, req domain.TransferRequest) (*domain.TransferResponse, error) {
	if req.DrugID == "" || req.FromBranchID == "" || req.ToBranchID == "" {
		return nil, fmt.Errorf("%w: drug and both branches are required", store.ErrInvalidTransaction)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidTransaction)
	}
	if req.FromBranchID == req.ToBranchID {
		return nil, fmt.Errorf("%w: cannot transfer within branch %s", store.ErrInvalidTransaction, req.FromBranchID)
	}

	source, err := s.repo.TransferStock(ctx, req.DrugID, req.FromBranchID, req.ToBranchID, req.Quantity)
	if err != nil {
		return nil, err
	}

	actorName := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		actorName = actor.Username
	}
	log.Printf("[transfer] %s moved %d base units of %s from %s to %s", actorName, req.Quantity, req.DrugID, req.FromBranchID, req.ToBranchID)

	return &domain.TransferResponse{
		DrugID:          req.DrugID,
		FromBranchID:    req.FromBranchID,
		ToBranchID:      req.ToBranchID,
		Quantity:        req.Quantity,
		SourceRemaining: source.Quantity,
	}, nil
}

func (s *Service) ListDrugs(ctx context.Context, branchID string) ([]domain.Drug, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListDrugs(ctx, branchID)
}
