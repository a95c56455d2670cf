package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/nexadevices/internal/models"
	"github.com/example/nexadevices/internal/utils"
)

// Business-policy constants. Flat-rate shipping and an 8% tax apply to every
// order regardless of method.
var (
	flatShippingCost = decimal.NewFromFloat(10.00)
	taxRate          = decimal.NewFromFloat(0.08)
)

const (
	orderCurrency         = "usd"
	orderNumberAttempts   = 5
	estimatedDeliveryDays = 3
)

// CartLine is one requested line of a checkout payload.
type CartLine struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// CheckoutInput bundles everything needed to place an order.
type CheckoutInput struct {
	UserID            uuid.UUID
	Items             []CartLine
	ShippingAddressID uuid.UUID
	ShippingMethod    string
}

// CheckoutResult carries the persisted order and the client-usable secret for
// completing the payment on the client side.
type CheckoutResult struct {
	Order        *models.Order
	ClientSecret string
}

// CheckoutService builds order aggregates and bridges them to the payment
// provider.
type CheckoutService struct {
	db      *gorm.DB
	gateway PaymentGateway
}

// NewCheckoutService constructs CheckoutService.
func NewCheckoutService(db *gorm.DB, gateway PaymentGateway) *CheckoutService {
	return &CheckoutService{db: db, gateway: gateway}
}

// CreateOrder validates the cart against current stock and prices, persists
// the order with its items and stock decrements in one transaction, then
// opens a payment intent for the total.
//
// The flow is two-phase: the order commits first in a pending-intent state
// (empty stripe_payment_intent), then the provider call attaches the intent.
// A provider failure compensates by deleting the order and restoring stock;
// orders orphaned by a crash between the two phases are picked up by
// ReconcileOrphans.
func (s *CheckoutService) CreateOrder(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	if len(input.Items) == 0 {
		return nil, ErrEmptyCart
	}

	// Duplicate product lines collapse into one so the availability check
	// sees the aggregate quantity.
	lines := make([]CartLine, 0, len(input.Items))
	index := make(map[uuid.UUID]int, len(input.Items))
	for _, line := range input.Items {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if at, ok := index[line.ProductID]; ok {
			lines[at].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(lines)
		lines = append(lines, line)
	}

	var order models.Order

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var address models.Address
		if err := tx.First(&address, "id = ? AND user_id = ?", input.ShippingAddressID, input.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAddressNotFound
			}
			return err
		}

		subtotal := decimal.Zero
		items := make([]models.OrderItem, 0, len(lines))

		// Row-lock each product so concurrent checkouts cannot both read the
		// same stock value. SQLite has no FOR UPDATE; its single writer lock
		// covers the same ground there.
		lookup := tx
		if tx.Dialector.Name() == "postgres" {
			lookup = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		for _, line := range lines {
			var product models.Product
			if err := lookup.First(&product, "id = ?", line.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrProductNotFound
				}
				return err
			}

			if product.Stock < line.Quantity {
				return &OutOfStockError{ProductName: product.Name}
			}

			productID := product.ID
			items = append(items, models.OrderItem{
				ProductID:   &productID,
				ProductName: product.Name,
				ProductSKU:  product.SKU,
				Price:       product.Price,
				Quantity:    line.Quantity,
			})
			subtotal = subtotal.Add(product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}

		tax := subtotal.Mul(taxRate).Round(2)
		total := subtotal.Add(tax).Add(flatShippingCost)

		number, err := s.freeOrderNumber(tx)
		if err != nil {
			return err
		}

		delivery := time.Now().AddDate(0, 0, estimatedDeliveryDays)
		addressID := address.ID
		order = models.Order{
			UserID:            input.UserID,
			OrderNumber:       number,
			Status:            models.OrderStatusPending,
			ShippingAddressID: &addressID,
			ShippingMethod:    input.ShippingMethod,
			ShippingCost:      flatShippingCost,
			Subtotal:          subtotal,
			Tax:               tax,
			Total:             total,
			PaymentMethod:     "card",
			PaymentStatus:     models.PaymentStatusPending,
			EstimatedDelivery: &delivery,
			Items:             items,
		}

		if err := tx.Create(&order).Error; err != nil {
			return err
		}

		// The stock floor in the WHERE clause is the last defense: a
		// decrement that would go negative affects zero rows and fails the
		// checkout instead.
		for at, line := range lines {
			result := tx.Model(&models.Product{}).
				Where("id = ? AND stock >= ?", line.ProductID, line.Quantity).
				Update("stock", gorm.Expr("stock - ?", line.Quantity))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return &OutOfStockError{ProductName: items[at].ProductName}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreateIntent(ctx, order.Total.Shift(2).IntPart(), orderCurrency, map[string]string{
		"order_id":     order.ID.String(),
		"order_number": order.OrderNumber,
	})
	if err != nil {
		if compErr := s.compensate(ctx, order.ID); compErr != nil {
			log.Error().Err(compErr).Str("order_id", order.ID.String()).
				Msg("failed to compensate order after intent failure")
		}
		return nil, err
	}

	// The intent is live at the provider from here on. If attaching it
	// fails, the order stays in the pending-intent state until the sweep
	// reclaims it; a payment completed against the orphaned secret lands on
	// the unknown-order webhook path, which acknowledges and logs it.
	if err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		Update("stripe_payment_intent", intent.ID).Error; err != nil {
		log.Error().Err(err).Str("order_id", order.ID.String()).Str("intent", intent.ID).
			Msg("order committed but intent attachment failed")
		return nil, err
	}
	order.StripePaymentIntent = intent.ID

	return &CheckoutResult{Order: &order, ClientSecret: intent.ClientSecret}, nil
}

// freeOrderNumber generates prefixed random tokens until one is unused. The
// unique index on order_number remains the last line of defense against a
// concurrent claim of the same token.
func (s *CheckoutService) freeOrderNumber(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		number := utils.GenerateOrderNumber()

		var count int64
		if err := tx.Model(&models.Order{}).
			Where("order_number = ?", number).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return number, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique order number after %d attempts", orderNumberAttempts)
}

// compensate deletes an order that never obtained a payment intent and puts
// the purchased quantities back on the shelf.
func (s *CheckoutService) compensate(ctx context.Context, orderID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteOrderAndRestock(tx, orderID)
	})
}

// ReconcileOrphans cancels orders stuck in the pending-intent sub-state for
// longer than maxAge. These are checkouts where the process died between
// committing the order and attaching (or compensating) the intent.
func (s *CheckoutService) ReconcileOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	var orphans []models.Order
	if err := s.db.WithContext(ctx).
		Where("payment_status = ? AND stripe_payment_intent = ? AND created_at < ?",
			models.PaymentStatusPending, "", cutoff).
		Find(&orphans).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, orphan := range orphans {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return deleteOrderAndRestock(tx, orphan.ID)
		})
		if err != nil {
			log.Error().Err(err).Str("order_number", orphan.OrderNumber).
				Msg("failed to reclaim orphaned order")
			continue
		}
		log.Info().Str("order_number", orphan.OrderNumber).Msg("reclaimed orphaned order")
		reclaimed++
	}

	return reclaimed, nil
}

// RunSweep periodically reconciles orphaned pending-intent orders until the
// context is cancelled.
func (s *CheckoutService) RunSweep(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileOrphans(ctx, maxAge); err != nil {
				log.Error().Err(err).Msg("orphan sweep failed")
			}
		}
	}
}

func deleteOrderAndRestock(tx *gorm.DB, orderID uuid.UUID) error {
	var items []models.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return err
	}

	for _, item := range items {
		if item.ProductID == nil {
			continue
		}
		if err := tx.Model(&models.Product{}).
			Where("id = ?", *item.ProductID).
			Update("stock", gorm.Expr("stock + ?", item.Quantity)).Error; err != nil {
			return err
		}
	}

	if err := tx.Where("order_id = ?", orderID).Delete(&models.OrderItem{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", orderID).Delete(&models.Order{}).Error
}

// ListOrders returns the user's orders, newest first.
func (s *CheckoutService) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Preload("Items").
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// GetOrder returns one of the user's orders with items preloaded.
func (s *CheckoutService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Preload("Items").
		First(&order, "id = ? AND user_id = ?", orderID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}
