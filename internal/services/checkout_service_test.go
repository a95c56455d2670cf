package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/nexadevices/internal/database"
	"github.com/example/nexadevices/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes
	// concurrent transactions.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := models.User{
		ClerkID:  "user_" + uuid.NewString(),
		Username: "buyer_" + uuid.NewString()[:8],
		Email:    "buyer@example.com",
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func seedAddress(t *testing.T, db *gorm.DB, userID uuid.UUID) *models.Address {
	t.Helper()
	address := models.Address{
		UserID:  userID,
		Street:  "1 Main St",
		City:    "Springfield",
		Country: "US",
	}
	require.NoError(t, db.Create(&address).Error)
	return &address
}

func seedProduct(t *testing.T, db *gorm.DB, name, price string, stock int) *models.Product {
	t.Helper()
	product := models.Product{
		Slug:     strings.ToLower(strings.ReplaceAll(name, " ", "-")) + "-" + uuid.NewString()[:8],
		Name:     name,
		SKU:      "SKU-" + uuid.NewString()[:8],
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
	require.NoError(t, db.Create(&product).Error)
	return &product
}

// fakeGateway records intent requests and can be told to fail.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []fakeIntentCall
	failWith error
}

type fakeIntentCall struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failWith != nil {
		return nil, g.failWith
	}

	g.calls = append(g.calls, fakeIntentCall{Amount: amountMinor, Currency: currency, Metadata: metadata})
	id := fmt.Sprintf("pi_test_%d", len(g.calls))
	return &PaymentIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *fakeGateway) lastCall(t *testing.T) fakeIntentCall {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.calls)
	return g.calls[len(g.calls)-1]
}

func TestCreateOrderTotalsAndStock(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 10)

	result, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 2}},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})
	require.NoError(t, err)

	order := result.Order
	assert.True(t, order.Subtotal.Equal(decimal.RequireFromString("200.00")), "subtotal was %s", order.Subtotal)
	assert.True(t, order.Tax.Equal(decimal.RequireFromString("16.00")), "tax was %s", order.Tax)
	assert.True(t, order.ShippingCost.Equal(decimal.RequireFromString("10.00")), "shipping was %s", order.ShippingCost)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("226.00")), "total was %s", order.Total)
	assert.True(t, order.Total.Equal(order.Subtotal.Add(order.Tax).Add(order.ShippingCost)))

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))
	assert.Len(t, order.OrderNumber, 12)
	assert.Equal(t, "pi_test_1", order.StripePaymentIntent)
	assert.Equal(t, "pi_test_1_secret", result.ClientSecret)

	call := gateway.lastCall(t)
	assert.Equal(t, int64(22600), call.Amount)
	assert.Equal(t, "usd", call.Currency)
	assert.Equal(t, order.ID.String(), call.Metadata["order_id"])
	assert.Equal(t, order.OrderNumber, call.Metadata["order_number"])

	var stored models.Order
	require.NoError(t, db.Preload("Items").First(&stored, "id = ?", order.ID).Error)
	require.Len(t, stored.Items, 1)
	item := stored.Items[0]
	assert.Equal(t, "Phone", item.ProductName)
	assert.Equal(t, product.SKU, item.ProductSKU)
	assert.Equal(t, 2, item.Quantity)
	assert.True(t, item.Price.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, item.Subtotal().Equal(decimal.RequireFromString("200.00")))

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 8, reloaded.Stock)
}

func TestCreateOrderMultipleLines(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	phone := seedProduct(t, db, "Phone", "499.99", 5)
	caseProduct := seedProduct(t, db, "Case", "19.99", 50)

	result, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID: user.ID,
		Items: []CartLine{
			{ProductID: phone.ID, Quantity: 1},
			{ProductID: caseProduct.ID, Quantity: 3},
		},
		ShippingAddressID: address.ID,
		ShippingMethod:    "express",
	})
	require.NoError(t, err)

	// 499.99 + 3*19.99 = 559.96; tax 44.80 (rounded); total 614.76
	assert.True(t, result.Order.Subtotal.Equal(decimal.RequireFromString("559.96")))
	assert.True(t, result.Order.Tax.Equal(decimal.RequireFromString("44.80")))
	assert.True(t, result.Order.Total.Equal(decimal.RequireFromString("614.76")))
	assert.Equal(t, int64(61476), gateway.lastCall(t).Amount)
}

func TestCreateOrderOutOfStock(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	phone := seedProduct(t, db, "Phone", "100.00", 5)
	rare := seedProduct(t, db, "Rare Gadget", "50.00", 1)

	_, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID: user.ID,
		Items: []CartLine{
			{ProductID: phone.ID, Quantity: 2},
			{ProductID: rare.ID, Quantity: 3},
		},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})

	var outOfStock *OutOfStockError
	require.ErrorAs(t, err, &outOfStock)
	assert.Equal(t, "Rare Gadget", outOfStock.ProductName)
	assert.Equal(t, "Rare Gadget is out of stock", err.Error())

	// Full rollback: nothing persisted, no stock touched, no intent opened.
	var orders, items int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orders).Error)
	require.NoError(t, db.Model(&models.OrderItem{}).Count(&items).Error)
	assert.Zero(t, orders)
	assert.Zero(t, items)

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", phone.ID).Error)
	assert.Equal(t, 5, reloaded.Stock)
	assert.Empty(t, gateway.calls)
}

func TestCreateOrderDuplicateLinesAggregate(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 3)

	// Duplicate lines whose aggregate exceeds stock fail the availability
	// check; each line alone would pass it.
	_, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID: user.ID,
		Items: []CartLine{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 2},
		},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})
	var outOfStock *OutOfStockError
	require.ErrorAs(t, err, &outOfStock)
	assert.Equal(t, "Phone", outOfStock.ProductName)
	assert.Empty(t, gateway.calls)

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 3, reloaded.Stock, "stock must never go negative")

	// An aggregate within stock collapses into a single order line.
	result, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID: user.ID,
		Items: []CartLine{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 1},
		},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})
	require.NoError(t, err)
	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, 3, result.Order.Items[0].Quantity)
	assert.True(t, result.Order.Subtotal.Equal(decimal.RequireFromString("300.00")))

	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 0, reloaded.Stock)
}

func TestCreateOrderUnknownReferences(t *testing.T) {
	db := newTestDB(t)
	svc := NewCheckoutService(db, &fakeGateway{})

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 5)

	_, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: uuid.New(), Quantity: 1}},
		ShippingAddressID: address.ID,
	})
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 1}},
		ShippingAddressID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrAddressNotFound)

	// An address owned by someone else is not found either.
	other := seedUser(t, db)
	otherAddress := seedAddress(t, db, other.ID)
	_, err = svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 1}},
		ShippingAddressID: otherAddress.ID,
	})
	assert.ErrorIs(t, err, ErrAddressNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewCheckoutService(db, &fakeGateway{})

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 5)

	_, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		ShippingAddressID: address.ID,
	})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 0}},
		ShippingAddressID: address.ID,
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCreateOrderGatewayFailureCompensates(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{failWith: &GatewayError{Message: "Your card was declined."}}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 5)

	_, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 2}},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})

	var gatewayErr *GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, "Your card was declined.", gatewayErr.Message)

	// The provider error compensates the committed order and its decrement.
	var orders, items int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orders).Error)
	require.NoError(t, db.Model(&models.OrderItem{}).Count(&items).Error)
	assert.Zero(t, orders)
	assert.Zero(t, items)

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 5, reloaded.Stock)
}

func TestOrderNumbersUniqueUnderConcurrency(t *testing.T) {
	db := newTestDB(t)
	svc := NewCheckoutService(db, &fakeGateway{})

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "10.00", 100000)

	const workers = 8
	const perWorker = 125

	var wg sync.WaitGroup
	numbers := make(chan string, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				result, err := svc.CreateOrder(context.Background(), CheckoutInput{
					UserID:            user.ID,
					Items:             []CartLine{{ProductID: product.ID, Quantity: 1}},
					ShippingAddressID: address.ID,
					ShippingMethod:    "standard",
				})
				if err != nil {
					errs <- err
					continue
				}
				numbers <- result.Order.OrderNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("checkout failed: %v", err)
	}

	seen := make(map[string]bool, workers*perWorker)
	for number := range numbers {
		assert.False(t, seen[number], "duplicate order number %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, workers*perWorker)

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 100000-workers*perWorker, reloaded.Stock)
}

func TestReconcileOrphans(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewCheckoutService(db, gateway)

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 10)

	// A healthy order with an intent attached.
	healthy, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 1}},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})
	require.NoError(t, err)

	// An orphan: committed in the pending-intent sub-state, then the
	// process died before the intent call resolved.
	addressID := address.ID
	orphan := models.Order{
		UserID:            user.ID,
		OrderNumber:       "ORD-ORPHAN01",
		Status:            models.OrderStatusPending,
		ShippingAddressID: &addressID,
		PaymentStatus:     models.PaymentStatusPending,
		Subtotal:          decimal.RequireFromString("200.00"),
		Tax:               decimal.RequireFromString("16.00"),
		ShippingCost:      decimal.RequireFromString("10.00"),
		Total:             decimal.RequireFromString("226.00"),
		Items: []models.OrderItem{{
			ProductID:   &product.ID,
			ProductName: product.Name,
			ProductSKU:  product.SKU,
			Price:       product.Price,
			Quantity:    2,
		}},
	}
	require.NoError(t, db.Create(&orphan).Error)
	require.NoError(t, db.Model(&models.Product{}).
		Where("id = ?", product.ID).
		Update("stock", gorm.Expr("stock - ?", 2)).Error)
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Model(&models.Order{}).
		Where("id = ?", orphan.ID).
		Update("created_at", stale).Error)

	reclaimed, err := svc.ReconcileOrphans(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	var count int64
	require.NoError(t, db.Model(&models.Order{}).Where("id = ?", orphan.ID).Count(&count).Error)
	assert.Zero(t, count, "orphan should be deleted")

	require.NoError(t, db.Model(&models.Order{}).Where("id = ?", healthy.Order.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count, "healthy order must survive the sweep")

	var reloaded models.Product
	require.NoError(t, db.First(&reloaded, "id = ?", product.ID).Error)
	assert.Equal(t, 9, reloaded.Stock, "orphan quantities restocked, healthy decrement kept")
}

func TestGetOrderScopedToUser(t *testing.T) {
	db := newTestDB(t)
	svc := NewCheckoutService(db, &fakeGateway{})

	user := seedUser(t, db)
	address := seedAddress(t, db, user.ID)
	product := seedProduct(t, db, "Phone", "100.00", 10)

	result, err := svc.CreateOrder(context.Background(), CheckoutInput{
		UserID:            user.ID,
		Items:             []CartLine{{ProductID: product.ID, Quantity: 1}},
		ShippingAddressID: address.ID,
		ShippingMethod:    "standard",
	})
	require.NoError(t, err)

	fetched, err := svc.GetOrder(context.Background(), user.ID, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Order.OrderNumber, fetched.OrderNumber)
	assert.Len(t, fetched.Items, 1)

	other := seedUser(t, db)
	_, err = svc.GetOrder(context.Background(), other.ID, result.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
