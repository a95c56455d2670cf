package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/nexadevices/internal/middleware"
	"github.com/example/nexadevices/internal/services"
	"github.com/example/nexadevices/internal/utils"
)

// OrderHandler manages order endpoints.
type OrderHandler struct {
	checkout *services.CheckoutService
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(checkout *services.CheckoutService) *OrderHandler {
	return &OrderHandler{checkout: checkout}
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items             []createOrderItemRequest `json:"items"`
	ShippingAddressID string                   `json:"shipping_address_id"`
	ShippingMethod    string                   `json:"shipping_method"`
}

// CreateOrder places an order for the authenticated user and opens a payment
// intent for it. Responds 201 with the order and the client secret needed to
// complete the payment client-side.
func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	addressID, err := uuid.Parse(req.ShippingAddressID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid shipping_address_id")
	}

	input := services.CheckoutInput{
		UserID:            userID,
		ShippingAddressID: addressID,
		ShippingMethod:    req.ShippingMethod,
	}
	for _, item := range req.Items {
		productID, err := uuid.Parse(item.ProductID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid product_id")
		}
		input.Items = append(input.Items, services.CartLine{
			ProductID: productID,
			Quantity:  item.Quantity,
		})
	}

	result, err := h.checkout.CreateOrder(c.UserContext(), input)
	if err != nil {
		return mapCheckoutError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"order":         result.Order,
		"client_secret": result.ClientSecret,
	})
}

func mapCheckoutError(err error) error {
	var outOfStock *services.OutOfStockError
	var gateway *services.GatewayError

	switch {
	case errors.As(err, &outOfStock):
		return fiber.NewError(fiber.StatusBadRequest, outOfStock.Error())
	case errors.As(err, &gateway):
		return fiber.NewError(fiber.StatusBadRequest, gateway.Message)
	case errors.Is(err, services.ErrAddressNotFound),
		errors.Is(err, services.ErrProductNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrEmptyCart),
		errors.Is(err, services.ErrInvalidQuantity):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// ListOrders returns orders for the authenticated user.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	pg := utils.ParsePagination(c)
	orders, total, err := h.checkout.ListOrders(c.UserContext(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": orders,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// GetOrder returns a single order for the authenticated user.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}

	order, err := h.checkout.GetOrder(c.UserContext(), userID, id)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "order not found")
		}
		return err
	}

	return c.JSON(order)
}
