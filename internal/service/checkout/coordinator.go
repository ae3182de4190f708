package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

// ItemInput описывает позицию оформляемого заказа. Цена клиентская,
// внутри транзакции её перепишет серверная цена из карточки товара.
type ItemInput struct {
	ProductID  string
	Qty        int32
	PriceMinor int64
}

// CreateOrderInput описывает запрос на оформление заказа.
type CreateOrderInput struct {
	UserID          string
	ShippingAddress string
	AmountMinor     int64
	Items           []ItemInput
}

// Coordinator оформляет заказы. Вся последовательность
// «проверить сток, списать, вставить заказ» выполняется хранилищем как
// одна атомарная единица; координатор собирает заказ, валидирует вход
// и формирует событие для transactional outbox.
type Coordinator struct {
	orders  domain.OrderRepository
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
}

// NewCoordinator создаёт координатор оформления заказов.
func NewCoordinator(orders domain.OrderRepository, logger *log.Entry) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &Coordinator{
		orders:  orders,
		logger:  logger,
		metrics: metrics.NewCheckoutMetrics(),
	}
}

// NewCoordinatorWithoutMetrics создаёт координатор без метрик (для тестов).
func NewCoordinatorWithoutMetrics(orders domain.OrderRepository, logger *log.Entry) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &Coordinator{
		orders: orders,
		logger: logger,
	}
}

// CreateOrder валидирует вход и атомарно оформляет заказ: либо сток
// списан по всем позициям и заказ с событием закоммичен, либо ничего
// не изменилось.
func (c *Coordinator) CreateOrder(ctx context.Context, input CreateOrderInput) (domain.Order, error) {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.RecordCheckoutStarted()
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordCheckoutFinished()
			c.metrics.RecordCheckoutDuration(time.Since(start))
		}
	}()

	order := c.buildOrder(input)
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("validate order: %w", errors.Join(errs...))
	}

	event, err := c.buildCreatedEvent(order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("build order event: %w", err)
	}

	if err := c.orders.CreateOrder(ctx, order, event); err != nil {
		c.recordFailure(err)
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"user_id":  order.UserID,
		}).Warn("order checkout rejected")
		return domain.Order{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordOrderCommitted()
	}
	c.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"user_id":      order.UserID,
		"amount_minor": order.AmountMinor,
		"items":        len(order.Items),
	}).Info("order committed")

	return order, nil
}

// ListOrders возвращает заказы пользователя, новые первыми.
func (c *Coordinator) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return c.orders.ListByUser(ctx, userID)
}

func (c *Coordinator) buildOrder(input CreateOrderInput) domain.Order {
	now := time.Now().UTC()

	items := make([]domain.OrderItem, 0, len(input.Items))
	for _, item := range input.Items {
		items = append(items, domain.OrderItem{
			ID:         uuid.NewString(),
			ProductID:  strings.TrimSpace(item.ProductID),
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
			CreatedAt:  now,
		})
	}

	return domain.Order{
		ID:              uuid.NewString(),
		UserID:          strings.TrimSpace(input.UserID),
		Status:          domain.OrderStatusPending,
		AmountMinor:     input.AmountMinor,
		ShippingAddress: strings.TrimSpace(input.ShippingAddress),
		Items:           items,
		CreatedAt:       now,
	}
}

func (c *Coordinator) buildCreatedEvent(order domain.Order) (*domain.OutboxMessage, error) {
	payload, err := json.Marshal(kafka.NewOrderEvent(
		kafka.EventTypeOrderCreated,
		order.ID,
		order.UserID,
		string(order.Status),
		order.AmountMinor,
		map[string]interface{}{
			"items": len(order.Items),
		},
	))
	if err != nil {
		return nil, err
	}

	return &domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     string(kafka.EventTypeOrderCreated),
		Payload:       payload,
	}, nil
}

func (c *Coordinator) recordFailure(err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case domain.IsNotFound(err):
		c.metrics.RecordOrderNotFound()
	case domain.IsConflict(err):
		c.metrics.RecordOrderConflict()
	default:
		c.metrics.RecordOrderFailed()
	}
}
