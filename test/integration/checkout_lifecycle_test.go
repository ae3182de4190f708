package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/httpapi"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/service/address"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
	"github.com/vladislavdragonenkov/shop/internal/service/outbox"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
)

// recordingPublisher собирает опубликованные outbox-сообщения вместо брокера.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
	err    error
}

func (p *recordingPublisher) Publish(event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []domain.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OutboxMessage, len(p.events))
	copy(out, p.events)
	return out
}

// CheckoutLifecycleTestSuite тестирует полный путь покупателя: адрес,
// оформление заказа и доставку события заказа через outbox.
type CheckoutLifecycleTestSuite struct {
	suite.Suite
	server    *httptest.Server
	orders    *memory.OrderRepository
	outboxRep domain.OutboxRepository
	published *recordingPublisher
}

func (suite *CheckoutLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "integration-test")

	suite.outboxRep = memory.NewOutboxRepository()
	suite.orders = memory.NewOrderRepository(suite.outboxRep)
	suite.orders.SeedProduct(domain.Product{
		ID:         "laptop-pro",
		Name:       "Laptop Pro",
		PriceMinor: 199900,
		Stock:      3,
	})
	suite.orders.SeedProduct(domain.Product{
		ID:         "mouse-wireless",
		Name:       "Wireless Mouse",
		PriceMinor: 4999,
		Stock:      10,
	})

	suite.published = &recordingPublisher{}

	handler := httpapi.NewHandler(
		address.NewManagerWithoutMetrics(memory.NewAddressRepository(), logger),
		checkout.NewCoordinatorWithoutMetrics(suite.orders, logger),
		memory.NewIdempotencyRepository(),
		logger,
	)
	suite.server = httptest.NewServer(handler.Router())
}

func (suite *CheckoutLifecycleTestSuite) TearDownTest() {
	suite.server.Close()
}

func (suite *CheckoutLifecycleTestSuite) TestSuccessfulCheckoutLifecycle() {
	userID := "customer-123"

	// 1. Создаём адрес по умолчанию
	addr := suite.createDefaultAddress(userID)
	require.True(suite.T(), addr["is_default"].(bool))

	// 2. Оформляем заказ из двух позиций
	status, body := suite.doJSON(http.MethodPost, "/api/v1/orders", userID, "checkout-1", map[string]any{
		"shipping_address": addr["address_line"],
		"amount_minor":     209898, // 1999.00 + 2*49.99
		"items": []map[string]any{
			{"product_id": "laptop-pro", "qty": 1, "price_minor": 199900},
			{"product_id": "mouse-wireless", "qty": 2, "price_minor": 4999},
		},
	})
	require.Equal(suite.T(), http.StatusCreated, status)

	var order struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		AmountMinor int64  `json:"amount_minor"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &order))
	require.NotEmpty(suite.T(), order.ID)
	require.Equal(suite.T(), string(domain.OrderStatusPending), order.Status)
	require.Equal(suite.T(), int64(209898), order.AmountMinor)

	// 3. Остатки списаны атомарно вместе с заказом
	laptop, err := suite.orders.Product("laptop-pro")
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), int32(2), laptop.Stock)

	mouse, err := suite.orders.Product("mouse-wireless")
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), int32(8), mouse.Stock)

	// 4. Заказ виден в списке пользователя
	status, body = suite.doJSON(http.MethodGet, "/api/v1/orders", userID, "", nil)
	require.Equal(suite.T(), http.StatusOK, status)

	var listed []struct {
		ID string `json:"id"`
	}
	require.NoError(suite.T(), json.Unmarshal(body, &listed))
	require.Len(suite.T(), listed, 1)
	require.Equal(suite.T(), order.ID, listed[0].ID)

	// 5. Outbox worker доставляет событие order.created
	worker := outbox.NewWorker(suite.outboxRep, suite.published, outbox.WithRetryBaseDelay(0))
	worker.ProcessOnce(context.Background())

	events := suite.published.all()
	require.Len(suite.T(), events, 1)
	require.Equal(suite.T(), string(kafka.EventTypeOrderCreated), events[0].EventType)
	require.Equal(suite.T(), order.ID, events[0].AggregateID)

	var payload kafka.OrderEvent
	require.NoError(suite.T(), json.Unmarshal(events[0].Payload, &payload))
	require.Equal(suite.T(), userID, payload.UserID)
	require.Equal(suite.T(), int64(209898), payload.AmountMinor)

	// Backlog пуст после доставки
	stats, err := suite.outboxRep.Stats()
	require.NoError(suite.T(), err)
	require.Zero(suite.T(), stats.PendingCount)
}

func (suite *CheckoutLifecycleTestSuite) TestIdempotentRetryDoesNotDoubleCharge() {
	userID := "customer-456"
	suite.createDefaultAddress(userID)

	payload := map[string]any{
		"shipping_address": "Carrera 7 #12-34",
		"amount_minor":     199900,
		"items": []map[string]any{
			{"product_id": "laptop-pro", "qty": 1, "price_minor": 199900},
		},
	}

	status, first := suite.doJSON(http.MethodPost, "/api/v1/orders", userID, "retry-key", payload)
	require.Equal(suite.T(), http.StatusCreated, status)

	status, second := suite.doJSON(http.MethodPost, "/api/v1/orders", userID, "retry-key", payload)
	require.Equal(suite.T(), http.StatusCreated, status)
	require.JSONEq(suite.T(), string(first), string(second))

	// Остаток списан один раз, событие тоже одно
	laptop, err := suite.orders.Product("laptop-pro")
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), int32(2), laptop.Stock)

	pending, err := suite.outboxRep.PullPending(10)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 1)
}

func (suite *CheckoutLifecycleTestSuite) TestInsufficientStockLeavesNoTrace() {
	userID := "customer-789"
	suite.createDefaultAddress(userID)

	status, body := suite.doJSON(http.MethodPost, "/api/v1/orders", userID, "oversell-key", map[string]any{
		"shipping_address": "Calle 100 #1-1",
		"amount_minor":     999500,
		"items": []map[string]any{
			{"product_id": "laptop-pro", "qty": 5, "price_minor": 199900},
		},
	})
	require.Equal(suite.T(), http.StatusConflict, status, "body: %s", body)

	// Ничего не списано и не запланировано к публикации
	laptop, err := suite.orders.Product("laptop-pro")
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), int32(3), laptop.Stock)

	stats, err := suite.outboxRep.Stats()
	require.NoError(suite.T(), err)
	require.Zero(suite.T(), stats.PendingCount)

	status, body = suite.doJSON(http.MethodGet, "/api/v1/orders", userID, "", nil)
	require.Equal(suite.T(), http.StatusOK, status)
	require.JSONEq(suite.T(), "[]", string(body))
}

func (suite *CheckoutLifecycleTestSuite) TestBrokerOutageEndsInDLQ() {
	userID := "customer-dlq"
	suite.createDefaultAddress(userID)

	status, _ := suite.doJSON(http.MethodPost, "/api/v1/orders", userID, "dlq-key", map[string]any{
		"shipping_address": "Avenida 68 #40-20",
		"amount_minor":     4999,
		"items": []map[string]any{
			{"product_id": "mouse-wireless", "qty": 1, "price_minor": 4999},
		},
	})
	require.Equal(suite.T(), http.StatusCreated, status)

	suite.published.err = errors.New("broker unavailable")
	dlq := &recordingPublisher{}

	worker := outbox.NewWorker(
		suite.outboxRep,
		suite.published,
		outbox.WithMaxAttempts(2),
		outbox.WithRetryBaseDelay(0),
		outbox.WithDLQPublisher(dlq),
	)
	worker.ProcessOnce(context.Background())

	require.Empty(suite.T(), suite.published.all())
	require.Len(suite.T(), dlq.all(), 1)
	require.Equal(suite.T(), string(kafka.EventTypeOrderCreated), dlq.all()[0].EventType)
}

// Вспомогательные методы

func (suite *CheckoutLifecycleTestSuite) createDefaultAddress(userID string) map[string]any {
	status, body := suite.doJSON(http.MethodPost, "/api/v1/addresses", userID, "", map[string]any{
		"title":        "Дом",
		"address_line": "Calle 45 #23-10",
		"city":         "Bogotá",
		"department":   "Cundinamarca",
		"is_default":   true,
	})
	require.Equal(suite.T(), http.StatusCreated, status, "body: %s", body)

	var addr map[string]any
	require.NoError(suite.T(), json.Unmarshal(body, &addr))
	return addr
}

func (suite *CheckoutLifecycleTestSuite) doJSON(method, path, userID, idempotencyKey string, payload any) (int, []byte) {
	suite.T().Helper()

	var reqBody *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(suite.T(), err)
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, suite.server.URL+path, reqBody)
	require.NoError(suite.T(), err)
	req.Header.Set("X-User-ID", userID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(suite.T(), err)
	return resp.StatusCode, buf.Bytes()
}

func TestCheckoutLifecycle(t *testing.T) {
	suite.Run(t, new(CheckoutLifecycleTestSuite))
}
