package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// Order события
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderShipped   EventType = "order.shipped"
	EventTypeOrderDelivered EventType = "order.delivered"

	// Address события
	EventTypeAddressCreated        EventType = "address.created"
	EventTypeAddressRemoved        EventType = "address.removed"
	EventTypeAddressDefaultChanged EventType = "address.default_changed"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "shop.order.events"
	TopicAddressEvents   = "shop.address.events"
	TopicDeadLetterQueue = "shop.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent представляет событие заказа
type OrderEvent struct {
	EventType   EventType              `json:"event_type"`
	OrderID     string                 `json:"order_id"`
	UserID      string                 `json:"user_id"`
	Status      string                 `json:"status"`
	AmountMinor int64                  `json:"amount_minor"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AddressEvent представляет событие адресной книги
type AddressEvent struct {
	EventType EventType              `json:"event_type"`
	AddressID string                 `json:"address_id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewOrderEvent создает новое событие заказа
func NewOrderEvent(eventType EventType, orderID, userID, status string, amountMinor int64, metadata map[string]interface{}) *OrderEvent {
	return &OrderEvent{
		EventType:   eventType,
		OrderID:     orderID,
		UserID:      userID,
		Status:      status,
		AmountMinor: amountMinor,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}
}

// NewAddressEvent создает новое событие адресной книги
func NewAddressEvent(eventType EventType, addressID, userID string, metadata map[string]interface{}) *AddressEvent {
	return &AddressEvent{
		EventType: eventType,
		AddressID: addressID,
		UserID:    userID,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
