package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// OrderRepository — in-memory реализация domain.OrderRepository.
// Экспортируемый тип: тестам и локальной разработке нужны SeedProduct/Product.
//
// Один мьютекс делает проверку и списание стока линеаризуемыми: два
// конкурентных заказа на один товар видят списания друг друга.
type OrderRepository struct {
	mu       sync.Mutex
	products map[string]domain.Product
	orders   map[string]domain.Order
	outbox   domain.OutboxRepository
}

// NewOrderRepository возвращает in-memory репозиторий заказов.
// outbox может быть nil, тогда события при коммите не сохраняются.
func NewOrderRepository(outbox domain.OutboxRepository) *OrderRepository {
	return &OrderRepository{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		outbox:   outbox,
	}
}

// SeedProduct кладёт карточку товара в хранилище (для тестов и dev-режима).
func (r *OrderRepository) SeedProduct(p domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// Product возвращает текущее состояние карточки товара.
func (r *OrderRepository) Product(id string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// CreateOrder выполняет «проверить-и-списать × N, вставить заказ и позиции,
// положить событие» как один критический блок. Проверки всех позиций идут до
// первой мутации, поэтому частичных списаний не бывает даже внутри блока.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order, event *domain.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}

	// Фаза проверки: сток и серверные цены. Ни одной мутации до её конца.
	// Остаток ведём по рабочей копии: позиции одного заказа на один и тот
	// же товар видят списания друг друга, как последовательные условные
	// UPDATE в SQL-реализации.
	var serverSum int64
	remaining := make(map[string]int32, len(order.Items))
	for i := range order.Items {
		item := &order.Items[i]
		p, ok := r.products[item.ProductID]
		if !ok {
			return fmt.Errorf("product %s: %w", item.ProductID, domain.ErrProductNotFound)
		}
		left, seen := remaining[item.ProductID]
		if !seen {
			left = p.Stock
		}
		if left < item.Qty {
			return fmt.Errorf("product %s: %w", item.ProductID, domain.ErrInsufficientStock)
		}
		remaining[item.ProductID] = left - item.Qty
		// Цена фиксируется по карточке товара, клиентская — только заявка.
		item.PriceMinor = p.PriceMinor
		serverSum += int64(item.Qty) * p.PriceMinor
	}
	if serverSum != order.AmountMinor {
		return domain.ErrAmountMismatch
	}

	// Фаза применения: после проверок ошибок быть не может.
	for _, item := range order.Items {
		p := r.products[item.ProductID]
		p.Stock -= item.Qty
		p.UpdatedAt = time.Now().UTC()
		r.products[item.ProductID] = p
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	stored := order
	stored.Items = append([]domain.OrderItem(nil), order.Items...)
	r.orders[order.ID] = stored

	if event != nil && r.outbox != nil {
		if _, err := r.outbox.Enqueue(*event); err != nil {
			// Откатываем списания и вставку: блок либо применяется целиком, либо нет.
			for _, item := range order.Items {
				p := r.products[item.ProductID]
				p.Stock += item.Qty
				r.products[item.ProductID] = p
			}
			delete(r.orders, order.ID)
			return fmt.Errorf("enqueue outbox event: %w", err)
		}
	}

	return nil
}

// ListByUser возвращает заказы пользователя с позициями и снимком карточки
// товара, новые первыми.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Order, 0)
	for _, order := range r.orders {
		if order.UserID != userID {
			continue
		}
		copied := order
		copied.Items = append([]domain.OrderItem(nil), order.Items...)
		for i := range copied.Items {
			if p, ok := r.products[copied.Items[i].ProductID]; ok {
				copied.Items[i].ProductName = p.Name
				copied.Items[i].ProductImageURL = p.ImageURL
			}
		}
		result = append(result, copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	return result, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
