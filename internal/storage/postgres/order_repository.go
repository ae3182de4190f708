package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// CreateOrder выполняет всю последовательность оформления заказа в одной
// транзакции:
//
//  1. для каждой позиции — условный декремент стока
//     (stock = stock - qty при stock >= qty) с возвратом серверной цены;
//  2. вставка шапки заказа;
//  3. вставка позиций;
//  4. постановка события в outbox (если передано).
//
// Любая ошибка откатывает транзакцию целиком: частичных списаний не бывает.
// Конкурентные заказы на один товар сериализуются блокировкой строки товара,
// которую берёт сам UPDATE; декременты идут в порядке возрастания
// product_id, чтобы пересекающиеся заказы не взаимоблокировались.
//
// Серверные цены записываются в позиции order.Items самого вызывающего:
// после успешного возврата заказ в руках вызывающего совпадает с тем,
// что легло в базу.
func (r *orderRepository) CreateOrder(ctx context.Context, order domain.Order, event *domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Сортируем индексы, а не сами позиции: порядок декрементов
	// детерминирован, а порядок позиций для вызывающего не меняется.
	byProduct := make([]int, len(order.Items))
	for i := range byProduct {
		byProduct[i] = i
	}
	sort.Slice(byProduct, func(i, j int) bool {
		return order.Items[byProduct[i]].ProductID < order.Items[byProduct[j]].ProductID
	})

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var serverSum int64
	for _, idx := range byProduct {
		item := &order.Items[idx]

		var priceMinor int64
		err = tx.QueryRowContext(ctx, `
			UPDATE products
			SET stock = stock - $2,
			    updated_at = NOW()
			WHERE id = $1
			  AND stock >= $2
			RETURNING price_minor
		`, item.ProductID, item.Qty).Scan(&priceMinor)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = r.classifyDecrementFailure(ctx, tx, item.ProductID)
			} else {
				err = fmt.Errorf("decrement stock for product %s: %w", item.ProductID, err)
			}
			return err
		}

		// Цена фиксируется по карточке товара в момент списания;
		// клиентская цена в позиции — только заявка.
		item.PriceMinor = priceMinor
		serverSum += int64(item.Qty) * priceMinor
	}

	if serverSum != order.AmountMinor {
		err = domain.ErrAmountMismatch
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, status, amount_minor, shipping_address, created_at
		) VALUES ($1,$2,$3,$4,$5,$6)
	`,
		order.ID, order.UserID, string(order.Status), order.AmountMinor,
		order.ShippingAddress, order.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			err = domain.ErrOrderAlreadyExists
			return err
		}
		err = fmt.Errorf("insert order: %w", err)
		return err
	}

	for _, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, qty, price_minor, created_at
			) VALUES ($1,$2,$3,$4,$5,$6)
		`,
			item.ID, order.ID, item.ProductID, item.Qty, item.PriceMinor, item.CreatedAt,
		); err != nil {
			err = fmt.Errorf("insert order item: %w", err)
			return err
		}
	}

	if event != nil {
		if err = r.enqueueTx(ctx, tx, *event); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit create order: %w", err)
		return err
	}

	return nil
}

// classifyDecrementFailure различает «товара нет» и «стока не хватает»
// внутри той же транзакции.
func (r *orderRepository) classifyDecrementFailure(ctx context.Context, tx *sql.Tx, productID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)
	`, productID).Scan(&exists); err != nil {
		return fmt.Errorf("check product %s exists: %w", productID, err)
	}
	if !exists {
		return fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound)
	}
	return fmt.Errorf("product %s: %w", productID, domain.ErrInsufficientStock)
}

// enqueueTx кладёт событие в outbox той же транзакцией, что и заказ.
func (r *orderRepository) enqueueTx(ctx context.Context, tx *sql.Tx, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, now, now,
	); err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}

	return nil
}

// ListByUser возвращает заказы пользователя, новые первыми, вместе с
// позициями и снимком карточки товара. Чистое чтение, без транзакции.
func (r *orderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, status, amount_minor, shipping_address, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var order domain.Order
		var status string
		if err := rows.Scan(
			&order.ID, &order.UserID, &status, &order.AmountMinor,
			&order.ShippingAddress, &order.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order.Status = domain.OrderStatus(status)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT i.id, i.product_id, i.qty, i.price_minor, i.created_at,
		       COALESCE(p.name, ''), COALESCE(p.image_url, '')
		FROM order_items i
		LEFT JOIN products p ON p.id = i.product_id
		WHERE i.order_id = $1
		ORDER BY i.created_at ASC, i.id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.ProductID, &item.Qty, &item.PriceMinor, &item.CreatedAt,
			&item.ProductName, &item.ProductImageURL,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
