package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type addressRepository struct {
	db *sql.DB
}

// NewAddressRepository создаёт PostgreSQL-реализацию AddressRepository.
func NewAddressRepository(store *Store) domain.AddressRepository {
	return &addressRepository{db: store.DB()}
}

// lockUserAddresses сериализует мутации адресов одного пользователя внутри
// транзакции. Advisory-lock снимается при commit/rollback; пользователи с
// разными ID друг друга не блокируют. Частичный уникальный индекс
// uq_addresses_user_default остаётся страховкой на уровне схемы.
func lockUserAddresses(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock user addresses: %w", err)
	}
	return nil
}

// Create вставляет адрес; при IsDefault снятие флага с остальных адресов
// пользователя выполняется в той же транзакции, что и вставка.
func (r *addressRepository) Create(ctx context.Context, addr domain.Address) (domain.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = now
	}
	addr.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Address{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockUserAddresses(ctx, tx, addr.UserID); err != nil {
		return domain.Address{}, err
	}

	if addr.IsDefault {
		if _, err = tx.ExecContext(ctx, `
			UPDATE addresses
			SET is_default = FALSE,
			    updated_at = $2
			WHERE user_id = $1
			  AND is_default
		`, addr.UserID, now); err != nil {
			err = fmt.Errorf("clear previous default: %w", err)
			return domain.Address{}, err
		}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO addresses (
			id, user_id, title, address_line, reference, city, department,
			is_default, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		addr.ID, addr.UserID, addr.Title, addr.AddressLine, addr.Reference,
		addr.City, addr.Department, addr.IsDefault, addr.CreatedAt, addr.UpdatedAt,
	); err != nil {
		err = fmt.Errorf("insert address: %w", err)
		return domain.Address{}, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit create address: %w", err)
		return domain.Address{}, err
	}

	return addr, nil
}

// Delete удаляет адрес только при совпадении владельца. Удаление текущего
// default оставляет пользователя без default-адреса.
func (r *addressRepository) Delete(ctx context.Context, userID, addressID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM addresses
		WHERE id = $1
		  AND user_id = $2
	`, addressID, userID)
	if err != nil {
		return fmt.Errorf("delete address: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrAddressNotFound
	}

	return nil
}

// MarkDefault атомарно переносит default-флаг на addressID.
// Если адрес не найден или чужой, транзакция откатывается и ни одна строка
// (включая сброшенные флаги) не меняется.
func (r *addressRepository) MarkDefault(ctx context.Context, userID, addressID string) (domain.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Address{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockUserAddresses(ctx, tx, userID); err != nil {
		return domain.Address{}, err
	}

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, `
		UPDATE addresses
		SET is_default = FALSE,
		    updated_at = $2
		WHERE user_id = $1
		  AND is_default
	`, userID, now); err != nil {
		err = fmt.Errorf("clear previous default: %w", err)
		return domain.Address{}, err
	}

	var addr domain.Address
	err = tx.QueryRowContext(ctx, `
		UPDATE addresses
		SET is_default = TRUE,
		    updated_at = $3
		WHERE id = $1
		  AND user_id = $2
		RETURNING id, user_id, title, address_line, reference, city, department,
		          is_default, created_at, updated_at
	`, addressID, userID, now).Scan(
		&addr.ID, &addr.UserID, &addr.Title, &addr.AddressLine, &addr.Reference,
		&addr.City, &addr.Department, &addr.IsDefault, &addr.CreatedAt, &addr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrAddressNotFound
			return domain.Address{}, err
		}
		err = fmt.Errorf("set default address: %w", err)
		return domain.Address{}, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit mark default: %w", err)
		return domain.Address{}, err
	}

	return addr, nil
}

// ListByUser возвращает адреса пользователя: default первым, дальше новые раньше старых.
func (r *addressRepository) ListByUser(ctx context.Context, userID string) ([]domain.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, title, address_line, reference, city, department,
		       is_default, created_at, updated_at
		FROM addresses
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Address, 0)
	for rows.Next() {
		var addr domain.Address
		if err := rows.Scan(
			&addr.ID, &addr.UserID, &addr.Title, &addr.AddressLine, &addr.Reference,
			&addr.City, &addr.Department, &addr.IsDefault, &addr.CreatedAt, &addr.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		result = append(result, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address rows: %w", err)
	}

	return result, nil
}

var _ domain.AddressRepository = (*addressRepository)(nil)
