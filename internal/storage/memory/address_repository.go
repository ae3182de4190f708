package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// addressRepositoryInMemory — in-memory реализация AddressRepository.
// Один мьютекс на всё хранилище: операции над адресами одного пользователя
// сериализуются, инвариант «не более одного default» наблюдаем в любой момент.
type addressRepositoryInMemory struct {
	mu    sync.Mutex
	items map[string]domain.Address
}

// NewAddressRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewAddressRepository() domain.AddressRepository {
	return &addressRepositoryInMemory{
		items: make(map[string]domain.Address),
	}
}

// Create сохраняет новый адрес; при IsDefault снимает флаг с остальных адресов
// пользователя в том же критическом блоке, что и вставка.
func (r *addressRepositoryInMemory) Create(ctx context.Context, addr domain.Address) (domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return domain.Address{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = now
	}
	addr.UpdatedAt = now

	if addr.IsDefault {
		r.clearDefaultLocked(addr.UserID, now)
	}

	r.items[addr.ID] = addr
	return addr, nil
}

// Delete удаляет адрес пользователя. Удаление текущего default оставляет
// пользователя без default-адреса: автоповышения другого адреса нет.
func (r *addressRepositoryInMemory) Delete(ctx context.Context, userID, addressID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.items[addressID]
	if !ok || addr.UserID != userID {
		return domain.ErrAddressNotFound
	}

	delete(r.items, addressID)
	return nil
}

// MarkDefault снимает default со всех адресов пользователя и выставляет его
// на addressID. При чужом или отсутствующем адресе ни одна запись не меняется.
func (r *addressRepositoryInMemory) MarkDefault(ctx context.Context, userID, addressID string) (domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return domain.Address{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.items[addressID]
	if !ok || target.UserID != userID {
		return domain.Address{}, domain.ErrAddressNotFound
	}

	now := time.Now().UTC()
	r.clearDefaultLocked(userID, now)

	target.IsDefault = true
	target.UpdatedAt = now
	r.items[addressID] = target

	return target, nil
}

// ListByUser возвращает адреса пользователя: default первым, дальше новые раньше старых.
func (r *addressRepositoryInMemory) ListByUser(ctx context.Context, userID string) ([]domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Address, 0)
	for _, addr := range r.items {
		if addr.UserID == userID {
			result = append(result, addr)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].IsDefault != result[j].IsDefault {
			return result[i].IsDefault
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	return result, nil
}

func (r *addressRepositoryInMemory) clearDefaultLocked(userID string, now time.Time) {
	for id, addr := range r.items {
		if addr.UserID == userID && addr.IsDefault {
			addr.IsDefault = false
			addr.UpdatedAt = now
			r.items[id] = addr
		}
	}
}

var _ domain.AddressRepository = (*addressRepositoryInMemory)(nil)
