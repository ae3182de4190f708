package address

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

// CreateInput описывает данные нового адреса доставки.
type CreateInput struct {
	UserID      string
	Title       string
	AddressLine string
	Reference   string
	City        string
	Department  string
	IsDefault   bool
}

// Manager управляет адресной книгой пользователя. Инвариант «не больше
// одного default-адреса на пользователя» обеспечивает репозиторий,
// менеджер отвечает за валидацию входа и идентификаторы.
type Manager struct {
	repo    domain.AddressRepository
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
}

// NewManager создаёт менеджер адресов.
func NewManager(repo domain.AddressRepository, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.New().WithField("component", "address-manager")
	}
	return &Manager{
		repo:    repo,
		logger:  logger,
		metrics: metrics.NewCheckoutMetrics(),
	}
}

// NewManagerWithoutMetrics создаёт менеджер без метрик (для тестов).
func NewManagerWithoutMetrics(repo domain.AddressRepository, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.New().WithField("component", "address-manager")
	}
	return &Manager{
		repo:   repo,
		logger: logger,
	}
}

// Create валидирует и сохраняет новый адрес. Первый ли это адрес
// пользователя, роли не играет: default выставляется только по
// явному флагу.
func (m *Manager) Create(ctx context.Context, input CreateInput) (domain.Address, error) {
	start := time.Now()
	defer m.recordOp("create", start)

	now := time.Now().UTC()
	addr := domain.Address{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(input.UserID),
		Title:       strings.TrimSpace(input.Title),
		AddressLine: strings.TrimSpace(input.AddressLine),
		Reference:   strings.TrimSpace(input.Reference),
		City:        strings.TrimSpace(input.City),
		Department:  strings.TrimSpace(input.Department),
		IsDefault:   input.IsDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if errs := addr.ValidateInvariants(); len(errs) > 0 {
		return domain.Address{}, fmt.Errorf("validate address: %w", errors.Join(errs...))
	}

	created, err := m.repo.Create(ctx, addr)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", addr.UserID).Error("failed to create address")
		return domain.Address{}, err
	}

	if created.IsDefault && m.metrics != nil {
		m.metrics.RecordDefaultSwitch()
	}

	m.logger.WithFields(log.Fields{
		"address_id": created.ID,
		"user_id":    created.UserID,
		"is_default": created.IsDefault,
	}).Info("address created")

	return created, nil
}

// Remove удаляет адрес пользователя. Если удалён default-адрес,
// новый default автоматически не назначается.
func (m *Manager) Remove(ctx context.Context, userID, addressID string) error {
	start := time.Now()
	defer m.recordOp("remove", start)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrUserRequired
	}
	if strings.TrimSpace(addressID) == "" {
		return domain.ErrAddressNotFound
	}

	if err := m.repo.Delete(ctx, userID, addressID); err != nil {
		if !domain.IsNotFound(err) {
			m.logger.WithError(err).WithField("address_id", addressID).Error("failed to remove address")
		}
		return err
	}

	m.logger.WithFields(log.Fields{
		"address_id": addressID,
		"user_id":    userID,
	}).Info("address removed")

	return nil
}

// MarkDefault переназначает default-адрес пользователя. Сброс старого
// флага и установка нового происходят в одной атомарной единице на
// стороне хранилища, наблюдать двух default одновременно нельзя.
func (m *Manager) MarkDefault(ctx context.Context, userID, addressID string) (domain.Address, error) {
	start := time.Now()
	defer m.recordOp("mark_default", start)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Address{}, domain.ErrUserRequired
	}
	if strings.TrimSpace(addressID) == "" {
		return domain.Address{}, domain.ErrAddressNotFound
	}

	updated, err := m.repo.MarkDefault(ctx, userID, addressID)
	if err != nil {
		if !domain.IsNotFound(err) {
			m.logger.WithError(err).WithField("address_id", addressID).Error("failed to mark address as default")
		}
		return domain.Address{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordDefaultSwitch()
	}

	m.logger.WithFields(log.Fields{
		"address_id": updated.ID,
		"user_id":    userID,
	}).Info("default address changed")

	return updated, nil
}

// List возвращает адреса пользователя, default первым.
func (m *Manager) List(ctx context.Context, userID string) ([]domain.Address, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return m.repo.ListByUser(ctx, userID)
}

func (m *Manager) recordOp(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordAddressOp(op, time.Since(start))
	}
}
