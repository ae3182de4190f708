package domain

import "context"

// AddressRepository описывает требования к хранилищу адресов.
// Каждая мутация, затрагивающая флаг is_default, выполняется как один
// атомарный блок: сбросить старый default и выставить новый двумя
// независимыми коммитами запрещено.
type AddressRepository interface {
	// Create сохраняет новый адрес. Если addr.IsDefault == true, снятие
	// флага с остальных адресов пользователя происходит в той же
	// атомарной единице, что и вставка. Возвращает созданную запись с ID.
	Create(ctx context.Context, addr Address) (Address, error)
	// Delete удаляет адрес, только если он принадлежит userID.
	// Возвращает ErrAddressNotFound, если адреса нет или он чужой;
	// чужие и несвязанные записи не затрагиваются.
	Delete(ctx context.Context, userID, addressID string) error
	// MarkDefault атомарно снимает default со всех адресов пользователя
	// и выставляет его на addressID. При отсутствии адреса (или чужом
	// адресе) возвращает ErrAddressNotFound, не меняя ни одной строки.
	MarkDefault(ctx context.Context, userID, addressID string) (Address, error)
	// ListByUser возвращает адреса пользователя, default первым.
	ListByUser(ctx context.Context, userID string) ([]Address, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// CreateOrder атомарно выполняет последовательность
	// «проверить-и-списать сток × N, вставить шапку, вставить позиции,
	// положить событие в outbox». Любая ошибка на любом шаге откатывает
	// всё: частичных списаний не бывает даже транзиентно.
	//
	// Цена позиции перечитывается из карточки товара внутри той же
	// транзакции и перезаписывает клиентскую прямо в order.Items:
	// после успешного возврата позиции вызывающего несут серверные цены —
	// ровно те, что сохранены. Если сумма по серверным ценам не совпадает
	// с order.AmountMinor, транзакция откатывается с ErrAmountMismatch.
	//
	// Списание сериализуется по товару, в том числе между позициями одного
	// заказа на один и тот же товар: сумма закоммиченных декрементов
	// никогда не уводит сток в минус (ErrInsufficientStock при нехватке).
	// Событие event может быть nil, тогда outbox не трогается.
	CreateOrder(ctx context.Context, order Order, event *OutboxMessage) error
	// ListByUser возвращает заказы пользователя с позициями и снимком
	// карточки товара (имя, картинка), новые первыми. Чистое чтение.
	ListByUser(ctx context.Context, userID string) ([]Order, error)
}
