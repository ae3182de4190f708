package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего названия адреса.
	ErrAddressTitleRequired = errors.New("address title is required")
	// Ошибка отсутствующей адресной строки.
	ErrAddressLineRequired = errors.New("address_line is required")
	// Ошибка отсутствующего адреса доставки в заказе.
	ErrShippingAddressRequired = errors.New("shipping_address is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total_amount must be non-negative")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")

	// ErrAddressNotFound возвращается, если адрес не найден или принадлежит другому пользователю.
	ErrAddressNotFound = errors.New("address not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если позиция заказа ссылается на несуществующий товар.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock — бизнес-конфликт: на складе меньше, чем запрошено.
	// Транзакция заказа откатывается целиком.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrAmountMismatch — заявленная сумма заказа не совпадает с суммой позиций
	// по серверным ценам.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// ErrOrderAlreadyExists сигнализирует о повторной вставке заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsNotFound проверяет, относится ли ошибка к категории «не найдено».
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAddressNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrProductNotFound)
}

// IsConflict проверяет, относится ли ошибка к категории бизнес-конфликтов:
// запрос корректен по форме, но текущее состояние не позволяет его выполнить.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrOrderAlreadyExists)
}
