package domain

import "time"

// Product — карточка товара. Ядро читает её только ради проверки стока
// и фиксации цены; каталожные операции живут за пределами этого сервиса.
type Product struct {
	ID         string
	Name       string
	ImageURL   string
	PriceMinor int64
	// Stock — доступный остаток. Никогда не опускается ниже нуля:
	// списание происходит только условным декрементом внутри транзакции заказа.
	Stock     int32
	CreatedAt time.Time
	UpdatedAt time.Time
}
