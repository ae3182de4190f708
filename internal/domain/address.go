package domain

import "time"

// Address описывает адрес доставки, принадлежащий ровно одному пользователю.
// Инвариант: у пользователя в любой наблюдаемый момент не более одного адреса
// с IsDefault = true.
type Address struct {
	ID     string
	UserID string
	// Title — человекочитаемое имя адреса ("Дом", "Офис").
	Title string
	// AddressLine — улица и номер дома одной строкой.
	AddressLine string
	// Reference — необязательный ориентир для курьера.
	Reference  string
	City       string
	Department string
	IsDefault  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ValidateInvariants проверяет обязательные поля адреса и возвращает список замечаний.
func (a *Address) ValidateInvariants() []error {
	var errs []error

	if a.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if a.Title == "" {
		errs = append(errs, ErrAddressTitleRequired)
	}
	if a.AddressLine == "" {
		errs = append(errs, ErrAddressLineRequired)
	}

	return errs
}
