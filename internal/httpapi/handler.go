package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/address"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
)

// HeaderUserID несёт идентификатор пользователя, проставленный
// вышестоящим шлюзом. Сервис доверяет этому заголовку и сам
// аутентификацию не выполняет.
const HeaderUserID = "X-User-ID"

const requestTimeout = 15 * time.Second

// Handler реализует JSON API поверх сервисов адресов и оформления заказов.
type Handler struct {
	addresses *address.Manager
	checkout  *checkout.Coordinator
	idem      domain.IdempotencyRepository
	logger    *log.Entry
}

// NewHandler конструирует HTTP-обработчик с зависимостями.
func NewHandler(
	addresses *address.Manager,
	coordinator *checkout.Coordinator,
	idem domain.IdempotencyRepository,
	logger *log.Entry,
) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "httpapi")
	}
	return &Handler{
		addresses: addresses,
		checkout:  coordinator,
		idem:      idem,
		logger:    logger,
	}
}

// Router собирает маршруты API.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/addresses", func(r chi.Router) {
			r.Post("/", h.createAddress)
			r.Get("/", h.listAddresses)
			r.Delete("/{addressID}", h.deleteAddress)
			r.Patch("/{addressID}/default", h.markDefaultAddress)
		})
		r.Route("/orders", func(r chi.Router) {
			r.With(h.withIdempotency).Post("/", h.createOrder)
			r.Get("/", h.listOrders)
		})
	})

	return r
}

type createAddressRequest struct {
	Title       string `json:"title"`
	AddressLine string `json:"address_line"`
	Reference   string `json:"reference"`
	City        string `json:"city"`
	Department  string `json:"department"`
	IsDefault   bool   `json:"is_default"`
}

type addressResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	AddressLine string    `json:"address_line"`
	Reference   string    `json:"reference,omitempty"`
	City        string    `json:"city,omitempty"`
	Department  string    `json:"department,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

type orderItemRequest struct {
	ProductID  string `json:"product_id"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

type createOrderRequest struct {
	ShippingAddress string             `json:"shipping_address"`
	AmountMinor     int64              `json:"amount_minor"`
	Items           []orderItemRequest `json:"items"`
}

type orderItemResponse struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name,omitempty"`
	ProductImageURL string `json:"product_image_url,omitempty"`
	Qty             int32  `json:"qty"`
	PriceMinor      int64  `json:"price_minor"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	AmountMinor     int64               `json:"amount_minor"`
	ShippingAddress string              `json:"shipping_address"`
	Items           []orderItemResponse `json:"items"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (h *Handler) createAddress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	created, err := h.addresses.Create(r.Context(), address.CreateInput{
		UserID:      userID,
		Title:       req.Title,
		AddressLine: req.AddressLine,
		Reference:   req.Reference,
		City:        req.City,
		Department:  req.Department,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAddressResponse(created))
}

func (h *Handler) listAddresses(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	addrs, err := h.addresses.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]addressResponse, 0, len(addrs))
	for _, a := range addrs {
		resp = append(resp, toAddressResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteAddress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.addresses.Remove(r.Context(), userID, chi.URLParam(r, "addressID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markDefaultAddress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	updated, err := h.addresses.MarkDefault(r.Context(), userID, chi.URLParam(r, "addressID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAddressResponse(updated))
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	items := make([]checkout.ItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, checkout.ItemInput{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}

	order, err := h.checkout.CreateOrder(r.Context(), checkout.CreateOrderInput{
		UserID:          userID,
		ShippingAddress: req.ShippingAddress,
		AmountMinor:     req.AmountMinor,
		Items:           items,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.checkout.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case domain.IsConflict(err) || domain.IsIdempotencyConflict(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case isValidationError(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithError(err).Error("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		domain.ErrUserRequired,
		domain.ErrAddressTitleRequired,
		domain.ErrAddressLineRequired,
		domain.ErrShippingAddressRequired,
		domain.ErrItemsRequired,
		domain.ErrAmountNegative,
		domain.ErrItemProductRequired,
		domain.ErrItemQtyInvalid,
		domain.ErrItemPriceInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func toAddressResponse(a domain.Address) addressResponse {
	return addressResponse{
		ID:          a.ID,
		Title:       a.Title,
		AddressLine: a.AddressLine,
		Reference:   a.Reference,
		City:        a.City,
		Department:  a.Department,
		IsDefault:   a.IsDefault,
		CreatedAt:   a.CreatedAt,
	}
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			ProductImageURL: item.ProductImageURL,
			Qty:             item.Qty,
			PriceMinor:      item.PriceMinor,
		})
	}
	return orderResponse{
		ID:              o.ID,
		Status:          string(o.Status),
		AmountMinor:     o.AmountMinor,
		ShippingAddress: o.ShippingAddress,
		Items:           items,
		CreatedAt:       o.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
