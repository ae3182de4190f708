package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики транзакционного ядра: оформление заказов
// и операции над default-адресами.
type CheckoutMetrics struct {
	// Счётчики исходов оформления заказа
	ordersCommitted prometheus.Counter
	ordersConflict  prometheus.Counter
	ordersNotFound  prometheus.Counter
	ordersFailed    prometheus.Counter

	// Гистограммы времени выполнения
	checkoutDuration prometheus.Histogram
	addressOpLatency *prometheus.HistogramVec

	// Счётчик смен default-адреса
	defaultSwitches prometheus.Counter

	// Gauge для заказов в обработке
	activeCheckouts prometheus.Gauge
}

// NewCheckoutMetrics создаёт новый экземпляр метрик ядра.
func NewCheckoutMetrics() *CheckoutMetrics {
	return newCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		ordersCommitted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_orders_committed_total",
			Help: "Total number of orders committed with stock decremented",
		}),
		ordersConflict: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_orders_conflict_total",
			Help: "Total number of orders rejected due to stock or amount conflicts",
		}),
		ordersNotFound: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_orders_not_found_total",
			Help: "Total number of orders referencing missing products",
		}),
		ordersFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_orders_failed_total",
			Help: "Total number of orders aborted by storage failures",
		}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_checkout_duration_seconds",
			Help:    "Duration of the order checkout transaction in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		addressOpLatency: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_address_op_duration_seconds",
			Help:    "Duration of address mutations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"op"}),
		defaultSwitches: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_address_default_switches_total",
			Help: "Total number of default address reassignments",
		}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_active_checkouts",
			Help: "Number of checkout transactions currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCommitted увеличивает счётчик успешно закоммиченных заказов.
func (m *CheckoutMetrics) RecordOrderCommitted() {
	m.ordersCommitted.Inc()
}

// RecordOrderConflict увеличивает счётчик заказов, отклонённых по конфликту
// (нехватка стока, несовпадение суммы).
func (m *CheckoutMetrics) RecordOrderConflict() {
	m.ordersConflict.Inc()
}

// RecordOrderNotFound увеличивает счётчик заказов с несуществующими товарами.
func (m *CheckoutMetrics) RecordOrderNotFound() {
	m.ordersNotFound.Inc()
}

// RecordOrderFailed увеличивает счётчик заказов, упавших по вине хранилища.
func (m *CheckoutMetrics) RecordOrderFailed() {
	m.ordersFailed.Inc()
}

// RecordCheckoutDuration записывает время транзакции оформления.
func (m *CheckoutMetrics) RecordCheckoutDuration(duration time.Duration) {
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordCheckoutStarted увеличивает количество заказов в обработке.
func (m *CheckoutMetrics) RecordCheckoutStarted() {
	m.activeCheckouts.Inc()
}

// RecordCheckoutFinished уменьшает количество заказов в обработке.
func (m *CheckoutMetrics) RecordCheckoutFinished() {
	m.activeCheckouts.Dec()
}

// RecordAddressOp записывает длительность операции над адресами.
func (m *CheckoutMetrics) RecordAddressOp(op string, duration time.Duration) {
	m.addressOpLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDefaultSwitch увеличивает счётчик смен default-адреса.
func (m *CheckoutMetrics) RecordDefaultSwitch() {
	m.defaultSwitches.Inc()
}
