package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrderTransitionsTotal counts order status changes.
	OrderTransitionsTotal *prometheus.CounterVec
	// PaymentAttemptsTotal counts gateway pay and end-pay outcomes.
	PaymentAttemptsTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// VoucherRedemptionsTotal counts voucher use and disuse outcomes.
	VoucherRedemptionsTotal *prometheus.CounterVec
	// BundleRepairsTotal counts bundles auto-repaired before save.
	BundleRepairsTotal prometheus.Counter
	// NotificationJobsTotal tracks background notification job outcomes.
	NotificationJobsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrderTransitionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_transitions_total",
			Help:      "Count of order status transitions.",
		}, []string{"from", "to"}))
		PaymentAttemptsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_attempts_total",
			Help:      "Count of payment attempts by method, stage and result.",
		}, []string{"method", "stage", "result"}))
		PaymentWebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"engine", "result"}))
		VoucherRedemptionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_redemptions_total",
			Help:      "Count of voucher redemptions and reversals.",
		}, []string{"action", "result"}))
		BundleRepairsTotal = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_repairs_total",
			Help:      "Number of bundles whose lines were repaired before save.",
		}))
		NotificationJobsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_jobs_total",
			Help:      "Count of notification job outcomes.",
		}, []string{"topic", "result"}))
	})
}

// ObserveTransition records an order status change when metrics are registered.
func ObserveTransition(from, to string) {
	if OrderTransitionsTotal != nil {
		OrderTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// ObservePayment records a payment attempt outcome.
func ObservePayment(method, stage string, err error) {
	if PaymentAttemptsTotal != nil {
		PaymentAttemptsTotal.WithLabelValues(method, stage, result(err)).Inc()
	}
}

// ObserveWebhook records a payment webhook outcome.
func ObserveWebhook(engine string, err error) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(engine, result(err)).Inc()
	}
}

// ObserveVoucher records a voucher redemption or reversal.
func ObserveVoucher(action string, err error) {
	if VoucherRedemptionsTotal != nil {
		VoucherRedemptionsTotal.WithLabelValues(action, result(err)).Inc()
	}
}

// ObserveBundleRepair counts one repaired bundle.
func ObserveBundleRepair() {
	if BundleRepairsTotal != nil {
		BundleRepairsTotal.Inc()
	}
}

// ObserveNotification records a notification job outcome.
func ObserveNotification(topic string, err error) {
	if NotificationJobsTotal != nil {
		NotificationJobsTotal.WithLabelValues(topic, result(err)).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
