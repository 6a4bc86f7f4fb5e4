package events

// Topic constants for domain events emitted by the order engine.
const (
	TopicOrderCreated        = "order.created"
	TopicOrderWaitingPayment = "order.waiting_payment"
	TopicOrderPaid           = "order.paid"
	TopicOrderCanceled       = "order.canceled"
	TopicOrderSent           = "order.sent"
	TopicOrderReceived       = "order.received"
	TopicOrderReturned       = "order.returned"
	TopicOrderCompleted      = "order.completed"
	TopicVoucherUsed         = "voucher.used"
	TopicVoucherRemind       = "voucher.remind"
	TopicBundleMerged        = "bundle.merged"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderWaitingPayment,
		TopicOrderPaid,
		TopicOrderCanceled,
		TopicOrderSent,
		TopicOrderReceived,
		TopicOrderReturned,
		TopicOrderCompleted,
		TopicVoucherUsed,
		TopicVoucherRemind,
		TopicBundleMerged,
	}
}
