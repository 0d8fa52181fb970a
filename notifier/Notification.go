package notifier

// Notification is one event published to the operator-facing bus.
type Notification struct {
	Topic string
	Data  map[string]interface{}
}
