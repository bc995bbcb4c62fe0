package publish

// PublishMetrics is the instrumentation hook for the delivery pipeline.
// Implementations live in adapters.
type PublishMetrics interface {
	Published(topic string)
	PublishFailed(topic string)
	PublishDuration(topic string, seconds float64)
	DeadLettered(topic string)
	DLQSendFailed(topic string)
	Deduplicated(topic string)
}

type nopPublishMetrics struct{}

func NopPublishMetrics() PublishMetrics { return nopPublishMetrics{} }

func (nopPublishMetrics) Published(string)                {}
func (nopPublishMetrics) PublishFailed(string)            {}
func (nopPublishMetrics) PublishDuration(string, float64) {}
func (nopPublishMetrics) DeadLettered(string)             {}
func (nopPublishMetrics) DLQSendFailed(string)            {}
func (nopPublishMetrics) Deduplicated(string)             {}

var _ PublishMetrics = nopPublishMetrics{}
