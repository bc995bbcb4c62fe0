package fanout

// FanoutMetrics instruments the live fan-out hub.
type FanoutMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectedCount(n int)
	EventBroadcast(name string)
	HeartbeatSent()
}

type nopFanoutMetrics struct{}

func NopFanoutMetrics() FanoutMetrics { return nopFanoutMetrics{} }

func (nopFanoutMetrics) ConnectionOpened()     {}
func (nopFanoutMetrics) ConnectionClosed()     {}
func (nopFanoutMetrics) ConnectedCount(int)    {}
func (nopFanoutMetrics) EventBroadcast(string) {}
func (nopFanoutMetrics) HeartbeatSent()        {}

var _ FanoutMetrics = nopFanoutMetrics{}
