package keyed

type Metrics interface {
	Created()
	Evicted()
	// Replaced counts values dropped because they failed or stopped.
	Replaced()
}

type nopMetrics struct{}

func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) Created()  {}
func (nopMetrics) Evicted()  {}
func (nopMetrics) Replaced() {}
