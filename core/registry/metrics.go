package registry

type Metrics interface {
	IdentityCreated(shard int)
	IdentityFailed()
	CounterConflict()
	DirectoryWrite(success bool)
}

type nopMetrics struct{}

func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) IdentityCreated(int) {}
func (nopMetrics) IdentityFailed()     {}
func (nopMetrics) CounterConflict()    {}
func (nopMetrics) DirectoryWrite(bool) {}
