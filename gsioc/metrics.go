package gsioc

import "sync/atomic"

// Metrics contains atomic counters of a GSIOC master.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// ConnectCount indicates the number of successful slave connects.
	ConnectCount atomic.Uint64
	// ConnectRetryCount indicates the number of rejected or unanswered connect attempts.
	ConnectRetryCount atomic.Uint64
	// CommandCount indicates the number of completed commands.
	CommandCount atomic.Uint64
	// ReadTimeoutCount indicates the number of reads that returned nothing in time.
	ReadTimeoutCount atomic.Uint64
	// BusyCount indicates the number of busy echoes received.
	BusyCount atomic.Uint64
	// EchoMismatchCount indicates the number of echoed characters that differed from the sent one.
	EchoMismatchCount atomic.Uint64
	// NoReplyCount indicates the number of operations that exhausted their attempt budget.
	NoReplyCount atomic.Uint64
}

func (m *Metrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *Metrics) incConnectRetryCount() {
	m.ConnectRetryCount.Add(1)
}

func (m *Metrics) incCommandCount() {
	m.CommandCount.Add(1)
}

func (m *Metrics) incReadTimeoutCount() {
	m.ReadTimeoutCount.Add(1)
}

func (m *Metrics) incBusyCount() {
	m.BusyCount.Add(1)
}

func (m *Metrics) addEchoMismatchCount(n int) {
	m.EchoMismatchCount.Add(uint64(n))
}

func (m *Metrics) incNoReplyCount() {
	m.NoReplyCount.Add(1)
}
