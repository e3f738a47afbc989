package gsioc

import "sync/atomic"

// ConnState is the addressing state of the bus master.
type ConnState uint32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

type atomicConnState struct {
	state atomic.Uint32
}

func (st *atomicConnState) Get() ConnState {
	return ConnState(st.state.Load())
}

func (st *atomicConnState) Set(state ConnState) {
	st.state.Store(uint32(state))
}

func (st *atomicConnState) IsConnected() bool {
	return st.Get() == Connected
}

// ToConnecting is valid from any state: connecting to a new slave implicitly
// disconnects the current one.
func (st *atomicConnState) ToConnecting() {
	st.Set(Connecting)
}

func (st *atomicConnState) ToConnected() bool {
	if st.IsConnected() {
		return true
	}

	return st.state.CompareAndSwap(uint32(Connecting), uint32(Connected))
}

func (st *atomicConnState) ToDisconnected() {
	st.Set(Disconnected)
}
