package sound

import "fmt"

// StreamState is one of the five lifecycle states a PCM stream can be in.
// The zero value is Released, matching a freshly constructed device.
type StreamState int

const (
	StateReleased StreamState = iota
	StateParamsSet
	StatePrepared
	StateStarted
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateReleased:
		return "released"
	case StateParamsSet:
		return "params_set"
	case StatePrepared:
		return "prepared"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamParams are the values PCM_SET_PARAMS stores.
type StreamParams struct {
	BufferBytes uint32
	PeriodBytes uint32
	Features    uint32
	Channels    uint8
	Format      uint8
	Rate        uint8
}

// transition table: request code -> set of states it's valid from. Anything
// not listed here is rejected with BAD_MSG and leaves state untouched.
var validFrom = map[uint32]map[StreamState]bool{
	RPCMSetParams: {StateReleased: true, StateParamsSet: true, StatePrepared: true},
	RPCMPrepare:   {StateReleased: true, StateParamsSet: true, StatePrepared: true},
	RPCMStart:     {StatePrepared: true, StateStopped: true},
	RPCMStop:      {StateStarted: true},
	RPCMRelease:   {StatePrepared: true, StateStopped: true},
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
