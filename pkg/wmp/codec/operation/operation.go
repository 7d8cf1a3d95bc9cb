package operation

import (
	"fmt"
)

const (
	// OpPing measures a minimal round-trip time from the sender.
	OpPing uint16 = 0x0001
	// OpGoAway initiates a shutdown of a connection or signals serious error conditions.
	OpGoAway uint16 = 0x0002
	// OpHeartbeat keeps clients alive through periodic heartbeat frames.
	OpHeartbeat uint16 = 0x0003

	// OpAppend appends records to a stream.
	OpAppend uint16 = 0x1001
	// OpFetch fetches records from a stream.
	OpFetch uint16 = 0x1002

	// OpUnknown is a placeholder for unrecognized operation codes.
	OpUnknown uint16 = 0x0000
)

// Operation is enumeration of Frame.OpCode
type Operation struct {
	Code uint16
}

// IsControl returns whether o is a control operation
func (o Operation) IsControl() bool {
	switch o.Code {
	case OpPing, OpGoAway:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (o Operation) String() string {
	switch o.Code {
	case OpPing:
		return "Ping"
	case OpGoAway:
		return "GoAway"
	case OpHeartbeat:
		return "Heartbeat"
	case OpAppend:
		return "Append"
	case OpFetch:
		return "Fetch"
	default:
		return fmt.Sprintf("Unknown(%#04x)", o.Code)
	}
}
