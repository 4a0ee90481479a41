package multiplex

// Wire frame types. The suffix encodes the sender's role for the stream the
// frame belongs to: a peer receiving an Initiator-suffixed frame knows the
// remote opened that stream. Receiver types are odd and Initiator types are
// even, which is what routes inbound frames to the right registry (type&1).
const (
	typeNewStream uint8 = iota
	typeMessageReceiver
	typeMessageInitiator
	typeCloseReceiver
	typeCloseInitiator
	typeResetReceiver
	typeResetInitiator
)

var frameTypeNames = [...]string{
	"NEW_STREAM",
	"MESSAGE_RECEIVER",
	"MESSAGE_INITIATOR",
	"CLOSE_RECEIVER",
	"CLOSE_INITIATOR",
	"RESET_RECEIVER",
	"RESET_INITIATOR",
}

func frameTypeName(t uint8) string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return "UNKNOWN"
}

// dataBearing reports whether frames of type t carry a payload on the wire.
func dataBearing(t uint8) bool {
	return t <= typeMessageInitiator
}

// Outbound type selection: an initiator-side stream labels its frames with
// the Initiator suffix, a receiver-side stream with the Receiver suffix.

func messageType(initiator bool) uint8 {
	if initiator {
		return typeMessageInitiator
	}
	return typeMessageReceiver
}

func closeType(initiator bool) uint8 {
	if initiator {
		return typeCloseInitiator
	}
	return typeCloseReceiver
}

func resetType(initiator bool) uint8 {
	if initiator {
		return typeResetInitiator
	}
	return typeResetReceiver
}

// Frame is one mplex wire record. ID is the stream identifier as chosen by
// the stream's initiator; ID alone does not identify a stream, the direction
// encoded in Type does too. Data is nil for types that carry no payload and
// may be an empty list for data-bearing types with a zero-length payload.
type Frame struct {
	ID   uint64
	Type uint8
	Data *byteList
}

func (f *Frame) payloadLen() int {
	if f.Data == nil {
		return 0
	}
	return f.Data.Len()
}
