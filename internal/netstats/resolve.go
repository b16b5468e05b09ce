package netstats

import "github.com/galois26/page-weight-monitor/internal/model"

// TransferredSize is the size a byte event reports for its request: the
// encoded (on the wire) length when known, otherwise the raw length.
func TransferredSize(b model.TransportByteEvent) uint64 {
	if b.EncodedLength > 0 {
		return b.EncodedLength
	}
	return b.RawLength
}

// ResolveSizes returns a copy of events with Size set from the byte events
// sharing their request id. The last byte event for a request id wins.
// Events without a byte event keep size 0; byte events without a logical
// event are unused. The inputs are not modified.
func ResolveSizes(events []model.LogicalLoadEvent, bytes []model.TransportByteEvent) []model.LogicalLoadEvent {
	latest := make(map[string]model.TransportByteEvent, len(bytes))
	for _, b := range bytes {
		latest[b.RequestID] = b
	}

	out := make([]model.LogicalLoadEvent, len(events))
	for i, ev := range events {
		ev.Size = 0
		if b, ok := latest[ev.RequestID]; ok {
			ev.Size = TransferredSize(b)
		}
		out[i] = ev
	}
	return out
}
