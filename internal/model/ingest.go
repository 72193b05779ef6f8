package model

// Event carries one serialized record through a Channel. It is the transport
// contract between collectors and the delivery agent.
type Event struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// StoredEvent is an Event persisted in an overflow store together with its
// store-assigned sequence number.
type StoredEvent struct {
	Seq   uint64
	Event Event
}
