package media

// slotState tags the lifecycle of the one producer allowed per kind. A kind
// with no entry in the slot map is empty.
type slotState int

const (
	slotEmpty slotState = iota
	slotPending
	slotActive
	slotClosing
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotPending:
		return "pending"
	case slotActive:
		return "active"
	case slotClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// producerSlot holds a producer and its local track once active or closing
type producerSlot struct {
	state    slotState
	producer Producer
	track    LocalTrack
}

func pendingSlot() producerSlot { return producerSlot{state: slotPending} }

func activeSlot(p Producer, t LocalTrack) producerSlot {
	return producerSlot{state: slotActive, producer: p, track: t}
}

func (s producerSlot) closing() producerSlot {
	s.state = slotClosing
	return s
}

func (s producerSlot) reopened() producerSlot {
	s.state = slotActive
	return s
}

// release stops the producer and its source without talking to the server
func (s producerSlot) release() error {
	var err error
	if s.producer != nil {
		err = s.producer.Close()
	}
	if s.track != nil {
		s.track.Stop()
	}
	return err
}
