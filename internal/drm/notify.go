package drm

// frameSignal is a single-slot mailbox holding the most recent staged-frame
// counter. Publishing never blocks and overwrites an unconsumed value, so a
// slow tracker only ever sees the freshest frame.
type frameSignal struct {
	ch chan uint64
}

func newFrameSignal() *frameSignal {
	return &frameSignal{ch: make(chan uint64, 1)}
}

// publish stores v, replacing any value the tracker has not consumed yet.
func (s *frameSignal) publish(v uint64) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}

		// Slot full: drop the stale value and retry.
		select {
		case <-s.ch:
		default:
		}
	}
}

// C is the receive side of the mailbox.
func (s *frameSignal) C() <-chan uint64 {
	return s.ch
}
