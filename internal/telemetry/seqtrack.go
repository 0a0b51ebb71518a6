package telemetry

// SeqTracker counts frames lost between consecutive receptions from one
// sender, using the 8-bit wrapping sequence number.
type SeqTracker struct {
	last     uint8
	started  bool
	Received uint64
	Lost     uint64
}

// Observe records a received sequence number and returns how many frames
// were missed immediately before it. A repeated sequence number counts as
// zero lost.
func (t *SeqTracker) Observe(seq uint8) int {
	t.Received++
	if !t.started {
		t.started = true
		t.last = seq
		return 0
	}
	gap := int(seq - t.last - 1) // wraps modulo 256
	t.last = seq
	if gap == 255 {
		// seq == last: duplicate, not a full wrap of losses
		return 0
	}
	t.Lost += uint64(gap)
	return gap
}
