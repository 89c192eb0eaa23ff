package relay

// pendingBatch is an encoded Data payload waiting for its Ack. seq is the
// frame sequence it was last sent with on the current connection, 0 when it
// has not been sent on it yet.
type pendingBatch struct {
	seq     uint64
	payload []byte
	samples int
}

// resendRing is the bounded, ordered set of unacknowledged batches.
type resendRing struct {
	items []pendingBatch
	head  int
	n     int
}

func newResendRing(capacity int) *resendRing {
	if capacity < 1 {
		capacity = 1
	}
	return &resendRing{items: make([]pendingBatch, capacity)}
}

func (r *resendRing) len() int { return r.n }

func (r *resendRing) full() bool { return r.n == len(r.items) }

// push appends a batch. The caller checks full first.
func (r *resendRing) push(b pendingBatch) {
	r.items[(r.head+r.n)%len(r.items)] = b
	r.n++
}

func (r *resendRing) at(i int) *pendingBatch {
	return &r.items[(r.head+i)%len(r.items)]
}

// ack drops every leading batch sent on this connection with seq <= upTo and
// returns how many batches and samples were released.
func (r *resendRing) ack(upTo uint64) (batches, samples int) {
	for r.n > 0 {
		front := r.at(0)
		if front.seq == 0 || front.seq > upTo {
			break
		}
		samples += front.samples
		*front = pendingBatch{}
		r.head = (r.head + 1) % len(r.items)
		r.n--
		batches++
	}
	return batches, samples
}

// resume applies the responder's last processed sequence from the previous
// connection, then marks the remaining batches as unsent.
func (r *resendRing) resume(lastProcessed uint64) (batches, samples int) {
	batches, samples = r.ack(lastProcessed)
	for i := 0; i < r.n; i++ {
		r.at(i).seq = 0
	}
	return batches, samples
}

// clear empties the ring and returns the number of samples it held.
func (r *resendRing) clear() (samples int) {
	for r.n > 0 {
		samples += r.at(0).samples
		*r.at(0) = pendingBatch{}
		r.head = (r.head + 1) % len(r.items)
		r.n--
	}
	return samples
}
