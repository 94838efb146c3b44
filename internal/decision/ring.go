package decision

// ring is a fixed-capacity FIFO of similarity scores.
type ring struct {
	buf   []float64
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) len() int   { return r.count }
func (r *ring) full() bool { return r.count == len(r.buf) }

func (r *ring) mean() float64 {
	if r.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.count; i++ {
		sum += r.buf[i]
	}
	return sum / float64(r.count)
}

func (r *ring) reset() {
	r.next = 0
	r.count = 0
}
