package pool

import "time"

// rateWindow estimates messages/sec over a trailing window using fixed
// one-second buckets. Not safe for concurrent use; the owning connection
// serializes access under its own lock.
type rateWindow struct {
	window  time.Duration
	buckets []uint64
	stamps  []int64 // bucket epoch each slot was last written in
}

const rateBucket = time.Second

func newRateWindow(window time.Duration) *rateWindow {
	if window < rateBucket {
		window = rateBucket
	}
	n := int(window / rateBucket)
	return &rateWindow{
		window:  time.Duration(n) * rateBucket,
		buckets: make([]uint64, n),
		stamps:  make([]int64, n),
	}
}

func (r *rateWindow) add(now time.Time) {
	epoch := now.UnixNano() / int64(rateBucket)
	i := int(epoch % int64(len(r.buckets)))
	if r.stamps[i] != epoch {
		r.stamps[i] = epoch
		r.buckets[i] = 0
	}
	r.buckets[i]++
}

// rate returns the trailing-window messages/sec as of now. Buckets older than
// the window are ignored rather than eagerly cleared.
func (r *rateWindow) rate(now time.Time) float64 {
	epoch := now.UnixNano() / int64(rateBucket)
	oldest := epoch - int64(len(r.buckets)) + 1

	var total uint64
	for i := range r.buckets {
		if r.stamps[i] >= oldest && r.stamps[i] <= epoch {
			total += r.buckets[i]
		}
	}
	return float64(total) / r.window.Seconds()
}

func (r *rateWindow) reset() {
	for i := range r.buckets {
		r.buckets[i] = 0
		r.stamps[i] = 0
	}
}
