package audio

import (
	"math"
	"sort"
	"sync"
)

type scheduledBuffer struct {
	start   int64
	samples []float32
}

// Timeline renders scheduled buffers sample-accurately. Position only moves
// forward through Render, so Now is the device clock of whatever pulls from it.
type Timeline struct {
	rate int

	mu       sync.Mutex
	position int64
	pending  []scheduledBuffer
}

func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// Now returns the rendered position in seconds.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.position) / float64(t.rate)
}

// Schedule queues samples to start at the given time in seconds. Any part
// that falls before the current position is dropped.
func (t *Timeline) Schedule(samples []float32, at float64) {
	if len(samples) == 0 {
		return
	}
	start := int64(math.Round(at * float64(t.rate)))

	t.mu.Lock()
	defer t.mu.Unlock()

	if start < t.position {
		late := t.position - start
		if late >= int64(len(samples)) {
			return
		}
		samples = samples[late:]
		start = t.position
	}

	buf := make([]float32, len(samples))
	copy(buf, samples)

	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i].start > start })
	t.pending = append(t.pending, scheduledBuffer{})
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = scheduledBuffer{start: start, samples: buf}
}

// Render fills out with the next len(out) samples and advances the position.
// Gaps render as silence; overlapping buffers are mixed and clipped.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.position
	to := from + int64(len(out))

	kept := t.pending[:0]
	for _, b := range t.pending {
		if b.start >= to {
			kept = append(kept, b)
			continue
		}
		end := b.start + int64(len(b.samples))
		lo := max(b.start, from)
		hi := min(end, to)
		for i := lo; i < hi; i++ {
			out[i-from] += b.samples[i-b.start]
		}
		if end > to {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = scheduledBuffer{}
	}
	t.pending = kept
	t.position = to

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
}

// Buffered returns the number of scheduled samples not yet rendered.
func (t *Timeline) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.pending {
		end := b.start + int64(len(b.samples))
		n += int(end - max(b.start, t.position))
	}
	return n
}
