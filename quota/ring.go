package quota

import "time"

const slotCount = 60

type slot struct {
	// Start of the slot in unix nanoseconds.
	start int64
	count int64
}

// ring counts events over a sliding window with a fixed number of slots.
type ring struct {
	window    time.Duration
	slotWidth int64
	slots     [slotCount]slot
}

func newRing(window time.Duration) *ring {
	width := int64(window) / slotCount
	if width <= 0 {
		width = 1
	}
	return &ring{window: window, slotWidth: width}
}

func (r *ring) add(now time.Time, count int64) {
	nanos := now.UnixNano()
	start := nanos - nanos%r.slotWidth
	index := (start / r.slotWidth) % slotCount
	if r.slots[index].start != start {
		r.slots[index] = slot{start: start}
	}
	r.slots[index].count += count
}

// sum only includes slots that started after now - window.
func (r *ring) sum(now time.Time) int64 {
	cutoff := now.Add(-r.window).UnixNano()
	total := int64(0)
	for _, s := range r.slots {
		if s.count > 0 && s.start > cutoff {
			total += s.count
		}
	}
	return total
}

// oldest returns the start of the oldest slot still in the window.
func (r *ring) oldest(now time.Time) (time.Time, bool) {
	cutoff := now.Add(-r.window).UnixNano()
	oldest := int64(0)
	found := false
	for _, s := range r.slots {
		if s.count == 0 || s.start <= cutoff {
			continue
		}
		if !found || s.start < oldest {
			oldest = s.start
			found = true
		}
	}
	return time.Unix(0, oldest), found
}
