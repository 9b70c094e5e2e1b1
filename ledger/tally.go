package ledger

import (
	"time"

	"github.com/yanolja/modelrouter"
)

// tally keeps running sums over the samples of one endpoint from index
// start onwards. Samples before start are older than the day window.
type tally struct {
	start     int
	count     int
	successes int
	latency   time.Duration
	quality   float64
}

func (t *tally) add(sample *modelrouter.PerformanceSample) {
	t.count++
	t.latency += sample.Latency
	if sample.Success {
		t.successes++
		t.quality += sample.Quality
	}
}

func (t *tally) remove(sample *modelrouter.PerformanceSample) {
	t.count--
	t.latency -= sample.Latency
	if sample.Success {
		t.successes--
		t.quality -= sample.Quality
	}
}

// insert counts the sample just stored at index position.
func (t *tally) insert(samples []modelrouter.PerformanceSample, position int) {
	if position < t.start {
		// Older than a sample that already left the window.
		t.start++
		return
	}
	t.add(&samples[position])
}

// advance drops the samples recorded before cutoff.
func (t *tally) advance(samples []modelrouter.PerformanceSample, cutoff time.Time) {
	for t.start < len(samples) && samples[t.start].RecordedAt.Before(cutoff) {
		t.remove(&samples[t.start])
		t.start++
	}
}

func (t tally) summary() Summary {
	summary := Summary{Count: t.count, Successes: t.successes}
	if t.count <= 0 {
		return Summary{}
	}
	summary.SuccessRate = float64(t.successes) / float64(t.count)
	summary.AvgLatency = t.latency / time.Duration(t.count)
	if t.successes > 0 {
		summary.AvgQuality = t.quality / float64(t.successes)
	}
	return summary
}
