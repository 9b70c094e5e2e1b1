package ledger

import (
	"sync"
	"time"

	"github.com/yanolja/modelrouter/config"
)

// BudgetStatus is the spend of the current UTC day.
type BudgetStatus struct {
	Day       string  `json:"day"`
	Spent     float64 `json:"spent"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
	Exceeded  bool    `json:"exceeded"`
}

// budget tracks daily spend. The day rolls over at midnight UTC.
type budget struct {
	mutex   sync.Mutex
	config  config.BudgetConfig
	day     string
	spent   float64
	alerted bool
}

func dayOf(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func (b *budget) rollover(now time.Time) {
	if day := dayOf(now); day != b.day {
		b.day = day
		b.spent = 0
		b.alerted = false
	}
}

// add returns true when this spend crosses the alert threshold for the first
// time today.
func (b *budget) add(cost float64, now time.Time) bool {
	if b.config.DailyBudget <= 0 {
		return false
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.rollover(now)
	b.spent += cost
	if b.alerted || b.spent < b.config.DailyBudget*b.config.AlertThresholdPercent/100 {
		return false
	}
	b.alerted = true
	return true
}

func (b *budget) status(now time.Time) BudgetStatus {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.rollover(now)
	status := BudgetStatus{
		Day:   b.day,
		Spent: b.spent,
		Limit: b.config.DailyBudget,
	}
	if b.config.DailyBudget > 0 {
		status.Remaining = b.config.DailyBudget - b.spent
		if status.Remaining < 0 {
			status.Remaining = 0
		}
		status.Exceeded = b.spent >= b.config.DailyBudget
	}
	return status
}
