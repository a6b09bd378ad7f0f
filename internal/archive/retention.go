package archive

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionDays keeps roughly a month of bars on disk.
const DefaultRetentionDays = 30

// retentionSchedule runs nightly at 03:10.
const retentionSchedule = "10 3 * * *"

// Retention prunes old bars on a nightly schedule.
type Retention struct {
	writer *Writer
	days   int
	cron   *cron.Cron
}

// NewRetention creates the pruning job. days <= 0 falls back to the default.
func NewRetention(w *Writer, days int) *Retention {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return &Retention{writer: w, days: days, cron: cron.New()}
}

// Start registers and starts the nightly prune.
func (r *Retention) Start() error {
	if _, err := r.cron.AddFunc(retentionSchedule, r.prune); err != nil {
		return fmt.Errorf("register retention job: %w", err)
	}
	r.cron.Start()
	log.Printf("[archive] retention job scheduled (%d days)", r.days)
	return nil
}

// Stop halts the scheduler; a prune already running completes.
func (r *Retention) Stop() {
	r.cron.Stop()
}

func (r *Retention) prune() {
	cutoff := time.Now().AddDate(0, 0, -r.days).Unix()
	n, err := r.writer.PruneBefore(cutoff)
	if err != nil {
		log.Printf("[archive] retention prune failed: %v", err)
		return
	}
	log.Printf("[archive] pruned %d bars older than %d days", n, r.days)
}
