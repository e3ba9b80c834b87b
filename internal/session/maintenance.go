package session

import (
	"time"

	"github.com/robfig/cron/v3"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Maintainer runs periodic housekeeping on the sessions database: a daily
// WAL checkpoint so the -wal file cannot grow without bound, plus the
// planner statistics refresh.
type Maintainer struct {
	store *Store
	cron  *cron.Cron
}

// NewMaintainer creates a maintainer for the store.
func NewMaintainer(store *Store) *Maintainer {
	return &Maintainer{store: store, cron: cron.New()}
}

// Start schedules the daily maintenance job.
func (m *Maintainer) Start() error {
	if _, err := m.cron.AddFunc("@daily", m.run); err != nil {
		return err
	}
	m.cron.Start()
	L_debug("session: maintenance scheduled", "cadence", "@daily")
	return nil
}

// Stop cancels the schedule and waits for a running job to finish.
func (m *Maintainer) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintainer) run() {
	start := time.Now()
	if _, err := m.store.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		L_warn("session: wal checkpoint failed", "error", err)
		return
	}
	if _, err := m.store.db.Exec("PRAGMA optimize"); err != nil {
		L_warn("session: optimize failed", "error", err)
		return
	}
	L_info("session: maintenance complete", "elapsed", time.Since(start).Round(time.Millisecond))
}
