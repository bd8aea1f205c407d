package scheduler

import (
	"github.com/robfig/cron/v3"
)

// RobfigCronEngine adapts robfig/cron/v3 to the CronEngine interface. A run
// that is still going when its next tick fires is skipped.
type RobfigCronEngine struct {
	c *cron.Cron
}

// NewRobfigCronEngine creates a new cron engine using robfig/cron/v3. It
// accepts standard 5-field expressions and descriptors such as "@every 1m".
func NewRobfigCronEngine() *RobfigCronEngine {
	return &RobfigCronEngine{
		c: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// AddFunc adds a function to be called on the given schedule.
func (r *RobfigCronEngine) AddFunc(spec string, cmd func()) (int, error) {
	id, err := r.c.AddFunc(spec, cmd)
	return int(id), err
}

// Remove removes a previously registered entry by ID.
func (r *RobfigCronEngine) Remove(id int) {
	r.c.Remove(cron.EntryID(id))
}

// Start begins the cron scheduler in its own goroutine.
func (r *RobfigCronEngine) Start() {
	r.c.Start()
}

// Stop halts the scheduler and waits for running jobs to return.
func (r *RobfigCronEngine) Stop() {
	<-r.c.Stop().Done()
}
