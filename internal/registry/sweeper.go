package registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule purges expired sessions every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// cronParser accepts standard 5-field expressions and @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable sweep schedule.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("registry: invalid sweep schedule %q: %w", expr, err)
	}
	return nil
}

// Sweeper purges expired sessions on a cron schedule.
type Sweeper struct {
	reg      *Registry
	schedule string
	out      io.Writer
}

// NewSweeper creates a Sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(reg *Registry, schedule string, out io.Writer) (*Sweeper, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry: sweeper: registry is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	return &Sweeper{reg: reg, schedule: schedule, out: out}, nil
}

// Sweep runs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.reg.Purge(ctx)
	if err != nil {
		log.Printf("registry: sweep: %v", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(s.out, "Registry: purged %d expired session(s)\n", n)
	}
}

// Run sweeps once immediately and then on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("registry: sweeper: %w", err)
	}
	s.Sweep(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
