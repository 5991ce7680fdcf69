package rss

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 30m"

// Poller runs an update function on a cron schedule. A run that is still
// going when the next one is due causes that one to be skipped.
type Poller struct {
	cron   *cron.Cron
	run    func(ctx context.Context)
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller for the given cron spec.
func NewPoller(spec string, run func(ctx context.Context), log logrus.FieldLogger) (*Poller, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		run:    run,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return p, nil
}

func (p *Poller) tick() {
	p.log.Info("Poller: updating all channels")
	p.run(p.ctx)
}

// Start runs one update immediately and then follows the schedule.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick()
	}()
	p.cron.Start()
}

// Stop cancels a running update and waits for it to return.
func (p *Poller) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()
}
