/*Package scan sequences acquisition across a list of delay positions.

One scan runs on one worker so hardware commands are strictly serialized.
Transient per-position failures are retried against the configured budget,
then recorded, and the scan moves on; only fatal hardware errors halt it.  Cancellation is cooperative and is honored at
position boundaries only, never mid-burst, so every commanded position has
a recorded outcome.  Consumers observe the scan through deep-copied result
snapshots and a non-blocking progress channel, never by touching the
hardware directly.
*/
package scan

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/femtolab/gota/acquire"
	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/hardware"
)

// ErrBusy is generated when Run is called while a scan is in flight
var ErrBusy = errors.New("scan: already running")

// Orchestrator owns the scan state machine.  Create one with New; the zero
// value is not usable.
type Orchestrator struct {
	// Log receives scan lifecycle messages; nil silences them
	Log *log.Logger

	controller *acquire.Controller
	engine     *average.Engine
	store      store
	progress   chan Progress

	mu      sync.Mutex
	running bool
}

// New returns an orchestrator driving the given controller and engine
func New(ctrl *acquire.Controller, eng *average.Engine) *Orchestrator {
	return &Orchestrator{
		controller: ctrl,
		engine:     eng,
		progress:   make(chan Progress, 16),
	}
}

// Progress returns the progress channel.  Events are dropped rather than
// block the scan worker when the consumer lags.
func (o *Orchestrator) Progress() <-chan Progress {
	return o.progress
}

// State returns the current scan state
func (o *Orchestrator) State() State {
	return o.store.state()
}

// Snapshot returns a deep copy of the scan record
func (o *Orchestrator) Snapshot() Result {
	return o.store.snapshot()
}

// Run executes one scan to completion and blocks until it reaches a
// terminal state.  It returns nil on Completed, the context's error on
// Aborted, and the fatal cause on Failed.  Only one scan may run at a
// time; concurrent calls get ErrBusy.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) error {
	times, err := cfg.TimePoints()
	if err != nil {
		return err
	}
	if r, ok := o.controller.Delay.(delay.Ranger); ok {
		if err := delay.CheckTimes(r, times); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrBusy
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.controller.MaxRetries = uint64(cfg.MaxRetries)
	o.engine.Sigma = cfg.OutlierSigma
	sweeps := cfg.Sweeps()
	o.store.begin(times, sweeps)
	o.logf("scan started: %d positions, %d frames/position, %d sweep(s)",
		len(times), cfg.NFrames, sweeps)

	for sweep := 1; sweep <= sweeps; sweep++ {
		o.store.startSweep(sweep)
		for i, t := range times {
			if err := ctx.Err(); err != nil {
				o.store.finish(Aborted, err)
				o.logf("scan aborted before step %d of sweep %d", i, sweep)
				return err
			}
			pos := delay.Position{Time: t, Index: i}
			o.store.setIndex(i)
			entry, fatal := o.step(pos, cfg.NFrames, cfg)
			o.store.append(entry)
			o.publish(Progress{State: Running, Sweep: sweep, Index: i, Position: pos, Status: entry.Status})
			if fatal != nil {
				o.store.finish(Failed, fatal)
				o.logf("scan failed at %s: %v", pos, fatal)
				return fatal
			}
		}
	}
	o.store.finish(Completed, nil)
	o.logf("scan completed")
	return nil
}

// step measures one position.  The returned error is non-nil only for
// fatal hardware failures; ordinary failures are folded into the entry.
// Transient move and settle failures are retried here up to the configured
// limit.  Burst failures are not: their budget was already spent frame by
// frame inside the controller, so a BurstError is terminal for the position.
// The burst runs on a detached context so external cancellation can never
// interrupt it mid-flight.
func (o *Orchestrator) step(pos delay.Position, nFrames int, cfg Config) (Entry, error) {
	total := 0
	for attempt := 0; ; attempt++ {
		frames, retries, err := o.controller.AcquireAt(context.Background(), pos, nFrames, cfg.Timeout())
		total += retries
		if err != nil {
			if hardware.IsFatal(err) {
				return Entry{Position: pos, Status: StatusFailed, Retries: total, Err: err.Error()}, err
			}
			var burst *acquire.BurstError
			if !errors.As(err, &burst) && attempt < cfg.MaxRetries {
				total++
				o.logf("%s retrying after: %v", pos, err)
				continue
			}
			o.logf("%s failed: %v", pos, err)
			return Entry{Position: pos, Status: StatusFailed, Retries: total, Err: err.Error()}, nil
		}
		spectrum, err := o.engine.Reduce(frames)
		if err != nil {
			o.logf("%s reduction failed: %v", pos, err)
			return Entry{Position: pos, Status: StatusFailed, Retries: total, Err: err.Error()}, nil
		}
		status := StatusOK
		if spectrum.Degraded {
			status = StatusDegraded
		}
		return Entry{Position: pos, Spectrum: spectrum, Status: status, Retries: total}, nil
	}
}

func (o *Orchestrator) publish(p Progress) {
	select {
	case o.progress <- p:
	default:
	}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Log != nil {
		o.Log.Printf(format, args...)
	}
}
