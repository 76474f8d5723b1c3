// Package dispatch owns the outbound device-command queue. Commands carry a
// priority and an execution phase; draining invokes the host-supplied
// device-control callback with bounded retries and records per-device-type
// statistics. Dispatch failures are recorded, never raised: a batch may
// still complete by timeout.
package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DeviceType classifies the actuated device.
type DeviceType string

const (
	DevicePump       DeviceType = "pump"
	DeviceRegulator  DeviceType = "regulator"
	DeviceFieldInlet DeviceType = "field_inlet_gate"
)

// Phase places a command within the batch lifecycle.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseRunning Phase = "running"
	PhaseWrapup  Phase = "wrapup"
)

// Command is one outbound device command. Smaller priorities run first;
// equal priorities run in enqueue order.
type Command struct {
	DeviceType  DeviceType     `json:"device_type"`
	DeviceID    string         `json:"device_id"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Phase       Phase          `json:"phase"`
	Priority    int            `json:"priority"`
	Reason      string         `json:"reason,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ControlFunc is the host-supplied device-control callback. It must be
// idempotent; the dispatcher may retry it.
type ControlFunc func(ctx context.Context, cmd Command) error

// Stats counts dispatch outcomes for one device type.
type Stats struct {
	Sent   int `json:"sent"`
	Acked  int `json:"acked"`
	Failed int `json:"failed"`
}

// Options tune the dispatcher.
type Options struct {
	// RetryAttempts per command, including the first try.
	RetryAttempts uint
	// RetryDelay between attempts.
	RetryDelay time.Duration
	// CommandsPerSecond rate-limits outbound device calls. Zero disables
	// the limit.
	CommandsPerSecond float64
}

// DefaultOptions returns the dispatcher defaults.
func DefaultOptions() Options {
	return Options{
		RetryAttempts:     3,
		RetryDelay:        200 * time.Millisecond,
		CommandsPerSecond: 10,
	}
}

// Dispatcher is the outbound command queue.
type Dispatcher struct {
	mu      sync.Mutex
	control ControlFunc
	opts    Options
	limiter *rate.Limiter
	queue   cmdHeap
	seq     int
	stats   map[DeviceType]*Stats
}

// New builds a Dispatcher over the host's control callback.
func New(control ControlFunc, opts Options) *Dispatcher {
	var limiter *rate.Limiter
	if opts.CommandsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CommandsPerSecond), 1)
	}
	return &Dispatcher{
		control: control,
		opts:    opts,
		limiter: limiter,
		stats:   make(map[DeviceType]*Stats),
	}
}

// Enqueue adds a command to the queue without dispatching it.
func (d *Dispatcher) Enqueue(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	heap.Push(&d.queue, queued{cmd: cmd, seq: d.seq})
	d.seq++
	queuedCommands.WithLabelValues(string(cmd.DeviceType)).Inc()
}

// Pending reports the queued command count.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Drain dispatches every queued command in priority order. Callback errors
// are recorded on the statistics and logged; Drain itself fails only when
// the context ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		var cmd, ok = d.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		d.send(ctx, cmd)
	}
}

func (d *Dispatcher) pop() (Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() == 0 {
		return Command{}, false
	}
	return heap.Pop(&d.queue).(queued).cmd, true
}

func (d *Dispatcher) send(ctx context.Context, cmd Command) {
	d.bump(cmd.DeviceType, func(s *Stats) { s.Sent++ })
	sentCommands.WithLabelValues(string(cmd.DeviceType), cmd.Action).Inc()

	var err = retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return d.control(ctx, cmd)
		},
		retry.Attempts(d.opts.RetryAttempts),
		retry.Delay(d.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		d.bump(cmd.DeviceType, func(s *Stats) { s.Failed++ })
		failedCommands.WithLabelValues(string(cmd.DeviceType), cmd.Action).Inc()
		log.WithFields(log.Fields{
			"device": cmd.DeviceID,
			"type":   cmd.DeviceType,
			"action": cmd.Action,
			"err":    err,
		}).Error("device command failed")
		return
	}
	d.bump(cmd.DeviceType, func(s *Stats) { s.Acked++ })
	log.WithFields(log.Fields{
		"device":   cmd.DeviceID,
		"type":     cmd.DeviceType,
		"action":   cmd.Action,
		"phase":    cmd.Phase,
		"priority": cmd.Priority,
	}).Debug("device command acked")
}

func (d *Dispatcher) bump(t DeviceType, fn func(*Stats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s, ok = d.stats[t]
	if !ok {
		s = &Stats{}
		d.stats[t] = s
	}
	fn(s)
}

// Statistics snapshots the per-device-type counters.
func (d *Dispatcher) Statistics() map[DeviceType]Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out = make(map[DeviceType]Stats, len(d.stats))
	for t, s := range d.stats {
		out[t] = *s
	}
	return out
}

type queued struct {
	cmd Command
	seq int
}

type cmdHeap []queued

func (h cmdHeap) Len() int { return len(h) }
func (h cmdHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority < h[j].cmd.Priority
	}
	return h[i].seq < h[j].seq
}
func (h cmdHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cmdHeap) Push(x any)        { *h = append(*h, x.(queued)) }
func (h *cmdHeap) Pop() any {
	var old = *h
	var n = len(old)
	var item = old[n-1]
	*h = old[:n-1]
	return item
}
