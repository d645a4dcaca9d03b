// Package dispatch sends commands to device sessions, once or on a fixed tick
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
)

const triggerQueue = 16

// Report is the outcome of one dispatch
type Report struct {
	Command   string        `json:"command"`
	Delivered []int         `json:"delivered"`
	Failed    map[int]error `json:"-"`
}

// FailedIDs returns the failed session ids in ascending order
func (r Report) FailedIDs() []int {
	ids := make([]int, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Options configures a Dispatcher
type Options struct {
	// Interval of the periodic command; 0 disables it
	Interval time.Duration
	// PeriodicCommand is sent on each tick, default check_status
	PeriodicCommand string

	Metrics *telemetry.Metrics
	Events  feed.Publisher
	Now     func() time.Time
}

// Dispatcher writes command envelopes to registry sessions. It never closes
// a session: a failed write is left for the session's own handler to notice.
type Dispatcher struct {
	registry *registry.Registry
	opts     Options
	triggers chan envelope.Envelope
}

// New creates a dispatcher over reg
func New(reg *registry.Registry, opts Options) *Dispatcher {
	if opts.PeriodicCommand == "" {
		opts.PeriodicCommand = envelope.CommandCheckStatus
	}
	if opts.Events == nil {
		opts.Events = feed.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		registry: reg,
		opts:     opts,
		triggers: make(chan envelope.Envelope, triggerQueue),
	}
}

type target struct {
	id   int
	sess *registry.Session
}

// Broadcast writes env to every live session. A failure on one session does
// not stop delivery to the others.
func (d *Dispatcher) Broadcast(env envelope.Envelope) Report {
	// Collect handles under the registry lock, then write outside it so a
	// slow peer cannot stall registration and removal.
	var targets []target
	d.registry.ForEach(func(info registry.Info, s *registry.Session) {
		targets = append(targets, target{id: info.ID, sess: s})
	})

	name := commandName(env)
	rep := Report{Command: name, Delivered: make([]int, 0, len(targets)), Failed: make(map[int]error)}
	for _, t := range targets {
		if err := t.sess.Send(env); err != nil {
			rep.Failed[t.id] = err
			logging.Warnf("command delivery failed: id=%d peer=%s command=%s err=%v", t.id, t.sess.Peer(), name, err)
			continue
		}
		rep.Delivered = append(rep.Delivered, t.id)
	}

	d.record(rep)
	return rep
}

// SendTo writes env to the session in slot id
func (d *Dispatcher) SendTo(id int, env envelope.Envelope) (Report, error) {
	s, ok := d.registry.Session(id)
	if !ok {
		return Report{}, fmt.Errorf("session %d: %w", id, registry.ErrNotFound)
	}
	return d.send(s, env), nil
}

// SendToKey writes env to the session with the given key
func (d *Dispatcher) SendToKey(key string, env envelope.Envelope) (Report, error) {
	s, ok := d.registry.Lookup(key)
	if !ok {
		return Report{}, fmt.Errorf("session %s: %w", key, registry.ErrNotFound)
	}
	return d.send(s, env), nil
}

func (d *Dispatcher) send(s *registry.Session, env envelope.Envelope) Report {
	rep := Report{Command: commandName(env), Failed: make(map[int]error)}
	if err := s.Send(env); err != nil {
		rep.Failed[s.ID()] = err
		logging.Warnf("command delivery failed: id=%d peer=%s command=%s err=%v", s.ID(), s.Peer(), rep.Command, err)
	} else {
		rep.Delivered = []int{s.ID()}
	}
	d.record(rep)
	return rep
}

// Trigger queues env for broadcast by Run. It returns false when the queue is full.
func (d *Dispatcher) Trigger(env envelope.Envelope) bool {
	select {
	case d.triggers <- env:
		return true
	default:
		logging.Warnf("dispatch queue full, dropping command: command=%s", commandName(env))
		return false
	}
}

// Run serves triggered commands and the periodic tick until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if d.opts.Interval > 0 {
		ticker := time.NewTicker(d.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
		logging.Infof("dispatcher started: interval=%v command=%s", d.opts.Interval, d.opts.PeriodicCommand)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-d.triggers:
			d.Broadcast(env)
		case <-tick:
			env, err := envelope.NewCommand(d.opts.PeriodicCommand, envelope.CommandArgs{}, d.opts.Now())
			if err != nil {
				logging.Errorf("failed to build periodic command: command=%s err=%v", d.opts.PeriodicCommand, err)
				continue
			}
			rep := d.Broadcast(env)
			logging.Debugf("periodic command sent: command=%s delivered=%d failed=%d",
				rep.Command, len(rep.Delivered), len(rep.Failed))
		}
	}
}

func (d *Dispatcher) record(rep Report) {
	if m := d.opts.Metrics; m != nil {
		m.CommandsSent.WithLabelValues(rep.Command).Add(float64(len(rep.Delivered)))
		if len(rep.Failed) > 0 {
			m.CommandsFailed.WithLabelValues(rep.Command).Add(float64(len(rep.Failed)))
		}
	}
	if len(rep.Delivered)+len(rep.Failed) == 0 {
		return
	}
	d.opts.Events.Publish(feed.Event{
		Type: feed.EventCommandSent,
		Time: d.opts.Now(),
		Payload: commandEvent{
			Command:   rep.Command,
			Delivered: rep.Delivered,
			Failed:    rep.FailedIDs(),
		},
	})
}

type commandEvent struct {
	Command   string `json:"command"`
	Delivered []int  `json:"delivered"`
	Failed    []int  `json:"failed"`
}

func commandName(env envelope.Envelope) string {
	if name, ok := env.String(envelope.FieldCommand); ok {
		return name
	}
	if env.Has(envelope.FieldUploadURL) {
		return envelope.FieldUploadURL
	}
	return string(env.Kind())
}
