package publisher

import (
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/reconfig"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/rs/zerolog/log"
)

// Appender stores events for delivery
type Appender interface {
	Append(events ...Event) error
}

// Recorder turns directory events and configuration changes into topology
// events. Callbacks only enqueue; a single goroutine appends to the log, so
// the directory and the reconfiguration manager never wait on disk.
type Recorder struct {
	origin topology.NodeID
	out    Appender
	queue  chan Event
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRecorder(origin topology.NodeID, out Appender, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBatchSize
	}
	r := &Recorder{
		origin: origin,
		out:    out,
		queue:  make(chan Event, bufferSize),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Attach subscribes the recorder to dir and mgr
func (r *Recorder) Attach(dir *directory.Directory, mgr *reconfig.Manager) {
	dir.Subscribe(r.OnDirectoryEvent)
	mgr.Subscribe(r.OnConfigChange)
}

func (r *Recorder) OnDirectoryEvent(ev directory.Event) {
	out := Event{
		Origin:  r.origin,
		NodeID:  ev.Node.ID,
		Address: ev.Node.Address,
		From:    ev.From.String(),
		To:      ev.To.String(),
		Reason:  ev.Reason,
	}
	switch ev.Kind {
	case directory.EventJoined:
		out.Type = TypeNodeJoined
	case directory.EventUpdated:
		out.Type = TypeNodeUpdated
	case directory.EventRemoved:
		out.Type = TypeNodeRemoved
	default:
		out.Type = TypeNodeStatePrefix + ev.To.String()
	}
	r.enqueue(out)
}

func (r *Recorder) OnConfigChange(c reconfig.Change) {
	out := Event{
		Type:     TypeConfigAdopted,
		Origin:   r.origin,
		Epoch:    c.New.Epoch,
		Proposer: c.New.ProposerID,
		Nodes:    c.New.NodeIDs(),
	}
	if c.Local {
		out.Type = TypeConfigCommitted
	}
	r.enqueue(out)
}

func (r *Recorder) enqueue(ev Event) {
	ev.Timestamp = r.now().UnixMilli()
	select {
	case r.queue <- ev:
	default:
		log.Warn().Str("type", ev.Type).Msg("Topology event queue full, dropping event")
	}
}

func (r *Recorder) run() {
	defer close(r.doneCh)
	batch := make([]Event, 0, cap(r.queue))
	for {
		select {
		case <-r.stopCh:
			r.flush(r.drain(batch[:0]))
			return
		case ev := <-r.queue:
			r.flush(r.drain(append(batch[:0], ev)))
		}
	}
}

func (r *Recorder) drain(batch []Event) []Event {
	for {
		select {
		case ev := <-r.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (r *Recorder) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := r.out.Append(batch...); err != nil {
		log.Error().Err(err).Int("events", len(batch)).Msg("Failed to record topology events")
	}
}

// Stop flushes queued events and stops the recorder
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
