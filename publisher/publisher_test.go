package publisher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/encoding"
	"github.com/anor-rs/anor-cluster/reconfig"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic string
	key   string
	value []byte
}

type fakeSink struct {
	mu       sync.Mutex
	messages []message
	failures int
	closed   bool
}

func (f *fakeSink) Publish(topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.messages = append(f.messages, message{topic, key, value})
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) published() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

func openLog(t *testing.T) *EventLog {
	t.Helper()
	el, err := OpenEventLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { el.Close() })
	return el
}

func TestEventLog_AppendAssignsSequences(t *testing.T) {
	el := openLog(t)

	events := []Event{{Type: TypeNodeJoined, NodeID: 2}, {Type: TypeNodeJoined, NodeID: 3}}
	require.NoError(t, el.Append(events))
	assert.Equal(t, uint64(1), events[0].SeqNum)
	assert.Equal(t, uint64(2), events[1].SeqNum)
	assert.Equal(t, uint64(2), el.LastSeq())

	got, err := el.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, topology.NodeID(3), got[1].NodeID)

	got, err = el.ReadFrom(1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].SeqNum)
}

func TestEventLog_ReopenKeepsSequenceAndCursors(t *testing.T) {
	dir := t.TempDir()
	el, err := OpenEventLog(dir)
	require.NoError(t, err)
	require.NoError(t, el.Append([]Event{{Type: TypeConfigCommitted, Epoch: 2}, {Type: TypeConfigAdopted, Epoch: 3}}))
	require.NoError(t, el.AdvanceCursor("nats", 1))
	require.NoError(t, el.Close())

	el, err = OpenEventLog(dir)
	require.NoError(t, err)
	defer el.Close()

	assert.Equal(t, uint64(2), el.LastSeq())
	cursor, err := el.Cursor("nats")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	events := []Event{{Type: TypeNodeRemoved, NodeID: 4}}
	require.NoError(t, el.Append(events))
	assert.Equal(t, uint64(3), events[0].SeqNum)
}

func TestEventLog_CleanupDropsDeliveredEvents(t *testing.T) {
	el := openLog(t)
	require.NoError(t, el.Append(make([]Event, 10)))
	require.NoError(t, el.AdvanceCursor("a", 7))
	require.NoError(t, el.AdvanceCursor("b", 4))

	el.Cleanup()

	got, err := el.ReadFrom(0, 100)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, uint64(5), got[0].SeqNum)
}

func TestEventLog_Closed(t *testing.T) {
	el, err := OpenEventLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, el.Close())
	require.NoError(t, el.Close())

	assert.ErrorIs(t, el.Append([]Event{{}}), ErrLogClosed)
	_, err = el.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestGlobFilter(t *testing.T) {
	all, err := NewGlobFilter(nil)
	require.NoError(t, err)
	assert.True(t, all.Match(TypeConfigAdopted))

	f, err := NewGlobFilter([]string{"node.state.*", "config.committed"})
	require.NoError(t, err)
	assert.True(t, f.Match("node.state.dead"))
	assert.True(t, f.Match(TypeConfigCommitted))
	assert.False(t, f.Match(TypeConfigAdopted))
	assert.False(t, f.Match(TypeNodeJoined))

	_, err = NewGlobFilter([]string{"node.["})
	assert.Error(t, err)
}

func TestFormatters(t *testing.T) {
	ev := Event{SeqNum: 4, Type: TypeNodeJoined, Origin: 1, NodeID: 2, Address: "b:7311", Timestamp: 1000}

	data, err := JSONFormatter{}.Format(ev)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "node.joined", doc["type"])
	assert.Equal(t, "b:7311", doc["address"])

	data, err = MsgpackFormatter{}.Format(ev)
	require.NoError(t, err)
	var back Event
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Equal(t, ev, back)

	_, err = formatterFor("avro")
	assert.Error(t, err)
}

func TestEvent_Key(t *testing.T) {
	assert.Equal(t, topology.NodeID(7).String(), Event{NodeID: 7}.Key())
	assert.Equal(t, "epoch-12", Event{Epoch: 12}.Key())
}

func newWorker(t *testing.T, el *EventLog, snk Sink, patterns ...string) *Worker {
	t.Helper()
	filter, err := NewGlobFilter(patterns)
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Log:          el,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  "anor.topology",
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func TestWorker_PublishesAndAdvancesCursor(t *testing.T) {
	el := openLog(t)
	snk := &fakeSink{failures: 2}
	require.NoError(t, el.Append([]Event{
		{Type: TypeNodeJoined, NodeID: 2},
		{Type: TypeConfigAdopted, Epoch: 3},
		{Type: "node.state.suspect", NodeID: 2},
	}))

	w := newWorker(t, el, snk, "node.*", "node.state.*")
	w.Start()

	require.Eventually(t, func() bool { return w.Cursor() == 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := snk.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "anor.topology.node.joined", msgs[0].topic)
	assert.Equal(t, topology.NodeID(2).String(), msgs[0].key)
	assert.Equal(t, "anor.topology.node.state.suspect", msgs[1].topic)

	cursor, err := el.Cursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
}

func TestWorker_ResumesFromCursor(t *testing.T) {
	el := openLog(t)
	require.NoError(t, el.Append([]Event{{Type: TypeNodeJoined, NodeID: 2}, {Type: TypeNodeJoined, NodeID: 3}}))
	require.NoError(t, el.AdvanceCursor("test", 1))

	snk := &fakeSink{}
	w := newWorker(t, el, snk)
	assert.Equal(t, uint64(1), w.Cursor())
	w.Start()

	require.Eventually(t, func() bool { return len(snk.published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, topology.NodeID(3).String(), snk.published()[0].key)
}

func TestWorker_StopsDuringRetry(t *testing.T) {
	el := openLog(t)
	require.NoError(t, el.Append([]Event{{Type: TypeNodeJoined, NodeID: 2}}))

	w := newWorker(t, el, &fakeSink{failures: 1 << 20})
	w.Start()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	assert.Zero(t, w.Cursor())
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x"})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Log: openLog(t)})
	assert.Error(t, err)
}

func TestRegistry_EndToEnd(t *testing.T) {
	snk := &fakeSink{}
	config := cfg.Default().Publisher
	config.Enabled = true
	config.Format = "msgpack"

	reg, err := NewRegistry(RegistryConfig{DataDir: t.TempDir(), Config: config, Sink: snk})
	require.NoError(t, err)
	assert.Error(t, reg.Append(Event{Type: TypeNodeJoined}))

	require.NoError(t, reg.Start())
	assert.Error(t, reg.Start())
	require.NoError(t, reg.Append(Event{Type: TypeConfigCommitted, Epoch: 5, Nodes: []topology.NodeID{1, 2}}))

	require.Eventually(t, func() bool { return reg.Delivered() == 1 }, 2*time.Second, 10*time.Millisecond)
	msgs := snk.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "anor.topology.config.committed", msgs[0].topic)
	assert.Equal(t, "epoch-5", msgs[0].key)

	var ev Event
	require.NoError(t, encoding.Unmarshal(msgs[0].value, &ev))
	assert.Equal(t, []topology.NodeID{1, 2}, ev.Nodes)

	reg.Stop()
	assert.True(t, snk.closed)
}

func TestRegistry_UnknownSinkOrFormat(t *testing.T) {
	config := cfg.Default().Publisher
	config.Sink = "carrier-pigeon"
	_, err := NewRegistry(RegistryConfig{DataDir: t.TempDir(), Config: config})
	assert.ErrorContains(t, err, "unknown sink type")

	config.Format = "avro"
	_, err = NewRegistry(RegistryConfig{DataDir: t.TempDir(), Config: config, Sink: &fakeSink{}})
	assert.ErrorContains(t, err, "unknown format")

	_, err = NewRegistry(RegistryConfig{Config: cfg.Default().Publisher})
	assert.Error(t, err)
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Append(events ...Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRecorder_DirectoryEvents(t *testing.T) {
	out := &collector{}
	rec := NewRecorder(1, out, 16)

	dir := directory.New(topology.NodeDescriptor{ID: 1, Address: "a:7311", Weight: 1})
	dir.Subscribe(rec.OnDirectoryEvent)

	peer := topology.NodeDescriptor{ID: 2, Address: "b:7311", Weight: 1}
	dir.Register(peer)
	require.NoError(t, dir.MarkSuspect(2))
	require.NoError(t, dir.Remove(2, "operator"))
	rec.Stop()

	events := out.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, TypeNodeJoined, events[0].Type)
	assert.Equal(t, "b:7311", events[0].Address)
	assert.Equal(t, "node.state.suspect", events[1].Type)
	assert.Equal(t, "alive", events[1].From)
	assert.Equal(t, TypeNodeRemoved, events[2].Type)
	for _, ev := range events {
		assert.Equal(t, topology.NodeID(1), ev.Origin)
		assert.Equal(t, topology.NodeID(2), ev.NodeID)
		assert.NotZero(t, ev.Timestamp)
	}
}

func TestRecorder_ConfigChanges(t *testing.T) {
	out := &collector{}
	rec := NewRecorder(1, out, 16)

	policy := topology.RedundancyPolicy{Strategy: topology.StrategyNormal, ReplicaMin: 1, ReplicaMax: 2}
	nodes := []topology.NodeDescriptor{{ID: 1, Address: "a:7311", Weight: 1}, {ID: 2, Address: "b:7311", Weight: 1}}
	committed := topology.NewClusterConfig(2, nodes, policy, 1)
	adopted := committed.Next(nodes[:1], 2)

	rec.OnConfigChange(reconfig.Change{New: committed, Local: true})
	rec.OnConfigChange(reconfig.Change{Old: committed, New: adopted})
	rec.Stop()

	events := out.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, TypeConfigCommitted, events[0].Type)
	assert.Equal(t, []topology.NodeID{1, 2}, events[0].Nodes)
	assert.Equal(t, TypeConfigAdopted, events[1].Type)
	assert.Equal(t, uint64(3), events[1].Epoch)
	assert.Equal(t, topology.NodeID(2), events[1].Proposer)
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	blocked := make(chan struct{})
	out := &blockingAppender{release: blocked}
	rec := NewRecorder(1, out, 1)

	for i := 0; i < 50; i++ {
		rec.OnDirectoryEvent(directory.Event{Kind: directory.EventUpdated, Node: topology.NodeDescriptor{ID: 2}})
	}
	close(blocked)
	rec.Stop()
	assert.Less(t, out.count(), 50)
}

type blockingAppender struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingAppender) Append(events ...Event) error {
	<-b.release
	b.mu.Lock()
	b.n += len(events)
	b.mu.Unlock()
	return nil
}

func (b *blockingAppender) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
