package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ProbeBuckets for heartbeat and gossip round trips
	ProbeBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// MigrationBuckets for per-key transfer during rebalancing
	MigrationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Membership Metrics
var (
	// ClusterNodes tracks node count by health (alive, suspect, dead)
	ClusterNodes GaugeVec = noopGaugeVec{}

	// ClusterEpoch tracks the epoch of the active cluster config
	ClusterEpoch Gauge = NoopStat{}

	// NodeStateTransitionsTotal counts state transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}

	// HeartbeatProbesTotal counts probes by result (ok, timeout, mismatch)
	HeartbeatProbesTotal CounterVec = noopCounterVec{}

	// HeartbeatRTTSeconds measures successful probe round trips
	HeartbeatRTTSeconds Histogram = NoopStat{}

	// ClusterJoinTotal counts cluster join attempts by result (success, failed)
	ClusterJoinTotal CounterVec = noopCounterVec{}
)

// Gossip and Reconfiguration Metrics
var (
	// GossipRoundsTotal counts total gossip rounds executed
	GossipRoundsTotal Counter = NoopStat{}

	// GossipMessagesTotal counts gossip messages by direction (sent, received)
	GossipMessagesTotal CounterVec = noopCounterVec{}

	// GossipFailuresTotal counts failed gossip send attempts
	GossipFailuresTotal Counter = NoopStat{}

	// ReconfigProposalsTotal counts proposals by outcome (committed, abandoned, converged)
	ReconfigProposalsTotal CounterVec = noopCounterVec{}

	// ConfigAdoptionsTotal counts configs adopted from peers
	ConfigAdoptionsTotal Counter = NoopStat{}
)

// Placement and Replication Metrics
var (
	// PlacementsTotal counts placement decisions by result (ok, under_replicated, insufficient)
	PlacementsTotal CounterVec = noopCounterVec{}

	// CapacityExclusionsTotal counts candidates dropped by the capacity filter
	CapacityExclusionsTotal Counter = NoopStat{}

	// UnderReplicatedItems tracks records currently below their target
	UnderReplicatedItems Gauge = NoopStat{}

	// MigrationsTotal counts key migrations by result (ok, timeout, failed)
	MigrationsTotal CounterVec = noopCounterVec{}

	// MigrationDurationSeconds measures per-key migration latency
	MigrationDurationSeconds Histogram = NoopStat{}

	// EvictionsTotal counts local copies evicted after migration
	EvictionsTotal Counter = NoopStat{}
)

// Node Resource Metrics
var (
	// LocalItems tracks items held by this node
	LocalItems Gauge = NoopStat{}

	// LocalBytes tracks bytes held by this node
	LocalBytes Gauge = NoopStat{}

	// StaleClientResponsesTotal counts responses that carried a refreshed config
	StaleClientResponsesTotal Counter = NoopStat{}

	// WorkerPoolTasksTotal counts pool tasks by pool and result (ok, failed, rejected)
	WorkerPoolTasksTotal CounterVec = noopCounterVec{}

	// PublishedEventsTotal counts topology events by result (ok, failed, dropped)
	PublishedEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ClusterNodes = NewGaugeVec(
		"nodes",
		"Number of nodes in the directory by health",
		[]string{"status"},
	)
	ClusterEpoch = NewGauge(
		"epoch",
		"Epoch of the active cluster config",
	)
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Node health transitions",
		[]string{"from", "to"},
	)
	HeartbeatProbesTotal = NewCounterVec(
		"heartbeat_probes_total",
		"Heartbeat probes by result",
		[]string{"result"},
	)
	HeartbeatRTTSeconds = NewHistogramWithBuckets(
		"heartbeat_rtt_seconds",
		"Heartbeat round trip time in seconds",
		ProbeBuckets,
	)
	ClusterJoinTotal = NewCounterVec(
		"join_total",
		"Cluster join attempts by result",
		[]string{"result"},
	)

	GossipRoundsTotal = NewCounter(
		"gossip_rounds_total",
		"Total number of gossip rounds executed",
	)
	GossipMessagesTotal = NewCounterVec(
		"gossip_messages_total",
		"Total gossip messages by direction",
		[]string{"direction"},
	)
	GossipFailuresTotal = NewCounter(
		"gossip_failures_total",
		"Total failed gossip send attempts",
	)
	ReconfigProposalsTotal = NewCounterVec(
		"reconfig_proposals_total",
		"Reconfiguration proposals by outcome",
		[]string{"result"},
	)
	ConfigAdoptionsTotal = NewCounter(
		"config_adoptions_total",
		"Cluster configs adopted from peers",
	)

	PlacementsTotal = NewCounterVec(
		"placements_total",
		"Placement decisions by result",
		[]string{"result"},
	)
	CapacityExclusionsTotal = NewCounter(
		"capacity_exclusions_total",
		"Candidates excluded by capacity",
	)
	UnderReplicatedItems = NewGauge(
		"under_replicated_items",
		"Placement records below their replica target",
	)
	MigrationsTotal = NewCounterVec(
		"migrations_total",
		"Key migrations by result",
		[]string{"result"},
	)
	MigrationDurationSeconds = NewHistogramWithBuckets(
		"migration_duration_seconds",
		"Per-key migration duration in seconds",
		MigrationBuckets,
	)
	EvictionsTotal = NewCounter(
		"evictions_total",
		"Local copies evicted after migration",
	)

	LocalItems = NewGauge(
		"local_items",
		"Items held by this node",
	)
	LocalBytes = NewGauge(
		"local_bytes",
		"Bytes held by this node",
	)
	StaleClientResponsesTotal = NewCounter(
		"stale_client_responses_total",
		"Client responses carrying a refreshed cluster config",
	)
	WorkerPoolTasksTotal = NewCounterVec(
		"workerpool_tasks_total",
		"Worker pool tasks by pool and result",
		[]string{"pool", "result"},
	)
	PublishedEventsTotal = NewCounterVec(
		"published_events_total",
		"Topology events by result",
		[]string{"result"},
	)
}
