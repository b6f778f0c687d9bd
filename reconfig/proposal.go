package reconfig

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
)

var (
	// ErrStaleEpoch rejects a configuration older than the local one
	ErrStaleEpoch   = errors.New("stale epoch")
	ErrJoinRejected = errors.New("join rejected")
	ErrNoSeeds      = errors.New("no seed node reachable")
)

// Phase is the progress of a proposal
type Phase int32

const (
	Proposed Phase = iota
	RingRebuilt
	Committed
	Propagated
	Converged
	Abandoned
)

func (p Phase) String() string {
	switch p {
	case Proposed:
		return "proposed"
	case RingRebuilt:
		return "ring-rebuilt"
	case Committed:
		return "committed"
	case Propagated:
		return "propagated"
	case Converged:
		return "converged"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Proposal is one attempt to move the cluster from BaseEpoch to
// Config.Epoch.
type Proposal struct {
	ID        string
	BaseEpoch uint64
	Config    *topology.ClusterConfig
	Reason    string
	Created   time.Time

	phase atomic.Int32
}

func (p *Proposal) Phase() Phase {
	return Phase(p.phase.Load())
}

// advance moves the proposal forward; finished proposals never move again
func (p *Proposal) advance(to Phase) bool {
	for {
		cur := Phase(p.phase.Load())
		if cur == Converged || cur == Abandoned || cur >= to {
			return false
		}
		if p.phase.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Done reports whether the proposal converged or was abandoned
func (p *Proposal) Done() bool {
	ph := p.Phase()
	return ph == Converged || ph == Abandoned
}
