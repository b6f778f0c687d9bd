package replication

import (
	"slices"
	"sort"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/puzpuzpuz/xsync/v3"
)

// Status is the replication state of one placement record
type Status string

const (
	FullyReplicated Status = "fully-replicated"
	UnderReplicated Status = "under-replicated"
	Migrating       Status = "migrating"
)

// Record is the placement of one key. Replicas are ordered primary first.
type Record struct {
	Key      string            `json:"key"`
	Size     uint64            `json:"size"`
	Version  uint64            `json:"version"`
	Replicas []topology.NodeID `json:"replicas"`
	Want     int               `json:"want"`
	Status   Status            `json:"status"`
	Epoch    uint64            `json:"epoch"`
}

// Primary returns the first replica
func (r Record) Primary() (topology.NodeID, bool) {
	if len(r.Replicas) == 0 {
		return 0, false
	}
	return r.Replicas[0], true
}

// Holds reports whether id is one of the replicas
func (r Record) Holds(id topology.NodeID) bool {
	return slices.Contains(r.Replicas, id)
}

func statusFor(replicas, want int) Status {
	if replicas < want {
		return UnderReplicated
	}
	return FullyReplicated
}

// Records holds placement records for every key this node has a copy of
type Records struct {
	m *xsync.MapOf[string, Record]
}

func NewRecords() *Records {
	return &Records{m: xsync.NewMapOf[string, Record]()}
}

func (r *Records) Get(key string) (Record, bool) {
	return r.m.Load(key)
}

// Put stores a copy of rec
func (r *Records) Put(rec Record) {
	rec.Replicas = slices.Clone(rec.Replicas)
	r.m.Store(rec.Key, rec)
}

// SetStatus updates only the status of an existing record
func (r *Records) SetStatus(key string, status Status) {
	r.m.Compute(key, func(old Record, loaded bool) (Record, bool) {
		if !loaded {
			return old, true
		}
		old.Status = status
		return old, false
	})
}

func (r *Records) Delete(key string) {
	r.m.Delete(key)
}

func (r *Records) Len() int {
	return r.m.Size()
}

// All returns every record ordered by key
func (r *Records) All() []Record {
	out := make([]Record, 0, r.m.Size())
	r.m.Range(func(_ string, rec Record) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// UnderReplicated returns records below their target, ordered by key
func (r *Records) UnderReplicated() []Record {
	var out []Record
	r.m.Range(func(_ string, rec Record) bool {
		if rec.Status == UnderReplicated {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CountUnderReplicated returns how many records are below target
func (r *Records) CountUnderReplicated() int {
	n := 0
	r.m.Range(func(_ string, rec Record) bool {
		if rec.Status == UnderReplicated {
			n++
		}
		return true
	})
	return n
}
