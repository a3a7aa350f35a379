// Package eventlog implements the durable append-only event store:
// monotonic event ids, a canonical authenticated codec, segmented on-disk
// storage with crash recovery, a query/projection engine, and a background
// integrity monitor.
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// IDGenerator produces strictly increasing event ids within a process.
// IDs have the form "<ns_timestamp>_<counter>_<node_id>" and compare by
// (ns_timestamp, counter). Uniqueness across nodes is the operator's
// responsibility via distinct node ids.
type IDGenerator struct {
	mu      sync.Mutex
	nodeID  string
	lastNS  int64
	counter int
	now     func() int64 // injected for tests
}

// NewIDGenerator creates a generator stamped with the given node id.
func NewIDGenerator(nodeID string) *IDGenerator {
	if nodeID == "" {
		nodeID = "node0"
	}
	return &IDGenerator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

// Next returns the next strictly increasing event id. If the clock appears
// to jump backward, the previous timestamp is reused and only the counter
// advances, so emitted ids never decrease.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now > g.lastNS {
		g.lastNS = now
		g.counter = 0
	} else {
		g.counter++
	}
	return fmt.Sprintf("%d_%06d_%s", g.lastNS, g.counter, g.nodeID)
}
