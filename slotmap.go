package redis

import "github.com/redisedge/goredis/internal/crc16"

const numSlots = 16384

// NumSlots is the fixed hash-slot space size Redis Cluster partitions keys
// over.
const NumSlots = numSlots

// KeySlot returns the hash slot in [0, NumSlots) for key, honoring the
// "{tag}" hash-tag convention described in spec.md §4.3 and the GLOSSARY.
func KeySlot(key string) int {
	return crc16.Slot(key)
}

// slotMap maps each slot in {0,...,16383} to ordered node identifiers
// (primary first, replicas after); a slot that no set call covered holds
// none. Only clusterRouter uses a slotMap: standaloneRouter resolves every
// slot to its single Connection without one.
type slotMap struct {
	nodes [numSlots][]string
}

func newClusterSlotMap() *slotMap {
	return &slotMap{}
}

func (m *slotMap) set(start, end int, nodeIDs []string) {
	for s := start; s <= end; s++ {
		m.nodes[s] = nodeIDs
	}
}

// nodesFor returns the ordered node identifiers (primary first) owning
// slot.
func (m *slotMap) nodesFor(slot int) []string {
	return m.nodes[slot]
}

// primaryFor returns the primary node identifier owning slot, or "" if the
// slot is unassigned.
func (m *slotMap) primaryFor(slot int) string {
	ids := m.nodes[slot]
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// replicasFor returns the replica node identifiers (excluding the primary)
// owning slot.
func (m *slotMap) replicasFor(slot int) []string {
	ids := m.nodes[slot]
	if len(ids) <= 1 {
		return nil
	}
	return ids[1:]
}
