package redis

import (
	"fmt"
	"math/rand"
)

// Router decides which Connection should receive a command, given its key
// list and read/write/replica-read intent. Per spec.md §9's redesign note,
// both standalone and cluster topologies implement the same interface
// instead of being distinguished by runtime type checks.
type Router interface {
	// route resolves keys to a single Connection. keys == ["*"] requests
	// cluster-wide fan-out semantics: an arbitrary primary for a write, or
	// an arbitrary node otherwise.
	route(keys []string, write, replica bool) (*Connection, error)
	// forEachPrimary invokes fn once per primary node connection.
	forEachPrimary(fn func(*Connection) error) error
	// forEachNode invokes fn once per node connection, primaries and
	// replicas alike.
	forEachNode(fn func(*Connection) error) error
}

// commonSlot computes the single hash slot shared by all keys, honoring
// hash tags. It fails ErrCrossSlot if the keys resolve to different slots.
func commonSlot(keys []string) (int, error) {
	if len(keys) == 0 {
		return -1, fmt.Errorf("redis: route requires at least one key")
	}
	slot := KeySlot(keys[0])
	for _, k := range keys[1:] {
		if KeySlot(k) != slot {
			return -1, ErrCrossSlot
		}
	}
	return slot, nil
}

func isWildcard(keys []string) bool {
	return len(keys) == 1 && keys[0] == "*"
}

// standaloneRouter always resolves to the single configured Connection. It
// still validates hash-tag consistency so application code written against
// the Router interface is portable to a cluster deployment.
type standaloneRouter struct {
	conn *Connection
}

func newStandaloneRouter(conn *Connection) *standaloneRouter {
	return &standaloneRouter{conn: conn}
}

func (r *standaloneRouter) route(keys []string, write, replica bool) (*Connection, error) {
	if !isWildcard(keys) {
		if _, err := commonSlot(keys); err != nil {
			return nil, err
		}
	}
	return r.conn, nil
}

func (r *standaloneRouter) forEachPrimary(fn func(*Connection) error) error {
	return fn(r.conn)
}

func (r *standaloneRouter) forEachNode(fn func(*Connection) error) error {
	return fn(r.conn)
}

// clusterNode pairs a Connection with its cluster role. Slot ownership
// itself lives in the Slot Map, not here; routing never consults a node's
// own range, only slots.primaryFor/replicasFor.
type clusterNode struct {
	id   string
	conn *Connection
	role string // "primary" or "replica"
}

// clusterTopology is the read-mostly, atomically swapped view a
// clusterRouter consults: mapping from node identifier to clusterNode, plus
// the slot map. Topology.refresh (topology.go) builds a new instance and
// swaps it in; readers never mutate it in place.
type clusterTopology struct {
	nodes map[string]*clusterNode
	slots *slotMap
}

type clusterRouter struct {
	handle *ClusterHandle
}

func newClusterRouter(h *ClusterHandle) *clusterRouter {
	return &clusterRouter{handle: h}
}

func (r *clusterRouter) route(keys []string, write, replica bool) (*Connection, error) {
	topo := r.handle.current()

	if isWildcard(keys) {
		if write {
			for _, n := range topo.nodes {
				if n.role == "primary" {
					return n.conn, nil
				}
			}
			return nil, fmt.Errorf("redis: no primary node available")
		}
		for _, n := range topo.nodes {
			return n.conn, nil
		}
		return nil, fmt.Errorf("redis: no node available")
	}

	slot, err := commonSlot(keys)
	if err != nil {
		return nil, err
	}

	if !write && replica {
		replicaIDs := topo.slots.replicasFor(slot)
		if len(replicaIDs) > 0 {
			id := replicaIDs[rand.Intn(len(replicaIDs))]
			if n, ok := topo.nodes[id]; ok {
				if err := n.conn.ensureReadOnly(); err != nil {
					return nil, err
				}
				return n.conn, nil
			}
		}
		// fall through to the primary if no replica is available
	}

	primaryID := topo.slots.primaryFor(slot)
	n, ok := topo.nodes[primaryID]
	if !ok {
		return nil, fmt.Errorf("redis: no primary known for slot %d", slot)
	}
	return n.conn, nil
}

func (r *clusterRouter) forEachPrimary(fn func(*Connection) error) error {
	topo := r.handle.current()
	for _, n := range topo.nodes {
		if n.role != "primary" {
			continue
		}
		if err := fn(n.conn); err != nil {
			return err
		}
	}
	return nil
}

func (r *clusterRouter) forEachNode(fn func(*Connection) error) error {
	topo := r.handle.current()
	for _, n := range topo.nodes {
		if err := fn(n.conn); err != nil {
			return err
		}
	}
	return nil
}
