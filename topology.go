package redis

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ClusterHandle is the mapping from node identifier to {Connection, role}
// plus the Slot Map (spec.md §3). Node entries do not record their own slot
// range; slot ownership is held only in the Slot Map. It is constructed once by
// Attach/Refresh and is read-only until an explicit topology refresh,
// which atomically swaps in a new clusterTopology (spec.md §5 "Shared
// resource policy").
type ClusterHandle struct {
	topo   atomic.Pointer[clusterTopology]
	params ConnParams // template for dialing newly discovered nodes
	log    zerolog.Logger
}

func (h *ClusterHandle) current() *clusterTopology {
	return h.topo.Load()
}

// Close closes every node Connection in the current topology.
func (h *ClusterHandle) Close() error {
	topo := h.current()
	var first error
	for _, n := range topo.nodes {
		if err := n.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Attach discovers whether the remote at seed is a standalone instance or
// a cluster (spec.md §6 "Cluster discovery"): it issues INFO CLUSTER and
// inspects cluster_enabled. If disabled, it returns a Router backed by a
// single standalone Connection. If enabled, it issues CLUSTER SLOTS,
// opens one Connection per distinct node, and builds the Slot Map.
func Attach(seed ConnParams) (Router, error) {
	seedConn, err := Open(seed)
	if err != nil {
		return nil, err
	}

	enabled, err := clusterEnabled(seedConn)
	if err != nil {
		seedConn.Close()
		return nil, err
	}
	if !enabled {
		return newStandaloneRouter(seedConn), nil
	}

	h := &ClusterHandle{params: seed, log: seed.Logger}
	if err := h.refreshFrom(seedConn); err != nil {
		seedConn.Close()
		return nil, err
	}
	return newClusterRouter(h), nil
}

func clusterEnabled(conn *Connection) (bool, error) {
	req := newRequest("INFO", "CLUSTER")
	defer req.free()
	reply, err := execute(conn, req)
	if err != nil {
		return false, err
	}
	info := string(reply.Bulk)
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "cluster_enabled:") {
			v := strings.TrimPrefix(line, "cluster_enabled:")
			return strings.TrimSpace(v) == "1", nil
		}
	}
	return false, nil
}

// Refresh re-discovers the topology via CLUSTER SLOTS on any currently
// known node and atomically swaps the result in.
func (h *ClusterHandle) Refresh() error {
	topo := h.current()
	for _, n := range topo.nodes {
		if err := h.refreshFrom(n.conn); err == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: topology refresh failed against all known nodes")
}

func (h *ClusterHandle) refreshFrom(conn *Connection) error {
	req := newRequest("CLUSTER", "SLOTS")
	defer req.free()
	slotsReply, err := execute(conn, req)
	if err != nil {
		return err
	}

	old := h.current()
	newTopo := &clusterTopology{
		nodes: map[string]*clusterNode{},
		slots: newClusterSlotMap(),
	}

	reused := map[string]*Connection{}
	if old != nil {
		for id, n := range old.nodes {
			reused[id] = n.conn
		}
	}
	// the seed connection passed to Attach/Refresh is itself a node.
	seedAddr := conn.params.addr()
	reused[seedAddr] = conn

	for _, entry := range slotsReply.Array {
		if len(entry.Array) < 3 {
			continue
		}
		start := int(entry.Array[0].Int)
		end := int(entry.Array[1].Int)

		var ids []string
		for i := 2; i < len(entry.Array); i++ {
			desc := entry.Array[i].Array
			if len(desc) < 2 {
				continue
			}
			host := string(desc[0].Bulk)
			port := strconv.FormatInt(desc[1].Int, 10)
			id := host + ":" + port
			role := "replica"
			if i == 2 {
				role = "primary"
			}

			nodeConn, ok := reused[id]
			if !ok {
				p := h.params
				p.Host, p.Port = host, port
				nodeConn, err = Open(p)
				if err != nil {
					h.log.Warn().Err(err).Str("node", id).Msg("redis cluster node unreachable during refresh")
					continue
				}
				reused[id] = nodeConn
			}

			newTopo.nodes[id] = &clusterNode{id: id, conn: nodeConn, role: role}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			newTopo.slots.set(start, end, ids)
		}
	}

	// close connections to nodes that dropped out of the topology
	for id, c := range reused {
		if _, ok := newTopo.nodes[id]; !ok {
			c.Close()
		}
	}

	h.topo.Store(newTopo)
	return nil
}
