package redis

import "sort"

// pipelineEntry is one (ordinal, node identifier, encoded bytes) triple
// per spec.md §3 "Pipeline".
type pipelineEntry struct {
	ordinal int
	conn    *Connection
	req     *request
	inside  bool // true for MULTI and every entry between it and EXEC
}

// Pipeline accumulates commands routed across one or more node Connections
// and flushes them per node, re-sorting replies into submission order
// (spec.md §4.5).
type Pipeline struct {
	router Router

	filterMultiExec bool
	insideMulti     bool

	nextOrdinal int
	entries     []pipelineEntry
}

// NewPipeline creates a Pipeline over router. When filterMultiExec is
// enabled, MULTI's own reply and the server's QUEUED acknowledgements for
// the commands inside the block are dropped from the merged result; the
// EXEC reply (the array of queued results) is kept, per spec.md §4.5
// "Edge policies".
func NewPipeline(router Router, filterMultiExec bool) *Pipeline {
	return &Pipeline{router: router, filterMultiExec: filterMultiExec}
}

// Add routes cmd to a node, encodes it, and appends it to the buffer.
// Keys within one entry must share a hash slot; cross-slot keys across
// different entries are legal, since each entry is routed independently
// (spec.md §4.5 "Edge policies"). MULTI and EXEC carry no keys of their
// own; callers pass the transaction body's key(s) so the scaffolding
// lands on the same node as the commands it brackets.
func (p *Pipeline) Add(keys []string, write, replica bool, cmd string, args ...interface{}) error {
	conn, err := p.router.route(keys, write, replica)
	if err != nil {
		return err
	}

	p.nextOrdinal++
	entry := pipelineEntry{
		ordinal: p.nextOrdinal,
		conn:    conn,
		req:     newRequest(cmd, args...),
	}

	if p.filterMultiExec {
		switch cmd {
		case "MULTI":
			// MULTI's own +OK is scaffolding and is dropped, same as the
			// QUEUED replies for commands strictly inside the block. EXEC
			// is deliberately NOT marked: its reply is the array of real
			// results for everything queued in between, and that array is
			// what the merged output surfaces for the whole block.
			p.insideMulti = true
			entry.inside = true
		case "EXEC":
			p.insideMulti = false
		default:
			entry.inside = p.insideMulti
		}
	}

	p.entries = append(p.entries, entry)
	return nil
}

// flushResult pairs a decoded reply with its originating entry.
type flushResult struct {
	ordinal int
	inside  bool
	reply   Reply
	err     error
}

// Flush groups buffered requests by node (preserving per-node order),
// issues each node's batch under its Connection mutex, and re-sorts
// replies into submission order. If any target Connection is subscribed,
// it fails ErrSubscribedConnection before any write. batchSize, when
// nonzero, bounds how many requests are written/read per round trip on a
// single node, to limit socket-buffer pressure.
func (p *Pipeline) Flush(batchSize int) ([]Reply, error) {
	defer p.reset()

	if len(p.entries) == 0 {
		return nil, nil
	}

	byConn := map[*Connection][]pipelineEntry{}
	var order []*Connection
	for _, e := range p.entries {
		if _, ok := byConn[e.conn]; !ok {
			order = append(order, e.conn)
		}
		byConn[e.conn] = append(byConn[e.conn], e)
	}

	for _, conn := range order {
		if conn.IsSubscribed() {
			return nil, ErrSubscribedConnection
		}
	}

	results := make([]flushResult, 0, len(p.entries))
	for _, conn := range order {
		batch := byConn[conn]
		replies, err := flushNodeBatch(conn, batch, batchSize)
		if err != nil {
			return nil, err
		}
		for i, e := range batch {
			results = append(results, flushResult{ordinal: e.ordinal, inside: e.inside, reply: replies[i]})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ordinal < results[j].ordinal })

	out := make([]Reply, 0, len(results))
	for _, r := range results {
		if p.filterMultiExec && r.inside {
			continue
		}
		out = append(out, r.reply)
	}
	return out, nil
}

// flushNodeBatch writes a node's requests (optionally chunked to
// batchSize) and reads exactly that many replies back, in issue order.
// Each chunk is sent and read under a single hold of conn's mutex
// (Connection.exchangeBatch), so a concurrent Exchange on the same
// Connection can never interleave its own write/read inside the batch.
func flushNodeBatch(conn *Connection, batch []pipelineEntry, batchSize int) ([]Reply, error) {
	chunk := len(batch)
	if batchSize > 0 && batchSize < chunk {
		chunk = batchSize
	}

	replies := make([]Reply, 0, len(batch))
	for start := 0; start < len(batch); start += chunk {
		end := start + chunk
		if end > len(batch) {
			end = len(batch)
		}
		sub := batch[start:end]

		reqs := make([]*request, len(sub))
		for i, e := range sub {
			reqs[i] = e.req
		}
		chunkReplies, err := conn.exchangeBatch(reqs)
		if err != nil {
			return nil, err
		}
		replies = append(replies, chunkReplies...)
	}
	return replies, nil
}

func (p *Pipeline) reset() {
	for _, e := range p.entries {
		e.req.free()
	}
	p.entries = nil
	p.nextOrdinal = 0
	p.insideMulti = false
}
