package redis

import (
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// Message is a Subscription Message as defined in spec.md §3: a tagged
// record for a pushed data message (channel/pattern/shard) or a control
// notification (subscribe/unsubscribe acknowledgement).
type Message struct {
	Type    string // "message", "pmessage", "smessage", or a control type
	Pattern string // set only for "pmessage"
	Channel string // channel or shard-channel name; control name-or-nil
	Payload []byte
	Count   int64 // control notifications carry the remaining subscription count
}

func (m Message) isData() bool {
	return m.Type == "message" || m.Type == "pmessage" || m.Type == "smessage"
}

func (m Message) isUnsubscribeNotice() bool {
	switch m.Type {
	case "unsubscribe", "punsubscribe", "sunsubscribe":
		return true
	}
	return false
}

// subKind selects which of the three subscription families a call targets.
type subKind int

const (
	subChannel subKind = iota
	subPattern
	subShard
)

func (k subKind) subscribeCmd() string {
	switch k {
	case subPattern:
		return "PSUBSCRIBE"
	case subShard:
		return "SSUBSCRIBE"
	default:
		return "SUBSCRIBE"
	}
}

func (k subKind) unsubscribeCmd() string {
	switch k {
	case subPattern:
		return "PUNSUBSCRIBE"
	case subShard:
		return "SUNSUBSCRIBE"
	default:
		return "UNSUBSCRIBE"
	}
}

func (k subKind) set(c *Connection) map[string]struct{} {
	switch k {
	case subPattern:
		return c.subscribedPatterns
	case subShard:
		return c.subscribedShards
	default:
		return c.subscribedChannels
	}
}

// Handler processes one data message.
type Handler func(Message)

// StopPredicate reports whether the subscription loop should exit after
// handling a given data message.
type StopPredicate func(Message) bool

// ErrorHandler is the single extension point for handling a loop error; its
// default (DefaultErrorHandler) re-raises by returning the error unchanged.
type ErrorHandler func(error) error

// DefaultErrorHandler re-raises the error as-is.
func DefaultErrorHandler(err error) error { return err }

// Subscribe implements spec.md §4.6: SUBSCRIBE and its PSUBSCRIBE/SSUBSCRIBE
// variants. It is a blocking call on the caller's goroutine; callers wrap it
// in `go` if they want to keep issuing commands on other connections.
//
// One Connection can host exactly one active subscription at a time: if
// conn is already subscribed, Subscribe fails ErrSubscribedConnection
// synchronously with no state change.
func Subscribe(conn *Connection, names []string, handler Handler, stop StopPredicate, onError ErrorHandler, log zerolog.Logger) error {
	return subscribe(conn, subChannel, names, handler, stop, onError, log)
}

// PSubscribe is the pattern-subscription variant of Subscribe.
func PSubscribe(conn *Connection, patterns []string, handler Handler, stop StopPredicate, onError ErrorHandler, log zerolog.Logger) error {
	return subscribe(conn, subPattern, patterns, handler, stop, onError, log)
}

// SSubscribe is the shard-subscription variant of Subscribe.
func SSubscribe(conn *Connection, shardChannels []string, handler Handler, stop StopPredicate, onError ErrorHandler, log zerolog.Logger) error {
	return subscribe(conn, subShard, shardChannels, handler, stop, onError, log)
}

func subscribe(conn *Connection, kind subKind, names []string, handler Handler, stop StopPredicate, onError ErrorHandler, log zerolog.Logger) error {
	if onError == nil {
		onError = DefaultErrorHandler
	}

	conn.mu.Lock()
	if conn.isSubscribed {
		conn.mu.Unlock()
		return ErrSubscribedConnection
	}
	active := kind.set(conn)
	for _, name := range names {
		active[name] = struct{}{}
	}
	conn.isSubscribed = true
	conn.mu.Unlock()

	// abort undoes the setup above when SUBSCRIBE cannot be written, so the
	// flag and the subscription set stay in step.
	abort := func() {
		conn.mu.Lock()
		for k := range active {
			delete(active, k)
		}
		conn.isSubscribed = false
		conn.mu.Unlock()
	}

	req := newRequest(kind.subscribeCmd(), toArgs(names)...)
	defer req.free()
	rc := conn.rawConn()
	if rc == nil {
		abort()
		return ErrConnectionClosed
	}
	if _, err := rc.Write(req.buf); err != nil {
		abort()
		return err
	}

	err := receptionLoop(conn, kind, active, handler, stop, onError, log)
	teardown(conn, kind, active, err, log)
	return err
}

func toArgs(names []string) []interface{} {
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	return args
}

// isIOError distinguishes a transport-level failure (remote abort, a
// Close() from another goroutine, a decode error on a corrupted stream)
// from any other error an ErrorHandler chooses to re-raise, per spec.md
// §4.6 step 5's differing teardown paths: an IO-class exit leaves the
// Connection broken for the caller to observe, while anything else gets a
// fresh reconnect so the Connection is immediately usable again.
func isIOError(err error) bool {
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	if errors.Is(err, ErrDecode) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func receptionLoop(conn *Connection, kind subKind, active map[string]struct{}, handler Handler, stop StopPredicate, onError ErrorHandler, log zerolog.Logger) error {
	for {
		reply, err := conn.Recv()
		if err != nil {
			if wrapped := onError(err); wrapped != nil {
				return wrapped
			}
			continue
		}

		msg, ok := decodeMessage(reply)
		if !ok {
			continue // protocol noise, ignored at the subscriber level
		}

		if msg.isData() {
			conn.mu.Lock()
			_, stillActive := active[dataKey(kind, msg)]
			conn.mu.Unlock()
			if !stillActive {
				continue
			}
			handler(msg)
			if stop != nil && stop(msg) {
				return nil
			}
			continue
		}

		if msg.isUnsubscribeNotice() {
			conn.mu.Lock()
			if msg.Channel == "" {
				for k := range active {
					delete(active, k)
				}
			} else {
				delete(active, msg.Channel)
			}
			empty := len(active) == 0
			conn.mu.Unlock()
			if empty {
				return nil
			}
			continue
		}
		// other control replies (e.g. the initial subscribe ack) are noise
	}
}

func dataKey(kind subKind, msg Message) string {
	if kind == subPattern {
		return msg.Pattern
	}
	return msg.Channel
}

// teardown runs the cleanup spec.md §4.6 step 5 describes: if names remain
// active and the socket is live, drain server-side registrations with
// UNSUBSCRIBE; always clear the owned sets and mark not-subscribed; then
// either reconnect (non-IO exit) or leave the Connection broken (IO exit)
// so the caller observes the failure.
func teardown(conn *Connection, kind subKind, active map[string]struct{}, loopErr error, log zerolog.Logger) {
	conn.mu.Lock()
	remaining := make([]string, 0, len(active))
	for name := range active {
		remaining = append(remaining, name)
	}
	live := conn.state == stateReady
	conn.mu.Unlock()

	if len(remaining) > 0 && live {
		req := newRequest(kind.unsubscribeCmd(), toArgs(remaining)...)
		if rc := conn.rawConn(); rc != nil {
			rc.Write(req.buf)
		}
		req.free()
	}

	conn.mu.Lock()
	for k := range active {
		delete(active, k)
	}
	conn.isSubscribed = false
	conn.mu.Unlock()

	if loopErr == nil {
		return
	}
	if isIOError(loopErr) {
		conn.markBroken()
		log.Warn().Err(loopErr).Msg("subscription loop exited on IO error; connection left broken")
		return
	}
	if err := conn.reconnect(); err != nil {
		log.Warn().Err(err).Msg("subscription loop reconnect failed")
	}
}

// decodeMessage interprets a push-style RESP array as a Subscription
// Message (spec.md §3). It returns ok=false for any shape that is not one
// of the recognized pub/sub push/control arrays.
func decodeMessage(r Reply) (Message, bool) {
	if r.Type != array || len(r.Array) < 2 {
		return Message{}, false
	}
	if r.Array[0].Type != bulkString {
		return Message{}, false
	}
	kind := string(r.Array[0].Bulk)

	switch kind {
	case "message":
		if len(r.Array) < 3 {
			return Message{}, false
		}
		return Message{Type: kind, Channel: string(r.Array[1].Bulk), Payload: r.Array[2].Bulk}, true

	case "pmessage":
		if len(r.Array) < 4 {
			return Message{}, false
		}
		return Message{Type: kind, Pattern: string(r.Array[1].Bulk), Channel: string(r.Array[2].Bulk), Payload: r.Array[3].Bulk}, true

	case "smessage":
		if len(r.Array) < 3 {
			return Message{}, false
		}
		return Message{Type: kind, Channel: string(r.Array[1].Bulk), Payload: r.Array[2].Bulk}, true

	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe", "ssubscribe", "sunsubscribe":
		if len(r.Array) < 3 {
			return Message{}, false
		}
		m := Message{Type: kind, Count: r.Array[2].Int}
		if !r.Array[1].IsNil() {
			m.Channel = string(r.Array[1].Bulk)
		}
		return m, true
	}
	return Message{}, false
}
