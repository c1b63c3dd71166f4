package redis

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeRedis is a minimal in-process RESP server used to drive Connection,
// Pipeline, Subscription Engine, and Lock Manager tests without a live
// Redis dependency. It understands just enough of the command surface
// exercised by command.go and lock.go. Grounded on the request/reply
// framing tidwall-redcon's server conn writer exposes (WriteString,
// WriteBulk, WriteInt, WriteArray, WriteError), reimplemented minimally
// here since this is a test double rather than a production server.
type fakeRedis struct {
	mu      sync.Mutex
	kv      map[string][]byte
	hashes  map[string]map[string]int64
	lists   map[string][][]byte
	subs    map[string]map[*fakeConn]bool
	psubs   map[string]map[*fakeConn]bool
	ssubs   map[string]map[*fakeConn]bool
	ln      net.Listener
}

type fakeConn struct {
	nc      net.Conn
	srv     *fakeRedis
	wmu     sync.Mutex
	inMulti bool
	queued  [][]string
}

func startFakeRedis(t *testing.T) (addr string, srv *fakeRedis) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake redis listen: %v", err)
	}
	srv = &fakeRedis{
		kv:     map[string][]byte{},
		hashes: map[string]map[string]int64{},
		lists:  map[string][][]byte{},
		subs:   map[string]map[*fakeConn]bool{},
		psubs:  map[string]map[*fakeConn]bool{},
		ssubs:  map[string]map[*fakeConn]bool{},
		ln:     ln,
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			fc := &fakeConn{nc: nc, srv: srv}
			go fc.serve()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), srv
}

func (fc *fakeConn) serve() {
	r := bufio.NewReader(fc.nc)
	for {
		reply, err := decodeReply(r)
		if err != nil {
			fc.srv.dropConn(fc)
			return
		}
		if reply.Type != array || len(reply.Array) == 0 {
			continue
		}
		args := make([]string, len(reply.Array))
		for i, e := range reply.Array {
			args[i] = string(e.Bulk)
		}
		fc.dispatch(strings.ToUpper(args[0]), args[1:])
	}
}

func (srv *fakeRedis) dropConn(fc *fakeConn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, reg := range []map[string]map[*fakeConn]bool{srv.subs, srv.psubs, srv.ssubs} {
		for name, conns := range reg {
			delete(conns, fc)
			if len(conns) == 0 {
				delete(reg, name)
			}
		}
	}
}

func (fc *fakeConn) writeRaw(b []byte) {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	fc.nc.Write(b)
}

func simpleStr(s string) []byte { return []byte("+" + s + "\r\n") }
func errorMsg(s string) []byte  { return []byte("-" + s + "\r\n") }
func intReply(n int64) []byte    { return []byte(fmt.Sprintf(":%d\r\n", n)) }
func nilBulk() []byte           { return []byte("$-1\r\n") }

func bulk(b []byte) []byte {
	if b == nil {
		return nilBulk()
	}
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(b), b))
}

func arrayOf(elems ...[]byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(elems))
	for _, e := range elems {
		buf.Write(e)
	}
	return buf.Bytes()
}

func matchPattern(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

func (fc *fakeConn) dispatch(cmd string, args []string) {
	if fc.inMulti && cmd != "EXEC" && cmd != "MULTI" && cmd != "DISCARD" {
		fc.queued = append(fc.queued, append([]string{cmd}, args...))
		fc.writeRaw(simpleStr("QUEUED"))
		return
	}

	switch cmd {
	case "MULTI":
		fc.inMulti = true
		fc.queued = nil
		fc.writeRaw(simpleStr("OK"))

	case "DISCARD":
		fc.inMulti = false
		fc.queued = nil
		fc.writeRaw(simpleStr("OK"))

	case "EXEC":
		fc.inMulti = false
		elems := make([][]byte, 0, len(fc.queued))
		for _, q := range fc.queued {
			elems = append(elems, fc.execOne(q[0], q[1:]))
		}
		fc.queued = nil
		fc.writeRaw(arrayOf(elems...))

	case "SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE":
		fc.srv.mu.Lock()
		registry := fc.srv.registryFor(cmd)
		tag := strings.ToLower(cmd)
		for _, name := range args {
			if registry[name] == nil {
				registry[name] = map[*fakeConn]bool{}
			}
			registry[name][fc] = true
			count := fc.srv.totalSubs(fc)
			fc.writeRaw(arrayOf(bulk([]byte(tag)), bulk([]byte(name)), intReply(int64(count))))
		}
		fc.srv.mu.Unlock()

	case "UNSUBSCRIBE", "PUNSUBSCRIBE", "SUNSUBSCRIBE":
		fc.srv.mu.Lock()
		registry := fc.srv.registryFor(cmd)
		tag := strings.ToLower(cmd)
		names := args
		if len(names) == 0 {
			for name, conns := range registry {
				if conns[fc] {
					names = append(names, name)
				}
			}
		}
		if len(names) == 0 {
			count := fc.srv.totalSubs(fc)
			fc.writeRaw(arrayOf(bulk([]byte(tag)), nilBulk(), intReply(int64(count))))
		}
		for _, name := range names {
			if conns, ok := registry[name]; ok {
				delete(conns, fc)
				if len(conns) == 0 {
					delete(registry, name)
				}
			}
			count := fc.srv.totalSubs(fc)
			fc.writeRaw(arrayOf(bulk([]byte(tag)), bulk([]byte(name)), intReply(int64(count))))
		}
		fc.srv.mu.Unlock()

	case "PUBLISH":
		channel, msg := args[0], []byte(args[1])
		fc.srv.mu.Lock()
		count := int64(0)
		for c := range fc.srv.subs[channel] {
			c.writeRaw(arrayOf(bulk([]byte("message")), bulk([]byte(channel)), bulk(msg)))
			count++
		}
		for pattern, conns := range fc.srv.psubs {
			if !matchPattern(pattern, channel) {
				continue
			}
			for c := range conns {
				c.writeRaw(arrayOf(bulk([]byte("pmessage")), bulk([]byte(pattern)), bulk([]byte(channel)), bulk(msg)))
				count++
			}
		}
		for c := range fc.srv.ssubs[channel] {
			c.writeRaw(arrayOf(bulk([]byte("smessage")), bulk([]byte(channel)), bulk(msg)))
			count++
		}
		fc.srv.mu.Unlock()
		fc.writeRaw(intReply(count))

	default:
		fc.writeRaw(fc.execOne(cmd, args))
	}
}

func (srv *fakeRedis) registryFor(cmd string) map[string]map[*fakeConn]bool {
	switch cmd {
	case "PSUBSCRIBE", "PUNSUBSCRIBE":
		return srv.psubs
	case "SSUBSCRIBE", "SUNSUBSCRIBE":
		return srv.ssubs
	default:
		return srv.subs
	}
}

// totalSubs must be called with srv.mu held.
func (srv *fakeRedis) totalSubs(fc *fakeConn) int {
	n := 0
	for _, reg := range []map[string]map[*fakeConn]bool{srv.subs, srv.psubs, srv.ssubs} {
		for _, conns := range reg {
			if conns[fc] {
				n++
			}
		}
	}
	return n
}

// execOne computes the RESP-encoded reply for one non-pub/sub command.
// Called both for directly dispatched commands and for each command queued
// inside a MULTI/EXEC block.
func (fc *fakeConn) execOne(cmd string, args []string) []byte {
	srv := fc.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch cmd {
	case "PING":
		return simpleStr("PONG")
	case "AUTH", "SELECT", "READONLY":
		return simpleStr("OK")

	case "SET":
		key, val := args[0], []byte(args[1])
		nx := false
		var ttl int64
		for i := 2; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "NX":
				nx = true
			case "PX":
				i++
				if i < len(args) {
					ttl, _ = strconv.ParseInt(args[i], 10, 64)
				}
			}
		}
		_ = ttl // the fake server does not expire keys; tests don't depend on it
		if nx {
			if _, exists := srv.kv[key]; exists {
				return nilBulk()
			}
		}
		srv.kv[key] = val
		return simpleStr("OK")

	case "GET":
		v, ok := srv.kv[args[0]]
		if !ok {
			return nilBulk()
		}
		return bulk(v)

	case "DEL":
		n := int64(0)
		for _, k := range args {
			if _, ok := srv.kv[k]; ok {
				delete(srv.kv, k)
				n++
			}
		}
		return intReply(n)

	case "EXISTS":
		if _, ok := srv.kv[args[0]]; ok {
			return intReply(1)
		}
		return intReply(0)

	case "MGET":
		elems := make([][]byte, len(args))
		for i, k := range args {
			if v, ok := srv.kv[k]; ok {
				elems[i] = bulk(v)
			} else {
				elems[i] = nilBulk()
			}
		}
		return arrayOf(elems...)

	case "INCR":
		n, _ := strconv.ParseInt(string(srv.kv[args[0]]), 10, 64)
		n++
		srv.kv[args[0]] = []byte(strconv.FormatInt(n, 10))
		return intReply(n)

	case "HINCRBY":
		key, field := args[0], args[1]
		delta, _ := strconv.ParseInt(args[2], 10, 64)
		if srv.hashes[key] == nil {
			srv.hashes[key] = map[string]int64{}
		}
		srv.hashes[key][field] += delta
		return intReply(srv.hashes[key][field])

	case "LPUSH":
		key := args[0]
		for _, v := range args[1:] {
			srv.lists[key] = append([][]byte{[]byte(v)}, srv.lists[key]...)
		}
		return intReply(int64(len(srv.lists[key])))

	case "LPOP":
		list := srv.lists[args[0]]
		if len(list) == 0 {
			return nilBulk()
		}
		v := list[0]
		srv.lists[args[0]] = list[1:]
		return bulk(v)

	case "RPOP":
		list := srv.lists[args[0]]
		if len(list) == 0 {
			return nilBulk()
		}
		v := list[len(list)-1]
		srv.lists[args[0]] = list[:len(list)-1]
		return bulk(v)

	case "EVAL":
		// Only the compare-and-delete lock release script is exercised.
		// args = [script, numkeys, key, token].
		key, token := args[2], args[3]
		if string(srv.kv[key]) == token {
			delete(srv.kv, key)
			return intReply(1)
		}
		return intReply(0)

	case "INFO":
		return bulk([]byte("cluster_enabled:0\r\n"))

	default:
		return errorMsg("ERR unknown command '" + cmd + "'")
	}
}
