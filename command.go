package redis

// Package-level command helpers. spec.md §1 places the full catalog of
// command wrappers out of scope, as trivial argument-packing external
// collaborators; this file keeps a representative subset, in the
// teacher's wrapper style, sufficient to exercise the Codec, Router,
// Pipeline, Subscription Engine, and Lock Manager from tests and from
// cmd/reget.

// GET executes <https://redis.io/commands/get>. The return is nil if the
// key does not exist.
func (c *Client) GET(key string) ([]byte, error) {
	conn, err := c.route([]string{key}, false, false)
	if err != nil {
		return nil, err
	}
	req := newRequest("GET", key)
	defer req.free()
	return executeBulk(conn, req)
}

// SET executes <https://redis.io/commands/set>.
func (c *Client) SET(key string, value []byte) error {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return err
	}
	req := newRequest("SET", key, value)
	defer req.free()
	return executeOK(conn, req)
}

// DEL executes <https://redis.io/commands/del> for a single key.
func (c *Client) DEL(key string) (int64, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return 0, err
	}
	req := newRequest("DEL", key)
	defer req.free()
	return executeInt(conn, req)
}

// MGET executes <https://redis.io/commands/mget>. All keys must share a
// hash slot in cluster mode; cross-slot keys fail ErrCrossSlot.
func (c *Client) MGET(keys ...string) ([][]byte, error) {
	conn, err := c.route(keys, false, false)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	req := newRequest("MGET", args...)
	defer req.free()
	elems, err := executeArray(conn, req)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(elems))
	for i, e := range elems {
		if !e.IsNil() {
			out[i] = e.Bulk
		}
	}
	return out, nil
}

// INCR executes <https://redis.io/commands/incr>.
func (c *Client) INCR(key string) (int64, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return 0, err
	}
	req := newRequest("INCR", key)
	defer req.free()
	return executeInt(conn, req)
}

// HINCRBY executes <https://redis.io/commands/hincrby>. field is always an
// explicit parameter: spec.md §9 flags the source's implicit/undefined
// field reference as a bug, not a behavior to carry forward.
func (c *Client) HINCRBY(key, field string, delta int64) (int64, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return 0, err
	}
	req := newRequest("HINCRBY", key, field, delta)
	defer req.free()
	return executeInt(conn, req)
}

// LPUSH executes <https://redis.io/commands/lpush>.
func (c *Client) LPUSH(key string, values ...[]byte) (int64, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return 0, err
	}
	args := make([]interface{}, 0, 1+len(values))
	args = append(args, key)
	for _, v := range values {
		args = append(args, v)
	}
	req := newRequest("LPUSH", args...)
	defer req.free()
	return executeInt(conn, req)
}

// LPOP executes <https://redis.io/commands/lpop>.
func (c *Client) LPOP(key string) ([]byte, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return nil, err
	}
	req := newRequest("LPOP", key)
	defer req.free()
	return executeBulk(conn, req)
}

// RPOP executes <https://redis.io/commands/rpop>.
func (c *Client) RPOP(key string) ([]byte, error) {
	conn, err := c.route([]string{key}, true, false)
	if err != nil {
		return nil, err
	}
	req := newRequest("RPOP", key)
	defer req.free()
	return executeBulk(conn, req)
}

// AUTH executes <https://redis.io/commands/auth>.
func (c *Client) AUTH(password string) error {
	conn, err := c.route([]string{"*"}, true, false)
	if err != nil {
		return err
	}
	req := newRequest("AUTH", password)
	defer req.free()
	return executeOK(conn, req)
}

// PUBLISH executes <https://redis.io/commands/publish>.
func (c *Client) PUBLISH(channel string, message []byte) (int64, error) {
	conn, err := c.route([]string{channel}, true, false)
	if err != nil {
		return 0, err
	}
	req := newRequest("PUBLISH", channel, message)
	defer req.free()
	return executeInt(conn, req)
}
