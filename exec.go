package redis

// execute is the narrow function described in spec.md §4.4: given a
// Connection and an encoded request, it performs the drain/ensure-live/
// write/read/classify sequence (delegated to Connection.Exchange, which
// already holds the per-connection mutex for that sequence) and
// classifies the result. A ServerError is returned as-is; any other
// decode/IO failure has already been normalized to ErrConnectionClosed by
// the Connection.
func execute(conn *Connection, req *request) (Reply, error) {
	reply, err := conn.Exchange(req)
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func executeOK(conn *Connection, req *request) error {
	_, err := execute(conn, req)
	return err
}

func executeInt(conn *Connection, req *request) (int64, error) {
	reply, err := execute(conn, req)
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

func executeBulk(conn *Connection, req *request) ([]byte, error) {
	reply, err := execute(conn, req)
	if err != nil {
		return nil, err
	}
	if reply.IsNil() {
		return nil, nil
	}
	return reply.Bulk, nil
}

func executeArray(conn *Connection, req *request) ([]Reply, error) {
	reply, err := execute(conn, req)
	if err != nil {
		return nil, err
	}
	if reply.IsNil() {
		return nil, nil
	}
	return reply.Array, nil
}
