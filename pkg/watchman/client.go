package watchman

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grovetools/buildwatch/pkg/bser"
)

// Client is a connected handle to the daemon. It sends one structured query
// at a time and returns the decoded key/value response. Field-level errors
// (an "error" entry in the response) are the caller's to interpret; Query
// only fails on transport or decode problems.
type Client interface {
	Query(ctx context.Context, query ...interface{}) (map[string]interface{}, error)
	Close() error
}

// Connector obtains a connected Client for a discovered socket path. It is
// injected into Build so the negotiation, registration, and clock stages can
// be tested against a scripted daemon with no real process or socket.
type Connector func(ctx context.Context, sockPath string) (Client, error)

// Connect is the production Connector: it dials the daemon's unix socket and
// returns a BSER-speaking client.
func Connect(ctx context.Context, sockPath string) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, err
	}
	return &socketClient{conn: conn}, nil
}

// socketClient speaks BSER PDUs over the daemon's unix socket. The daemon
// answers queries in order, so a mutex serializes round trips.
type socketClient struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *socketClient) Query(ctx context.Context, query ...interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	pdu, err := bser.EncodePDU([]interface{}(query))
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(pdu); err != nil {
		return nil, err
	}

	for {
		raw, err := bser.DecodePDU(c.conn)
		if err != nil {
			return nil, err
		}
		resp, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("watchman: response is %T, expected a map", raw)
		}
		// Unilateral PDUs (log lines, subscription events) can arrive
		// interleaved with the answer to our query; skip them.
		if _, ok := resp["log"]; ok {
			continue
		}
		if _, ok := resp["subscription"]; ok {
			continue
		}
		return resp, nil
	}
}

func (c *socketClient) Close() error {
	return c.conn.Close()
}
