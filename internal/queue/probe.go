package queue

import (
	"fmt"
	"net"
	"time"
)

// Probe checks broker reachability with a bounded-timeout TCP connect.
//
// It deliberately stays below the Redis protocol: backend selection must not
// depend on broker auth state, only on the listener being there.
func Probe(addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	_ = conn.Close()
	return nil
}
