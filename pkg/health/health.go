// Package health implements ProtocolAdapters.health_probe (spec.md §4.8): a
// TCP reachability probe the Vless, Shadowsocks, HttpProxy and Socks5
// adapters' HealthProbe methods run against their own
// ServerInstance.ListenPort to decide Healthy vs Unreachable (the WireGuard
// adapter dials its UDP port itself instead), which pkg/scheduler uses to drive the Running->Degraded->Failed state
// machine.
package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Result is the outcome of one reachability probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// TCPChecker dials Address and reports success on a bare TCP connect. The
// TCP-based protocols (VLESS+Reality, Shadowsocks, HTTP/SOCKS5) speak their
// own framing on top of a plain TCP socket, so a connect-only probe is
// sufficient for them; WireGuard runs over UDP and its adapter does not use
// this checker. None of them expose an HTTP health endpoint the way
// the teacher's containers did, which is why there is no HTTPChecker here.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a TCPChecker with a 5 second default timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// WithTimeout overrides the default connect timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// Check dials t.Address, closing the connection immediately on success.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
