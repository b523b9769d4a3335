// Package probe implements low-level TCP port checks against the backend
// target. Probe failures are deliberately indistinguishable from "not in
// use": a broken probe must never block startup logic.
package probe

import (
	"fmt"
	"net"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// dialTimeout bounds a single connectivity probe.
const dialTimeout = 500 * time.Millisecond

// InUse reports whether something is listening on host:port. Connection
// refusal and all other errors count as "not in use".
func InUse(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), dialTimeout)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}

// OwnerPID looks up the pid of the process bound to the given local port.
// Best effort: returns false when the lookup is unavailable (restricted
// environments) or no listener matches. Diagnostics only - callers must
// not base control decisions on it.
func OwnerPID(port int) (int32, bool) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return 0, false
	}

	for _, conn := range conns {
		if conn.Laddr.Port == uint32(port) && conn.Status == "LISTEN" && conn.Pid > 0 {
			return conn.Pid, true
		}
	}

	return 0, false
}
