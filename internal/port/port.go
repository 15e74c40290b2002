package port

import (
	"fmt"
	"net"
	"strconv"
)

// NoAvailablePortError is returned when every port in the probed range is taken.
type NoAvailablePortError struct {
	Host  string
	Start int
	End   int
}

func (e *NoAvailablePortError) Error() string {
	return fmt.Sprintf("no available port on %s in range %d-%d", e.Host, e.Start, e.End)
}

// IsAvailable reports whether host:port can be bound right now.
// The probe listener is closed before returning.
func IsAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailablePort probes start..end (inclusive) sequentially and returns the
// first port that binds on host. Nothing stays bound after the call returns.
func FindAvailablePort(start, end int, host string) (int, error) {
	if start <= 0 || end > 65535 || end < start {
		return 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	for p := start; p <= end; p++ {
		if IsAvailable(host, p) {
			return p, nil
		}
	}
	return 0, &NoAvailablePortError{Host: host, Start: start, End: end}
}
