package transport

import (
	"net"
	"strings"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// UDPTuneResult reports what TuneUDPBuffers asked the kernel for.
type UDPTuneResult struct {
	RequestedRead  int
	RequestedWrite int
	Status         string
	Err            string
}

// TuneUDPBuffers resizes the socket buffers of conn on a best-effort basis.
// Zero leaves a direction alone; other values are clamped to a sane range.
// The kernel may silently cap the result further.
func TuneUDPBuffers(conn *net.UDPConn, read, write int) UDPTuneResult {
	result := UDPTuneResult{Status: StatusNA}
	if conn == nil || (read == 0 && write == 0) {
		return result
	}
	result.Status = StatusOK

	var errs []string
	if read != 0 {
		result.RequestedRead = clampUDPBuffer(read)
		if err := conn.SetReadBuffer(result.RequestedRead); err != nil {
			errs = append(errs, "read: "+err.Error())
		}
	}
	if write != 0 {
		result.RequestedWrite = clampUDPBuffer(write)
		if err := conn.SetWriteBuffer(result.RequestedWrite); err != nil {
			errs = append(errs, "write: "+err.Error())
		}
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	return min(max(n, minUDPBuffer), maxUDPBuffer)
}
