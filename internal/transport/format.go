package transport

import "fmt"

// FormatBufferSize renders a socket buffer size for logs.
func FormatBufferSize(n int) string {
	const (
		kib = 1024
		mib = 1024 * kib
	)
	switch {
	case n <= 0:
		return "default"
	case n%mib == 0:
		return fmt.Sprintf("%dMiB", n/mib)
	case n%kib == 0:
		return fmt.Sprintf("%dKiB", n/kib)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
