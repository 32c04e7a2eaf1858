package transport

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	minQUICIdleTimeout = 5 * time.Second
	maxQUICIdleTimeout = 10 * time.Minute
)

// QUICTuneResult reports the effective datagram session settings.
type QUICTuneResult struct {
	IdleTimeout time.Duration
	KeepAlive   time.Duration
	Status      string
}

// BuildQUICConfig derives a datagram-only config from base without
// modifying it. Streams are disabled: frames travel exclusively as
// unreliable DATAGRAM frames.
func BuildQUICConfig(base *quic.Config, idle time.Duration) (*quic.Config, QUICTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}
	idle = clampQUICIdleTimeout(idle)
	cfg.EnableDatagrams = true
	cfg.MaxIdleTimeout = idle
	cfg.KeepAlivePeriod = idle / 3
	cfg.MaxIncomingStreams = -1
	cfg.MaxIncomingUniStreams = -1

	return cfg, QUICTuneResult{
		IdleTimeout: idle,
		KeepAlive:   cfg.KeepAlivePeriod,
		Status:      StatusOK,
	}
}

func clampQUICIdleTimeout(d time.Duration) time.Duration {
	return min(max(d, minQUICIdleTimeout), maxQUICIdleTimeout)
}
