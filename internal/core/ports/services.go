package ports

import (
	"time"

	"eterlink/internal/core/domain"
)

// SessionMetrics receives session measurements. The prometheus collector
// implements it; sessions default to a no-op recorder.
type SessionMetrics interface {
	SetStatus(status domain.Status)
	SetQuality(quality int)
	ConnectionOpened(tier domain.Tier)
	ConnectionClosed(tier domain.Tier)
	RetryScheduled(class string)
	RecordRTT(peer domain.PeerID, rtt time.Duration)
	TunnelDecryptFailed()
}

// RelayMetrics receives relay server measurements.
type RelayMetrics interface {
	PeerConnected()
	PeerDisconnected()
	MessageRouted(t domain.MessageType, local bool)
	MessageExpired()
	IDConflict()
	RateLimited()
}
