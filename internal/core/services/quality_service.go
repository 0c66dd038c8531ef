package services

import (
	"time"

	"eterlink/internal/core/domain"
)

const (
	QualityClosed = 0
	QualityTunnel = 1
	QualityRelay  = 2
	QualityDirect = 3
)

type QualityService struct {
	latencyThresholds map[string]time.Duration
}

func NewQualityService() *QualityService {
	return &QualityService{
		latencyThresholds: map[string]time.Duration{
			"high":   100 * time.Millisecond,
			"medium": 300 * time.Millisecond,
		},
	}
}

// ConnectionQuality scores one connection: its tier while open, 0 otherwise.
func (qs *QualityService) ConnectionQuality(tier domain.Tier, open bool) int {
	if !open {
		return QualityClosed
	}
	switch tier {
	case domain.TierDirect:
		return QualityDirect
	case domain.TierRelay:
		return QualityRelay
	case domain.TierTunnel:
		return QualityTunnel
	default:
		return QualityClosed
	}
}

// SessionQuality is the best quality over the given connections.
func (qs *QualityService) SessionQuality(conns []*Connection) int {
	best := QualityClosed
	for _, c := range conns {
		if q := qs.ConnectionQuality(c.Tier(), c.IsOpen()); q > best {
			best = q
		}
	}
	return best
}

// SessionStatus derives readiness. A hub is ready with any open connection; a
// client only once its server connection is open.
func (qs *QualityService) SessionStatus(failed bool, server domain.PeerID, conns map[domain.PeerID]*Connection) domain.Status {
	if failed {
		return domain.StatusFailed
	}
	if server != "" {
		if c, ok := conns[server]; ok && c.IsOpen() {
			return domain.StatusReady
		}
		return domain.StatusConnecting
	}
	for _, c := range conns {
		if c.IsOpen() {
			return domain.StatusReady
		}
	}
	return domain.StatusConnecting
}

// LatencyGrade buckets a measured round trip into high, medium or low.
func (qs *QualityService) LatencyGrade(rtt time.Duration) string {
	if rtt <= 0 {
		return "unknown"
	}
	if rtt <= qs.latencyThresholds["high"] {
		return "high"
	}
	if rtt <= qs.latencyThresholds["medium"] {
		return "medium"
	}
	return "low"
}
