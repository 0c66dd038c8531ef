package services

import (
	"eterlink/internal/core/domain"
)

const (
	retryClassSignaling  = "signaling"
	retryClassIdentifier = "identifier"
	retryClassPeer       = "peer"
)

// onSignalError applies the recovery policy for a classified signaling failure.
func (s *Session) onSignalError(err *domain.SignalError) {
	s.log.Warnw("Signaling error",
		"type", string(err.Type),
		"peer_id", err.Peer,
		"error", err.Message,
	)

	switch err.Type {
	case domain.SignalErrDisconnected, domain.SignalErrNetwork, domain.SignalErrServer, domain.SignalErrSocket:
		s.retrySignaling(true)
	case domain.SignalErrUnavailableID:
		s.retryIdentifier(err)
	case domain.SignalErrBrowserIncompatible:
		s.terminate(domain.ErrorIncompatible, err)
	case domain.SignalErrPeerUnavailable:
		// A hub may itself be the addressed endpoint, so only the designated
		// server is retried.
		if s.cfg.ServerID != "" && (err.Peer == "" || err.Peer == s.cfg.ServerID) {
			s.retryConnection(s.cfg.ServerID, err)
		}
	case domain.SignalErrWebRTC:
	default:
		s.retryReset()
	}
	s.update()
}

// retrySignaling reconnects the signaling link after the backoff delay.
// Without a live client it builds a fresh one instead.
func (s *Session) retrySignaling(reconnect bool) {
	n, ok := s.signalRetry.Next()
	if !ok {
		s.log.Errorw("Signaling retries exhausted", "attempts", n)
		s.destroySignaler()
		s.closeAll()
		s.terminate(domain.ErrorSignalingUnavailable, domain.ErrSignalingClosed)
		return
	}
	s.metrics.RetryScheduled(retryClassSignaling)
	s.scheduleRetry(&s.linkRetry, s.cfg.Backoff.Delay(n), func() {
		if !reconnect || s.signaler == nil {
			s.destroySignaler()
			s.createSignaler()
			return
		}
		if err := s.signaler.Reconnect(); err != nil {
			s.log.Warnw("Signaling reconnect failed", "error", err)
			s.retrySignaling(true)
		}
	})
}

// retryIdentifier resets the session after the backoff delay while another
// client still holds our identifier. Once the budget is spent the link and
// every connection are torn down.
func (s *Session) retryIdentifier(err error) {
	n, ok := s.idRetry.Next()
	if !ok {
		s.destroySignaler()
		s.closeAll()
		s.terminate(domain.ErrorIDInUse, err)
		return
	}
	s.metrics.RetryScheduled(retryClassIdentifier)
	s.scheduleRetry(&s.linkRetry, s.cfg.Backoff.Delay(n), s.reset)
}

func (s *Session) retryReset() {
	n, ok := s.signalRetry.Next()
	if !ok {
		s.destroySignaler()
		s.closeAll()
		s.terminate(domain.ErrorSignalingUnavailable, domain.ErrSignalingClosed)
		return
	}
	s.metrics.RetryScheduled(retryClassSignaling)
	s.scheduleRetry(&s.linkRetry, s.cfg.Backoff.Delay(n), s.reset)
}

// retryConnection closes the connection to peer and dials it again after the
// backoff delay.
func (s *Session) retryConnection(peer domain.PeerID, err error) {
	n, ok := s.peerRetry.Next()
	if !ok {
		s.terminate(domain.ErrorPeerNotFound, err)
		return
	}

	if old, exists := s.conns[peer]; exists {
		delete(s.conns, peer)
		old.connection().close(true)
	}

	s.metrics.RetryScheduled(retryClassPeer)
	s.log.Infow("Retrying connection", "peer_id", peer, "attempt", n+1)
	s.scheduleRetry(&s.peerRedial, s.cfg.Backoff.Delay(n), func() {
		s.dial(peer, s.cfg.Options.ForceWebsocket)
	})
}

// terminate declares a failure no retry can fix. The session stays failed
// until Reset.
func (s *Session) terminate(kind domain.ErrorKind, err error) {
	if s.failed && s.lastError == kind {
		return
	}
	s.log.Errorw("Session failed", "kind", string(kind), "error", err)
	s.failed = true
	s.linkRetry.stop()
	s.peerRedial.stop()
	s.setError(kind, err)
	s.update()
}
