package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPeerIDLength bounds peer codes accepted by the relay.
	MaxPeerIDLength = 64
	MaxAPIKeyLength = 128
)

var (
	// PeerIDRegex validates peer codes: alphanumerics with inner '-', '_' or ' '.
	PeerIDRegex = regexp.MustCompile(`^[A-Za-z0-9]+(?:[ _-][A-Za-z0-9]+)*$`)

	// APIKeyRegex validates relay API keys
	APIKeyRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ValidatePeerID validates a peer code
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateAPIKey validates a relay API key
func ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key is required")
	}
	if len(key) > MaxAPIKeyLength {
		return fmt.Errorf("API key is too long (max %d characters)", MaxAPIKeyLength)
	}
	if !APIKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid API key format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	}
	return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn or turns)", scheme)
}

// ValidatePort validates a TCP/UDP port
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
