package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"eterlink/internal/core/domain"
	apperrors "eterlink/pkg/errors"
	"eterlink/pkg/retry"
	"eterlink/pkg/utils"
	"eterlink/pkg/validation"

	"go.uber.org/zap"
)

// RelayAPI addresses the HTTP side of a relay.
type RelayAPI struct {
	Host   string
	Port   int
	Path   string
	Secure bool
	Key    string

	Client *http.Client
	Retry  retry.Config
}

func (a RelayAPI) endpoint(suffix string) string {
	scheme := "http"
	if a.Secure {
		scheme = "https"
	}
	host := a.Host
	if a.Port > 0 {
		host = net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     strings.TrimSuffix(a.Path, "/") + "/peerjs" + suffix,
		RawQuery: url.Values{"key": {a.Key}}.Encode(),
	}
	return u.String()
}

func (a RelayAPI) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// FetchICEConfig asks the relay for its STUN/TURN servers, retrying transient
// failures. Entries with unusable URLs are dropped.
func FetchICEConfig(ctx context.Context, api RelayAPI, logger *zap.SugaredLogger) (domain.ICEConfig, error) {
	cfg := api.Retry
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, domain.ErrInvalidKey)

	ice, err := retry.RetryWithResult(ctx, cfg, func() (domain.ICEConfig, error) {
		var out domain.ICEConfig
		return out, getJSON(ctx, api, "/iceconfig", &out)
	})
	if err != nil {
		return domain.ICEConfig{}, fmt.Errorf("failed to fetch ICE config: %w", err)
	}

	servers := ice.ICEServers[:0]
	for _, s := range ice.ICEServers {
		urls := s.URLs[:0]
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				logger.Warnw("Ignoring ICE server", "url", u, "error", err)
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) > 0 {
			s.URLs = urls
			servers = append(servers, s)
		}
	}
	ice.ICEServers = servers
	return ice, nil
}

// CheckPeer reports whether code is currently registered with the relay.
// Any failure counts as absent.
func CheckPeer(ctx context.Context, api RelayAPI, code domain.PeerID) bool {
	var out struct {
		Online bool `json:"online"`
	}
	if err := getJSON(ctx, api, "/peers/"+url.PathEscape(string(code)), &out); err != nil {
		return false
	}
	return out.Online
}

func getJSON(ctx context.Context, api RelayAPI, suffix string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.endpoint(suffix), nil)
	if err != nil {
		return err
	}
	resp, err := api.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if apperrors.ErrorCode(body.Error) == apperrors.ErrCodeInvalidKey {
			return domain.ErrInvalidKey
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ICEConfigCache keeps the last fetched server list until ttl elapses or its
// credentials expire.
type ICEConfigCache struct {
	api    RelayAPI
	ttl    time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.Mutex
	cached    domain.ICEConfig
	fetchedAt time.Time
}

func NewICEConfigCache(api RelayAPI, ttl time.Duration, logger *zap.SugaredLogger) *ICEConfigCache {
	return &ICEConfigCache{api: api, ttl: ttl, logger: logger, now: time.Now}
}

// Servers returns the cached list, refreshing it when stale. A failed refresh
// falls back to the stale list if there is one.
func (c *ICEConfigCache) Servers(ctx context.Context) ([]domain.ICEServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fresh := !c.fetchedAt.IsZero() && !utils.IsExpired(c.fetchedAt, now, c.ttl) && !c.cached.Expired(now)
	if fresh {
		return c.cached.ICEServers, nil
	}

	ice, err := FetchICEConfig(ctx, c.api, c.logger)
	if err != nil {
		if len(c.cached.ICEServers) > 0 {
			c.logger.Warnw("Using stale ICE config", "error", err)
			return c.cached.ICEServers, nil
		}
		return nil, err
	}
	c.cached, c.fetchedAt = ice, now
	return ice.ICEServers, nil
}
