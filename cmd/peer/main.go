package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/services"
	"eterlink/internal/infrastructure/monitoring"
	relay "eterlink/internal/infrastructure/signal"
	"eterlink/pkg/config"
	"eterlink/pkg/logger"
	"eterlink/pkg/retry"
	"eterlink/pkg/utils"
	"eterlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usage = `commands:
  /dial CODE [tunnel]   connect to CODE (over the encrypted tunnel with "tunnel")
  /ping CODE            measure the round trip to CODE
  /introduce TO CODE    ask TO to connect to CODE
  /peers                list connections
  /reset                restart signaling
  /quit                 exit
anything else is sent to every open connection`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	id := flag.String("id", "", "peer code to register (random when empty)")
	server := flag.String("server", "", "peer code of the hub to join")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *id != "" {
		cfg.Peer.ID = *id
	}
	if *server != "" {
		cfg.Peer.ServerID = *server
	}
	if cfg.Peer.ID == "" {
		cfg.Peer.ID = utils.GeneratePeerCode(0)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Using default configuration", "path", *configPath, "error", err)
	}

	if err := validation.ValidatePeerID(cfg.Peer.ID); err != nil {
		log.Fatalw("Invalid peer code", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := relay.RelayAPI{
		Host:   cfg.Peer.Host,
		Port:   cfg.Peer.Port,
		Path:   cfg.Peer.Path,
		Secure: cfg.Peer.Secure,
		Key:    cfg.Peer.Key,
		Retry:  retry.DefaultConfig(),
	}

	iceServers := configuredICEServers(cfg)
	if cfg.Peer.FetchICEConfig {
		cache := relay.NewICEConfigCache(api, cfg.WebRTC.ICEConfigTTL, log)
		fetched, err := cache.Servers(ctx)
		if err != nil {
			log.Warnw("Falling back to configured ICE servers", "error", err)
		} else if len(fetched) > 0 {
			iceServers = fetched
		}
	}

	if cfg.Peer.ServerID != "" && !relay.CheckPeer(ctx, api, domain.PeerID(cfg.Peer.ServerID)) {
		log.Warnw("Hub is not registered yet, will keep retrying", "server_id", cfg.Peer.ServerID)
	}

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewSessionCollector(reg)

	clientOpts := relay.DefaultClientOptions()
	clientOpts.PortRangeMin = cfg.WebRTC.PortRange.Min
	clientOpts.PortRangeMax = cfg.WebRTC.PortRange.Max

	session, err := services.NewSession(services.SessionConfig{
		ID:         domain.PeerID(cfg.Peer.ID),
		ServerID:   domain.PeerID(cfg.Peer.ServerID),
		Host:       cfg.Peer.Host,
		Port:       cfg.Peer.Port,
		Path:       cfg.Peer.Path,
		Secure:     cfg.Peer.Secure,
		Key:        cfg.Peer.Key,
		ICEServers: iceServers,
		Options: services.SessionOptions{
			ForceWebsocket: cfg.Peer.ForceWebsocket,
			ForceTURN:      cfg.Peer.ForceTURN,
			DropICE:        cfg.Peer.DropICE,
		},
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		Backoff: retry.Backoff{
			Base:        cfg.Session.BackoffBase,
			MaxExponent: cfg.Session.BackoffMaxExponent,
		},
		MaxIDRetries:     cfg.Session.MaxIDRetries,
		MaxPeerRetries:   cfg.Session.MaxPeerRetries,
		MaxSignalRetries: cfg.Session.MaxSignalRetries,
		TunnelQueueLimit: cfg.Session.TunnelQueueLimit,
	},
		services.WithLogger(log),
		services.WithMetrics(metrics),
		services.WithSignalerFactory(relay.NewSignalerFactory(clientOpts, log)),
	)
	if err != nil {
		log.Fatalw("Failed to start session", "error", err)
	}
	defer session.Destroy()

	printEvents(session)

	var srv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		srv = serveMetrics(cfg.Monitoring.PrometheusAddress, reg, session, log)
	}

	lines := make(chan string)
	go readLines(lines)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("peer %s (%s)\n%s\n", cfg.Peer.ID, roleName(cfg), usage)
loop:
	for {
		select {
		case sig := <-sigChan:
			log.Infow("Received shutdown signal", "signal", sig)
			break loop
		case line, ok := <-lines:
			if !ok || !handleLine(session, line) {
				break loop
			}
		}
	}

	session.Destroy()
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during metrics server shutdown", "error", err)
		}
	}
}

func roleName(cfg *config.Config) string {
	if cfg.Peer.ServerID != "" {
		return "client of " + cfg.Peer.ServerID
	}
	return "hub"
}

func configuredICEServers(cfg *config.Config) []domain.ICEServer {
	servers := make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func printEvents(session *services.Session) {
	session.Subscribe(services.EventOpen, func(ev services.Event) {
		fmt.Printf("* registered as %s\n", ev.(services.OpenEvent).ID)
	})
	session.Subscribe(services.EventStatus, func(ev services.Event) {
		fmt.Printf("* status %s\n", ev.(services.StatusEvent).Status)
	})
	session.Subscribe(services.EventQuality, func(ev services.Event) {
		fmt.Printf("* quality %d\n", ev.(services.QualityEvent).Quality)
	})
	session.Subscribe(services.EventConnect, func(ev services.Event) {
		c := ev.(services.ConnectEvent).Conn
		fmt.Printf("* connected to %s over %s\n", c.Peer(), c.Tier())
	})
	session.Subscribe(services.EventClose, func(ev services.Event) {
		e := ev.(services.CloseEvent)
		fmt.Printf("* %s closed (local=%t)\n", e.Conn.Peer(), e.Local)
	})
	session.Subscribe(services.EventData, func(ev services.Event) {
		e := ev.(services.DataEvent)
		fmt.Printf("<%s> %s\n", e.Conn.Peer(), e.Payload)
	})
	session.Subscribe(services.EventError, func(ev services.Event) {
		e := ev.(services.ErrorEvent)
		if e.Err != nil {
			fmt.Printf("! %s: %v\n", e.Type, e.Err)
		} else {
			fmt.Printf("! %s\n", e.Type)
		}
	})
	session.Subscribe(services.EventRetry, func(services.Event) {
		fmt.Println("* signaling reset")
	})
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one console line. It returns false on /quit.
func handleLine(session *services.Session, line string) bool {
	line = utils.SanitizeString(line)
	if utils.IsEmpty(line) {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		session.SendToAll(map[string]string{"event": "message", "text": line})
		return true
	}

	fields := strings.Fields(line)
	arg := func(i int) domain.PeerID {
		if i < len(fields) {
			return domain.PeerID(fields[i])
		}
		return ""
	}

	switch fields[0] {
	case "/quit":
		return false
	case "/dial":
		if arg(1) == "" {
			fmt.Println("usage: /dial CODE [tunnel]")
			return true
		}
		session.Dial(arg(1), arg(2) == "tunnel")
	case "/ping":
		peer := arg(1)
		if err := session.Ping(peer); err != nil {
			fmt.Printf("! ping %s: %v\n", peer, err)
			return true
		}
		go reportRTT(session, peer)
	case "/introduce":
		if err := session.Introduce(arg(1), arg(2)); err != nil {
			fmt.Printf("! introduce: %v\n", err)
		}
	case "/peers":
		for _, c := range session.Connections() {
			fmt.Printf("  %s tier=%s open=%t quality=%d rtt=%s\n",
				c.Peer(), c.Tier(), c.IsOpen(), c.Quality(), utils.FormatDuration(c.LastRTT()))
		}
	case "/reset":
		session.Reset()
	default:
		fmt.Println(usage)
	}
	return true
}

func reportRTT(session *services.Session, peer domain.PeerID) {
	c, ok := session.Connection(peer)
	if !ok {
		return
	}
	before := c.LastRTT()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if rtt := c.LastRTT(); rtt != before && rtt > 0 {
			fmt.Printf("* rtt to %s: %s\n", peer, utils.FormatDuration(rtt))
			return
		}
	}
	fmt.Printf("! no ping-ack from %s\n", peer)
}

func serveMetrics(addr string, reg *prometheus.Registry, session *services.Session, log *zap.SugaredLogger) *http.Server {
	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(session.Status)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status.Status,
			"peer":    session.ID(),
			"session": session.Status(),
			"quality": session.Quality(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Infow("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
