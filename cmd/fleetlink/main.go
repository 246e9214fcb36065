package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/darshan-rambhia/fleetlink/internal/api"
	"github.com/darshan-rambhia/fleetlink/internal/auth"
	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/config"
	"github.com/darshan-rambhia/fleetlink/internal/enroll"
	"github.com/darshan-rambhia/fleetlink/internal/ingest"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/monitor"
	"github.com/darshan-rambhia/fleetlink/internal/notify"
	"github.com/darshan-rambhia/fleetlink/internal/store"
	"github.com/darshan-rambhia/fleetlink/internal/tunnel"
	"golang.org/x/sync/errgroup"

	_ "github.com/darshan-rambhia/fleetlink/docs/swagger"
)

// @title Fleetlink API
// @version 1.0
// @description Device enrollment, tunnel provisioning and telemetry ingestion
// @host localhost:3000
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to fleetlink.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	issueToken := flag.String("issue-token", "", "print an operator token for the given subject and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("fleetlink %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp fleetlink.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel, cfg.LogFormat)

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			slog.Error("configuring auth", "error", err)
			os.Exit(1)
		}
	}
	if *issueToken != "" {
		if verifier == nil {
			fmt.Fprintln(os.Stderr, "error: auth.jwt_secret is not configured")
			os.Exit(1)
		}
		tok, err := verifier.Issue(*issueToken, auth.RoleOperator, auth.DefaultTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		os.Exit(0)
	}

	slog.Info("starting fleetlink",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
		"tunnel_mode", cfg.Tunnel.Mode,
	)

	if err := run(cfg, verifier); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}

	slog.Info("fleetlink stopped gracefully")
}

func setupLogging(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config, verifier *auth.Verifier) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := bootstrapOrganizations(ctx, st, cfg.Organizations); err != nil {
		return err
	}

	c := cache.New()
	fleet, err := st.LoadFleet(ctx)
	if err != nil {
		return fmt.Errorf("loading fleet: %w", err)
	}
	c.Load(fleet)

	pool, err := cfg.Tunnel.Pool()
	if err != nil {
		return fmt.Errorf("address pool: %w", err)
	}
	prov, serverKey, err := provisioner(cfg.Tunnel)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	g, ctx := errgroup.WithContext(ctx)

	if cfg.NATS.URL != "" {
		nc, err := broadcast.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		sink := broadcast.NewNATSSink(nc, cfg.NATS.SubjectPrefix)
		g.Go(func() error { return hub.RunSink(ctx, sink) })
	}

	coord := enroll.NewCoordinator(st, pool, prov, hub, c, enroll.Config{
		ProvisionTimeout: cfg.Tunnel.Timeout.Duration,
		ClaimTTL:         cfg.ClaimTTL.Duration,
	})
	in := ingest.New(st, hub, c)

	pruner := store.NewPruner(st, store.RetentionConfig{
		Rollups: cfg.Retention.Rollups.Duration,
		Facts:   cfg.Retention.Facts.Duration,
		Reports: cfg.Retention.Reports.Duration,
	})
	g.Go(func() error { return pruner.Run(ctx) })

	providers := buildProviders(cfg.Notifications)
	mon := monitor.New(st, c, hub, coord, providers, monitorConfig(cfg.Monitor))
	g.Go(func() error { return mon.Run(ctx) })

	server := api.NewServer(api.Config{
		Addr:                  cfg.Listen,
		APIURL:                cfg.APIURL,
		TunnelServerPublicKey: serverKey,
		TunnelServerEndpoint:  cfg.Tunnel.ServerEndpoint,
		HeartbeatInterval:     cfg.HeartbeatInterval.Duration,
		RateLimitRequests:     cfg.RateLimit.Requests,
		RateLimitPer:          cfg.RateLimit.Per.Duration,
		RateLimitBurst:        cfg.RateLimit.Burst,
		TrustProxy:            cfg.TrustProxy,
		Verifier:              verifier,
	}, c, st, coord, in, hub)
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"devices", len(fleet),
		"organizations", len(cfg.Organizations),
		"notifications", len(providers),
		"nats", cfg.NATS.URL != "",
		"auth", verifier != nil,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// provisioner returns the tunnel provisioner for the configured mode and the
// server public key handed to enrolling devices.
func provisioner(cfg config.TunnelConfig) (tunnel.Provisioner, string, error) {
	wg := tunnel.DefaultConfig()
	wg.Interface = cfg.Interface
	wg.Keepalive = cfg.Keepalive

	switch cfg.Mode {
	case config.TunnelCommand:
		return tunnel.NewWireGuard(tunnel.LocalRunner{}, wg), cfg.ServerPublicKey, nil
	case config.TunnelSSH:
		runner, err := tunnel.NewSSHRunner(tunnel.SSHConfig{
			Host:    cfg.SSH.Host,
			User:    cfg.SSH.User,
			KeyPath: cfg.SSH.KeyPath,
		})
		if err != nil {
			return nil, "", fmt.Errorf("tunnel ssh: %w", err)
		}
		return tunnel.NewWireGuard(runner, wg), cfg.ServerPublicKey, nil
	default:
		key := cfg.ServerPublicKey
		if key == "" {
			_, pub, err := tunnel.GenerateKeyPair()
			if err != nil {
				return nil, "", fmt.Errorf("generating server key: %w", err)
			}
			key = pub
			slog.Warn("tunnel running in memory mode with a generated server key", "public_key", key)
		}
		return tunnel.NewMemory(), key, nil
	}
}

func bootstrapOrganizations(ctx context.Context, st *store.Store, orgs []config.OrganizationConfig) error {
	for _, o := range orgs {
		orgID, err := st.UpsertOrganization(ctx, model.Organization{
			Slug: o.Slug,
			Name: o.Name,
			Type: model.BillingClass(o.Type),
		})
		if err != nil {
			return fmt.Errorf("registering organization %s: %w", o.Slug, err)
		}
		for _, s := range o.Sites {
			if _, err := st.UpsertSite(ctx, model.Site{OrgID: orgID, Slug: s.Slug, Name: s.Name}); err != nil {
				return fmt.Errorf("registering site %s/%s: %w", o.Slug, s.Slug, err)
			}
		}
	}
	return nil
}

func buildProviders(cfgs []config.NotificationConfig) []notify.Provider {
	var providers []notify.Provider
	for _, ncfg := range cfgs {
		switch ncfg.Type {
		case "ntfy":
			providers = append(providers, notify.NewNtfy(ncfg.URL, ncfg.Topic))
		case "webhook":
			method := ncfg.Method
			if method == "" {
				method = "POST"
			}
			providers = append(providers, notify.NewWebhook(ncfg.URL, method, ncfg.Headers))
		}
	}
	return providers
}

func monitorConfig(m config.MonitorConfig) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Interval = m.Interval.Duration
	mc.OfflineAfter = m.OfflineAfter.Duration
	mc.ReservationTTL = m.ReservationTTL.Duration
	mc.Cooldown = m.NotifyCooldown.Duration
	mc.CPUHigh = thresholdRule(m.CPUHigh)
	mc.RAMHigh = thresholdRule(m.RAMHigh)
	return mc
}

func thresholdRule(r *config.ThresholdRule) *monitor.ThresholdRule {
	if r == nil {
		return nil
	}
	return &monitor.ThresholdRule{
		Threshold: r.Threshold,
		Duration:  r.Duration.Duration,
		Severity:  r.Severity,
	}
}
