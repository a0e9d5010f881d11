// SolWatch — solar fleet telemetry cache & normalization service.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/config"
	"github.com/solwatch/solwatch/internal/coordinator"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/platform"
	"github.com/solwatch/solwatch/internal/policy"
	"github.com/solwatch/solwatch/internal/scheduler"
	"github.com/solwatch/solwatch/internal/server"
	"github.com/solwatch/solwatch/internal/view"
	"github.com/solwatch/solwatch/internal/ws"
)

const asciiLogo = `
  ███████╗ ██████╗ ██╗     ██╗    ██╗ █████╗ ████████╗ ██████╗██╗  ██╗
  ██╔════╝██╔═══██╗██║     ██║    ██║██╔══██╗╚══██╔══╝██╔════╝██║  ██║
  ███████╗██║   ██║██║     ██║ █╗ ██║███████║   ██║   ██║     ███████║
  ╚════██║██║   ██║██║     ██║███╗██║██╔══██║   ██║   ██║     ██╔══██║
  ███████║╚██████╔╝███████╗╚███╔███╔╝██║  ██║   ██║   ╚██████╗██║  ██║
  ╚══════╝ ╚═════╝ ╚══════╝ ╚══╝╚══╝ ╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo, "\n")
	fmt.Printf("  ► SolWatch %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "solwatch",
		Short: "SolWatch — multi-vendor solar fleet telemetry cache",
		Long: `SolWatch polls heterogeneous solar monitoring platforms (SolarEdge,
Enphase Enlighten, Sol-Ark) on per-category freshness schedules, normalizes
their telemetry into one fleet-wide cache, and serves aggregate dashboards
that stay partially available when individual vendors are down.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the SolWatch collector and dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")
			return runServer()
		},
	}

	// ── refresh subcommand ────────────────────────────────────────────────────
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one collection pass over the whole fleet and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("REFRESH")
			return runOnce()
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print SolWatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SolWatch %s\n", version)
		},
	}

	root.AddCommand(serverCmd, refreshCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads config, fleet roster, adapters, DB and the caching core.
// Shared by the server and refresh commands.
type core struct {
	cfg      *config.Config
	fleet    []models.Site
	pol      *policy.Table
	store    *cache.Store
	coord    *coordinator.Coordinator
	keys     []cache.Key
	adapters platform.Registry
}

func bootstrap() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	fleet, err := config.LoadFleet(cfg.FleetPath)
	if err != nil {
		return nil, fmt.Errorf("loading fleet roster: %w", err)
	}
	if err := cfg.ValidateCredentials(fleet); err != nil {
		return nil, fmt.Errorf("validating credentials: %w", err)
	}

	pol, err := cfg.BuildPolicy()
	if err != nil {
		return nil, fmt.Errorf("building freshness policy: %w", err)
	}

	adapters, err := buildAdapters(cfg, fleet)
	if err != nil {
		return nil, err
	}

	db, err := cache.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	store := cache.NewStore(db, fleet, logger)

	keys, err := coordinator.SeedKeys(adapters, fleet)
	if err != nil {
		return nil, fmt.Errorf("seeding cache keys: %w", err)
	}
	store.Seed(keys)

	if n, err := store.LoadPersisted(pol, time.Now()); err != nil {
		logger.Printf("[store] WARNING: restoring persisted cache: %v", err)
	} else if n > 0 {
		logger.Printf("[store] restored %d cached entries", n)
	}

	coord := coordinator.New(store, adapters, pol, cfg.AdapterTimeout, logger)

	return &core{
		cfg:      cfg,
		fleet:    fleet,
		pol:      pol,
		store:    store,
		coord:    coord,
		keys:     keys,
		adapters: adapters,
	}, nil
}

// buildAdapters constructs one adapter per vendor present in the roster.
// Credentials come from the credential set referenced by the vendor's
// sites; vendor sessions are account-scoped, so all sites of a vendor must
// share one reference.
func buildAdapters(cfg *config.Config, fleet []models.Site) (platform.Registry, error) {
	refs := make(map[string]string)
	for _, s := range fleet {
		if prev, ok := refs[s.VendorCode]; ok && prev != s.CredentialsRef {
			return nil, fmt.Errorf("vendor %s: sites reference both credential sets %q and %q; one account per vendor", s.VendorCode, prev, s.CredentialsRef)
		}
		refs[s.VendorCode] = s.CredentialsRef
	}

	reg := make(platform.Registry, len(refs))
	for vendor, ref := range refs {
		set, err := cfg.Credential(ref)
		if err != nil {
			return nil, err
		}
		switch vendor {
		case "SE":
			reg.Register(platform.NewSolarEdge(set.APIKey))
		case "EN":
			reg.Register(platform.NewEnphase(platform.EnphaseCredentials{
				ClientID:     set.ClientID,
				ClientSecret: set.ClientSecret,
				APIKey:       set.APIKey,
				Username:     set.Username,
				Password:     set.Password,
			}))
		case "SA":
			fetcher := platform.NewWebSessionFetcher(platform.SolArkLoginURL, set.Username, set.Password)
			reg.Register(platform.NewSolArk(fetcher))
		default:
			return nil, fmt.Errorf("fleet roster: no adapter for vendor %q", vendor)
		}
	}
	return reg, nil
}

func runServer() error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	cfg := c.cfg

	// Inject security settings into server package globals.
	server.SetJWTSecret(cfg.JWTSecret)
	if err := server.SetAdminCredentials(cfg.AdminUser, cfg.AdminPass, cfg.AdminPassHash); err != nil {
		return fmt.Errorf("admin credentials: %w", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	v := view.New(c.store, c.coord, c.fleet)
	hub := ws.NewHub(c.store.Events(), logger)
	sched := scheduler.New(scheduler.Config{
		Store:       c.store,
		Coordinator: c.coord,
		Policy:      c.pol,
		Fleet:       c.fleet,
		Interval:    cfg.RefreshInterval,
		Workers:     cfg.RefreshWorkers,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go sched.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	corsMiddleware := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware)
	server.New(v, c.coord, hub).RegisterRoutes(engine)

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
	fmt.Printf("  ✓ Fleet:     %d sites, %d cache keys\n", len(c.fleet), len(c.keys))
	fmt.Printf("  ✓ Dashboard API → http://%s\n", addr)
	fmt.Printf("  ✓ Default login: %s\n\n", cfg.AdminUser)

	srv := &http.Server{Addr: addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	select {
	case err := <-errCh:
		return err
	case <-quit:
		fmt.Println("\n  → Shutting down gracefully…")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runOnce forces a refresh of every key once, bounded by the configured
// worker count, then exits. Useful from cron or for smoke-testing vendor
// credentials.
func runOnce() error {
	c, err := bootstrap()
	if err != nil {
		return err
	}

	sites := make(map[string]models.Site, len(c.fleet))
	for _, s := range c.fleet {
		sites[s.ID] = s
	}

	workers := c.cfg.RefreshWorkers
	if workers <= 0 {
		workers = 4
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	ctx := context.Background()
	for _, key := range c.keys {
		site, ok := sites[key.SiteID]
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(site models.Site, category models.Category) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.coord.ForceRefresh(ctx, site, category); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(site, key.Category)
	}
	wg.Wait()

	fmt.Printf("  ✓ Refreshed %d keys (%d failed)\n", len(c.keys)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d keys failed to refresh", failed, len(c.keys))
	}
	return nil
}
