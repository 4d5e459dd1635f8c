package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuad-daoud/discord-bridge/bridge"
	"github.com/fuad-daoud/discord-bridge/config"
	"github.com/fuad-daoud/discord-bridge/dispatch"
	bridgehttp "github.com/fuad-daoud/discord-bridge/http"
	"github.com/fuad-daoud/discord-bridge/integrations/digitalocean"
	"github.com/fuad-daoud/discord-bridge/layers/db"
	"github.com/fuad-daoud/discord-bridge/logger/dlog"
	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/fuad-daoud/discord-bridge/state"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/context"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "discord-bridge",
		Usage: "Admin bridge to a Discord bot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"BRIDGE_CONFIG"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address, overrides HTTP_ADDR"},
			&cli.BoolFlag{Name: "connect", Usage: "Connect to Discord on start, overrides CONNECT_ON_START"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		dlog.Error("Bridge stopped", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if c.IsSet("connect") {
		cfg.ConnectOnStart = c.Bool("connect")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logOptions := dlog.Options{
		Dir:         cfg.LogDir,
		Level:       dlog.ParseLevel(cfg.LogLevel),
		ArchiveCron: cfg.LogArchiveCron,
	}
	if cfg.SpacesEnabled() {
		spaces, err := digitalocean.NewSpaces(digitalocean.Config{
			Endpoint: cfg.SpacesEndpoint,
			Region:   cfg.SpacesRegion,
			Bucket:   cfg.SpacesBucket,
			Key:      cfg.SpacesKey,
			Secret:   cfg.SpacesSecret,
		})
		if err != nil {
			return errors.Wrap(err, "failed to configure spaces")
		}
		logOptions.Uploader = spaces
	}
	logger, err := dlog.Setup(logOptions)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := platform.NewConnection(&platform.DisgoDialer{Logger: logger.Logger},
		platform.WithBackoff(platform.Backoff{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			Multiplier:  2,
			MaxAttempts: cfg.ReconnectAttempts,
		}),
		platform.WithConnectTimeout(cfg.ConnectTimeout),
		platform.WithLogger(logger.Logger),
	)
	cache := state.New(conn,
		state.WithWindowSize(cfg.MessageWindow),
		state.WithFetchTimeout(cfg.FetchTimeout),
		state.WithLogger(logger.Logger),
	)

	httpConfig := bridgehttp.Config{
		Addr:         cfg.HTTPAddr,
		Prefix:       cfg.APIPrefix,
		AdminToken:   cfg.AdminAPIToken,
		DefaultLimit: cfg.MessageWindow,
	}
	dispatchOptions := []dispatch.Option{
		dispatch.WithCommandTimeout(cfg.CommandTimeout),
		dispatch.WithLogger(logger.Logger),
	}
	if cfg.Neo4jEnabled() {
		dbConn, err := db.Connect(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, logger.Logger)
		if err != nil {
			logger.Warn("Message archive disabled", "err", err)
		} else {
			defer dbConn.Close(context.Background())
			graph := db.NewGraph(dbConn)
			archive := db.NewArchive(graph, cfg.ArchiveQueue, logger.Logger)
			archive.Start(context.Background())
			defer archive.Close()
			dispatchOptions = append(dispatchOptions, dispatch.WithObserver(archive))
			httpConfig.MessageLog = graph
		}
	}
	dispatcher := dispatch.New(conn, cache, dispatchOptions...)
	facade := bridge.New(conn, cache, dispatcher, func() string { return cfg.DiscordToken }, bridge.WithLogger(logger.Logger))

	if cfg.MemberRefreshCron != "" {
		refresh := cron.New()
		if _, err := refresh.AddFunc(cfg.MemberRefreshCron, cache.InvalidateAllMembers); err != nil {
			return errors.Wrap(err, "failed to schedule member refresh")
		}
		refresh.Start()
		defer refresh.Stop()
	}

	server := bridgehttp.NewServer(facade, httpConfig, logger.Logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	if cfg.ConnectOnStart {
		if result := facade.Connect(ctx); !result.Success {
			logger.Warn("Could not connect on start", "err", result.Error)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown")
	case err = <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	facade.Disconnect(shutdownCtx)
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP shutdown failed", "err", shutdownErr)
	}
	return err
}
