package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/konstantinmiller/dashp2p/internal/adaptation"
	"github.com/konstantinmiller/dashp2p/internal/config"
	"github.com/konstantinmiller/dashp2p/internal/coordinator"
	"github.com/konstantinmiller/dashp2p/internal/database"
	internalhttp "github.com/konstantinmiller/dashp2p/internal/http"
	"github.com/konstantinmiller/dashp2p/internal/http/handlers"
	"github.com/konstantinmiller/dashp2p/internal/http/middleware"
	"github.com/konstantinmiller/dashp2p/internal/httpclient"
	"github.com/konstantinmiller/dashp2p/internal/manifest"
	"github.com/konstantinmiller/dashp2p/internal/observability"
	"github.com/konstantinmiller/dashp2p/internal/pipelining"
	"github.com/konstantinmiller/dashp2p/internal/repository"
	"github.com/konstantinmiller/dashp2p/internal/stats"
	"github.com/konstantinmiller/dashp2p/internal/version"
)

var playCmd = &cobra.Command{
	Use:   "play <manifest>",
	Short: "Play a presentation",
	Long: `Play the presentation described by an MPD or a static ladder file.

The manifest is an http(s) URL or a local path. Media bytes are written in
playback order to --output ("-" for stdout). Without --output and with the
API server enabled they are served once at /stream instead.

The API server also provides:
- Session status at /api/v1/status
- Recorded requests at /api/v1/sessions (with stats.persist)
- Health check endpoint
- OpenAPI documentation at /docs`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := playOptions{Manifest: args[0]}
		opts.Output, _ = cmd.Flags().GetString("output")
		opts.Listen, _ = cmd.Flags().GetString("listen")
		opts.SessionID, _ = cmd.Flags().GetString("session")

		c := *cfg
		if cmd.Flags().Changed("persist") {
			c.Stats.Persist, _ = cmd.Flags().GetBool("persist")
		}
		if cmd.Flags().Changed("period") {
			c.Playback.Period, _ = cmd.Flags().GetInt("period")
		}
		if cmd.Flags().Changed("adaptation-set") {
			c.Playback.AdaptationSet, _ = cmd.Flags().GetInt("adaptation-set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPlay(ctx, &c, opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().StringP("output", "o", "", `write media to a file, "-" for stdout`)
	playCmd.Flags().String("listen", "", "enable the API server on host:port")
	playCmd.Flags().String("session", "", "session ID (default is a random UUID)")
	playCmd.Flags().Bool("persist", false, "persist request records to the database")
	playCmd.Flags().Int("period", 0, "period index to play")
	playCmd.Flags().Int("adaptation-set", 0, "adaptation set index to play")
}

// playOptions are the per-invocation settings of a play run.
type playOptions struct {
	Manifest  string
	Output    string
	Listen    string
	SessionID string
}

func runPlay(ctx context.Context, cfg *config.Config, opts playOptions, stdout io.Writer) (err error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	logger := observability.WithSession(slog.Default(), opts.SessionID)
	defer observability.TimedOperationWithError(ctx, logger, "playback", &err)()

	if opts.Listen != "" {
		host, port, err := net.SplitHostPort(opts.Listen)
		if err != nil {
			return fmt.Errorf("parsing --listen: %w", err)
		}
		cfg.Server.Host = host
		if cfg.Server.Port, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("parsing --listen port: %w", err)
		}
		cfg.Server.Enabled = true
	}
	if opts.Output == "" && !cfg.Server.Enabled {
		opts.Output = "-"
	}

	var recorder stats.Recorder
	var repo repository.RequestRecordRepository
	var db *database.DB
	if cfg.Stats.Persist {
		db, err = database.New(cfg.Database, logger, nil)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		repo = repository.NewRequestRecordRepository(db.DB)
		recorder = repo
	}

	fetcher := httpclient.New(httpclient.Config{
		Timeout:           cfg.HTTP.Timeout,
		RetryAttempts:     cfg.HTTP.RetryAttempts,
		RetryDelay:        cfg.HTTP.RetryDelay,
		RetryMaxDelay:     cfg.HTTP.RetryMaxDelay,
		BackoffMultiplier: httpclient.DefaultBackoffMultiplier,
		CircuitThreshold:  cfg.HTTP.CircuitThreshold,
		CircuitTimeout:    cfg.HTTP.CircuitTimeout,
		MaxBodySize:       cfg.HTTP.MaxManifestSize.Bytes(),
		UserAgent:         cfg.HTTP.UserAgent,
		Logger:            observability.WithComponent(logger, "httpclient"),
	})
	pres, err := manifest.NewLoader(fetcher, logger).Load(ctx, opts.Manifest)
	if err != nil {
		return err
	}

	registry := pipelining.NewRegistry()
	collector := stats.NewCollector(stats.Config{
		Window:       cfg.Adaptation.DeltaT,
		HistorySize:  cfg.Stats.HistorySize,
		RecordQueue:  cfg.Stats.RecordQueue,
		SamplePeriod: cfg.Stats.SamplePeriod,
	}, opts.SessionID, recorder, observability.WithComponent(logger, "stats"))

	controller, err := adaptation.NewController(adaptation.Config{
		Params: adaptation.Params{
			BufferMin:  cfg.Adaptation.BufferMin,
			BufferLow:  cfg.Adaptation.BufferLow,
			BufferHigh: cfg.Adaptation.BufferHigh,
			Alfa1:      cfg.Adaptation.Alfa1,
			Alfa2:      cfg.Adaptation.Alfa2,
			Alfa3:      cfg.Adaptation.Alfa3,
			Alfa4:      cfg.Adaptation.Alfa4,
			Alfa5:      cfg.Adaptation.Alfa5,
			DeltaT:     cfg.Adaptation.DeltaT,
		},
		Period:        cfg.Playback.Period,
		AdaptationSet: cfg.Playback.AdaptationSet,
		PipelineDepth: cfg.Adaptation.PipelineDepth,
		Reconnect:     cfg.Adaptation.Reconnect,
		TrendBucket:   cfg.Adaptation.TrendBucket,
	}, pres, collector, registry, observability.WithComponent(logger, "adaptation"))
	if err != nil {
		return fmt.Errorf("creating adaptation controller: %w", err)
	}

	clientCfg := pipelining.DefaultConfig()
	clientCfg.MaxInFlight = cfg.HTTP.MaxInFlight
	clientCfg.MaxRequestsPerConnection = cfg.HTTP.MaxRequestsPerConnection
	clientCfg.ReadBufferSize = cfg.HTTP.ReadBufferSize.Int()
	clientCfg.DialTimeout = cfg.HTTP.DialTimeout
	clientCfg.UserAgent = cfg.HTTP.UserAgent
	clientCfg.Logger = observability.WithComponent(logger, "pipelining")

	coord := coordinator.New(coordinator.Config{
		ManifestURL:   opts.Manifest,
		Period:        cfg.Playback.Period,
		AdaptationSet: cfg.Playback.AdaptationSet,
		Reconnect:     cfg.Adaptation.Reconnect,
		LoopTimeout:   cfg.Playback.LoopTimeout,
		EmptyPoll:     cfg.Playback.EmptyPoll,
		WaitPoll:      cfg.Playback.WaitPoll,
		Client:        clientCfg,
	}, pres, controller, collector, registry, observability.WithComponent(logger, "coordinator"))

	g, gctx := errgroup.WithContext(ctx)
	// aux runs the collector and the API server until playback is over.
	aux, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error { return collector.Run(aux) })

	g.Go(func() error {
		err := coord.Run(gctx)
		if opts.Output == "" {
			stopAux()
		}
		return err
	})

	if opts.Output != "" {
		out, closeOut, err := openOutput(opts.Output, stdout)
		if err != nil {
			return err
		}
		defer closeOut()
		g.Go(func() error {
			defer stopAux()
			n, err := io.CopyBuffer(out, coord.Player().Reader(gctx), make([]byte, cfg.Playback.ChunkSize.Int()))
			logger.Info("media written",
				slog.String("output", opts.Output),
				slog.String("bytes", humanize.IBytes(uint64(n))),
			)
			if err != nil {
				return fmt.Errorf("writing media: %w", err)
			}
			return nil
		})
	}

	if cfg.Server.Enabled {
		server := newAPIServer(cfg, opts, logger, coord, collector, repo, db)
		g.Go(func() error { return server.ListenAndServe(aux) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("playback interrupted")
		return nil
	}
	return err
}

func newAPIServer(cfg *config.Config, opts playOptions, logger *slog.Logger, coord *coordinator.Coordinator,
	collector *stats.Collector, repo repository.RequestRecordRepository, db *database.DB,
) *internalhttp.Server {
	serverCfg := internalhttp.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	server := internalhttp.NewServer(serverCfg, observability.WithComponent(logger, "api"), version.Version)

	health := handlers.NewHealthHandler(version.Version)
	if db != nil {
		health.WithDB(db)
	}
	health.Register(server.API())
	handlers.NewSettingsHandler().Register(server.API())
	handlers.NewStatusHandler(opts.Manifest, coord, collector).Register(server.API())
	if repo != nil {
		handlers.NewSessionHandler(repo).Register(server.API())
	}
	if opts.Output == "" {
		handlers.NewStreamHandler(coord.Player(), opts.SessionID, "video/mp4", cfg.Playback.ChunkSize.Int(), logger).
			Register(server.Router(), middleware.StreamPath)
	}
	return server
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
