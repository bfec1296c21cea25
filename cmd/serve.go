package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/attendcam/internal/api"
	"github.com/andresmejia3/attendcam/internal/attendance"
	"github.com/andresmejia3/attendcam/internal/camera"
	"github.com/andresmejia3/attendcam/internal/config"
	"github.com/andresmejia3/attendcam/internal/events"
	"github.com/andresmejia3/attendcam/internal/framebus"
	"github.com/andresmejia3/attendcam/internal/identity"
	"github.com/andresmejia3/attendcam/internal/logging"
	"github.com/andresmejia3/attendcam/internal/queue"
	"github.com/andresmejia3/attendcam/internal/session"
	"github.com/andresmejia3/attendcam/internal/store"
	"github.com/andresmejia3/attendcam/internal/stream"
	"github.com/andresmejia3/attendcam/internal/utils"
	"github.com/andresmejia3/attendcam/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	APIAddr        string
	StreamAddr     string
	Device         string
	Format         string
	Size           string
	Loop           bool
	Script         string
	Workers        int
	Tolerance      float64
	Metric         string
	CaptureTimeout time.Duration
	SeedDir        string
	AMQPURL        string
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the camera, MJPEG stream and attendance API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyServeFlags(cmd, &Cfg, serveOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), Cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.APIAddr, "addr", "", "API listen address (default :5000)")
	f.StringVar(&serveOpts.StreamAddr, "stream-addr", "", "Standalone MJPEG listen address, empty string disables (default :8000)")
	f.StringVarP(&serveOpts.Device, "device", "i", "", "Camera device, URL or file")
	f.StringVarP(&serveOpts.Format, "format", "f", "", "FFmpeg input format (v4l2, avfoundation, dshow)")
	f.StringVar(&serveOpts.Size, "size", "", "Capture size, e.g. 640x480")
	f.BoolVar(&serveOpts.Loop, "loop", false, "Loop a file input forever")
	f.StringVar(&serveOpts.Script, "worker-script", "", "Path to the Python encoder script")
	f.IntVarP(&serveOpts.Workers, "engines", "e", 0, "Number of parallel encoder workers")
	f.Float64VarP(&serveOpts.Tolerance, "threshold", "t", 0, "Face matching threshold (lower is stricter)")
	f.StringVar(&serveOpts.Metric, "metric", "", "Distance metric: euclidean or cosine")
	f.DurationVar(&serveOpts.CaptureTimeout, "capture-timeout", 0, "How long a request waits for a camera frame")
	f.StringVar(&serveOpts.SeedDir, "seed-dir", "", "Enroll every <name>.jpg in this directory at startup")
	f.StringVar(&serveOpts.AMQPURL, "amqp", "", "RabbitMQ URL for publishing attendance events")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, o serveFlags) {
	set := cmd.Flags().Changed
	if set("addr") {
		cfg.HTTP.APIAddr = o.APIAddr
	}
	if set("stream-addr") {
		cfg.HTTP.StreamAddr = o.StreamAddr
	}
	if set("device") {
		cfg.Camera.Device = o.Device
	}
	if set("format") {
		cfg.Camera.Format = o.Format
	}
	if set("size") {
		cfg.Camera.Size = o.Size
	}
	if set("loop") {
		cfg.Camera.Loop = o.Loop
	}
	if set("worker-script") {
		cfg.Encoder.Script = o.Script
	}
	if set("engines") {
		cfg.Encoder.Workers = o.Workers
	}
	if set("threshold") {
		cfg.Match.Tolerance = o.Tolerance
	}
	if set("metric") {
		cfg.Match.Metric = o.Metric
	}
	if set("capture-timeout") {
		cfg.HTTP.CaptureTimeout = o.CaptureTimeout
	}
	if set("seed-dir") {
		cfg.SeedDir = o.SeedDir
	}
	if set("amqp") {
		cfg.Events.AMQPURL = o.AMQPURL
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metric, err := identity.MetricByName(cfg.Match.Metric)
	if err != nil {
		return err
	}

	// 1. Camera. Failure to start is fatal.
	bus := framebus.New()
	cam := camera.New(cfg.CaptureOptions(), Log)
	camDone, err := cam.Start(ctx, bus)
	if err != nil {
		utils.ShowError("Failed to start camera", err, nil)
		return err
	}

	// 2. Encoder pool
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Encoder.Workers)
	pool, err := worker.NewPool(ctx, cfg.Encoder.Workers, worker.PythonFactory(cfg.WorkerConfig()), Log)
	if err != nil {
		utils.ShowError("Failed to start AI workers", err, nil)
		cancel()
		<-camDone
		return err
	}
	defer pool.Close()

	// 3. Events and their sinks
	sinks := []events.Sink{events.LogSink{Log: logging.Component(Log, "audit")}}
	if cfg.Events.PostgresDSN != "" {
		j, err := store.New(ctx, cfg.Events.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		// Background because ctx is already cancelled by the time this runs
		defer j.Close(context.Background())
		sinks = append(sinks, j)
		Log.Info().Msg("Audit journal enabled")
	}
	if cfg.Events.AMQPURL != "" {
		p, err := queue.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.Events.Queue, cfg.Events.RoutingPrefix)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer p.Close()
		sinks = append(sinks, p)
		Log.Info().Str("exchange", cfg.Events.Exchange).Msg("Event publishing enabled")
	}
	dispatcher := events.NewDispatcher(cfg.Events.QueueSize, Log, sinks...)
	dctx, stopEvents := context.WithCancel(context.Background())
	go dispatcher.Run(dctx)
	defer func() {
		stopEvents()
		dispatcher.Wait()
	}()

	// 4. In-memory state
	ids := identity.NewStore(identity.WithMetric(metric), identity.WithTolerance(cfg.Match.Tolerance))
	ledger := attendance.NewLedger(ids)
	sessions := session.NewManager()

	if cfg.SeedDir != "" {
		n, err := seedIdentities(ctx, cfg.SeedDir, pool, ids, dispatcher, os.Stderr)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "👤 Enrolled %d identities from %s\n", n, cfg.SeedDir)
	}

	// 5. HTTP
	viewers := stream.New(bus, Log)
	gin.SetMode(gin.ReleaseMode)
	gw := api.New(api.Deps{
		Frames:         bus,
		Detector:       pool,
		Identities:     ids,
		Ledger:         ledger,
		Sessions:       sessions,
		Events:         dispatcher,
		Stream:         viewers,
		Viewers:        viewers.Viewers,
		Log:            Log,
		CaptureTimeout: cfg.HTTP.CaptureTimeout,
		EncodeTimeout:  cfg.Encoder.ReadTimeout,
		SecureCookie:   cfg.HTTP.SecureCookie,
	})

	servers := []*http.Server{{Addr: cfg.HTTP.APIAddr, Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if cfg.HTTP.StreamAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.HTTP.StreamAddr, Handler: viewers, ReadHeaderTimeout: 10 * time.Second})
	}

	srvErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			Log.Info().Str("addr", srv.Addr).Msg("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}
	fmt.Fprintf(os.Stderr, "🚀 API on %s, stream at %s%s\n", cfg.HTTP.APIAddr, cfg.HTTP.StreamAddr, stream.Path)

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	case err := <-camDone:
		if err != nil {
			utils.ShowError("Camera stopped", err, nil)
			runErr = err
		}
	case runErr = <-srvErr:
	}

	// Closing the bus ends every open stream so Shutdown does not wait on them
	bus.Close()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			Log.Warn().Err(err).Str("addr", srv.Addr).Msg("Shutdown")
		}
	}
	cancel()
	return runErr
}
