package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/homa/cmd/util"
	"github.com/ValentinKolb/homa/lib/homa"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	log = logger.GetLogger("cmd")

	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start an echo server",
		Long:    `Start a server that answers every request with its own bytes. The configuration can be set via command line flags or environment variables. The format of the environment variables is HOMA_<flag> (e.g. HOMA_TIMEOUT_TICKS=200)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupEngineFlags(ServeCmd, "0.0.0.0:4000")

	key := "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("If set, metrics are served in Prometheus format on http://<metrics-endpoint>/metrics"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("If set, socket statistics are logged at this interval"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	return cmdUtil.BindCommandFlags(cmd)
}

// run starts the echo server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	sock, err := cmdUtil.NewSocket()
	if err != nil {
		return err
	}
	cfg := sock.Config()
	log.Infof("starting echo server with configuration:%s", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sock.Start(ctx); err != nil {
		return multierr.Append(err, sock.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return echo(gctx, sock) })
	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr) })
	}
	if every := viper.GetDuration("stats-interval"); every > 0 {
		g.Go(func() error { return logStats(gctx, sock, every) })
	}

	err = g.Wait()
	log.Infof("shutting down")
	return multierr.Append(err, sock.Close())
}

// echo answers every request with its body
func echo(ctx context.Context, sock *homa.Socket) error {
	for {
		msg, err := sock.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, homa.ErrSocketClosed) {
				return nil
			}
			return err
		}
		if !msg.Request {
			continue
		}
		if err := sock.Reply(msg, msg.Body); err != nil {
			log.Warningf("reply to %s failed: %v", msg.Peer, err)
		}
	}
}

// serveMetrics exposes the process metrics until ctx ends
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics endpoint")
	}
	return nil
}

func logStats(ctx context.Context, sock *homa.Socket, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Infof("%s", sock.Stats())
		}
	}
}
