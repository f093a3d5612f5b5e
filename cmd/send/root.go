package send

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	cmdUtil "github.com/ValentinKolb/homa/cmd/util"
	"github.com/ValentinKolb/homa/lib/homa"
	"github.com/cockroachdb/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	SendCmd = &cobra.Command{
		Use:     "send",
		Short:   "Send requests to an echo server and report latencies",
		Long:    `Send a number of requests of a fixed size to an echo server (see homa serve), check that every response matches its request and print latency percentiles.`,
		PreRunE: processConfig,
		RunE:    run,
	}

	sendServer      netip.AddrPort
	sendSize        = 10000
	sendCount       = 100
	sendConcurrency = 4
	sendRate        = 0
	sendTimeout     = 10 * time.Second
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupEngineFlags(SendCmd, "0.0.0.0:0")

	key := "server"
	SendCmd.PersistentFlags().String(key, "127.0.0.1:4000", cmdUtil.WrapString("Address of the echo server"))
	key = "size"
	SendCmd.PersistentFlags().Int(key, sendSize, cmdUtil.WrapString("Request size in bytes"))
	key = "count"
	SendCmd.PersistentFlags().Int(key, sendCount, cmdUtil.WrapString("Number of requests to send"))
	key = "concurrency"
	SendCmd.PersistentFlags().Int(key, sendConcurrency, cmdUtil.WrapString("Number of requests in flight at the same time"))
	key = "rate"
	SendCmd.PersistentFlags().Int(key, sendRate, cmdUtil.WrapString("Maximum requests per second (0 = unlimited)"))
	key = "timeout"
	SendCmd.PersistentFlags().Duration(key, sendTimeout, cmdUtil.WrapString("Timeout of a single request"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	server, err := netip.ParseAddrPort(viper.GetString("server"))
	if err != nil {
		return errors.Wrap(err, "invalid server address")
	}
	sendServer = server
	sendSize = viper.GetInt("size")
	sendCount = viper.GetInt("count")
	sendConcurrency = viper.GetInt("concurrency")
	sendRate = viper.GetInt("rate")
	sendTimeout = viper.GetDuration("timeout")

	if sendSize <= 0 || sendCount <= 0 || sendConcurrency <= 0 {
		return errors.New("size, count and concurrency must be positive")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	sock, err := cmdUtil.NewSocket()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sock.Start(ctx); err != nil {
		return multierr.Append(err, sock.Close())
	}

	fmt.Printf("sending %d requests of %d bytes to %s (%d in flight)\n", sendCount, sendSize, sendServer, sendConcurrency)
	res, err := load(ctx, sock)
	err = multierr.Append(err, sock.Close())
	printResults(res)
	return err
}

type results struct {
	latency  metrics.Histogram // microseconds
	failed   atomic.Int64
	duration time.Duration
}

// load issues the requests from sendConcurrency workers
func load(ctx context.Context, sock *homa.Socket) (*results, error) {
	res := &results{latency: metrics.NewHistogram(metrics.NewUniformSample(sendCount))}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if sendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendRate), 1)
	}

	body := make([]byte, sendSize)
	for i := range body {
		body[i] = byte(i)
	}

	var next atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < sendConcurrency; w++ {
		g.Go(func() error {
			for next.Add(1) <= int64(sendCount) {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				callCtx, cancel := context.WithTimeout(gctx, sendTimeout)
				t0 := time.Now()
				resp, err := sock.Call(callCtx, sendServer, body)
				cancel()
				switch {
				case errors.Is(err, homa.ErrSocketClosed) || gctx.Err() != nil:
					return nil
				case err != nil:
					res.failed.Add(1)
					fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
				case !bytes.Equal(resp, body):
					res.failed.Add(1)
					fmt.Fprintf(os.Stderr, "response of %d bytes does not match the request\n", len(resp))
				default:
					res.latency.Update(time.Since(t0).Microseconds())
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.duration = time.Since(start)
	return res, err
}

func printResults(res *results) {
	if res == nil {
		return
	}
	snap := res.latency.Snapshot()
	ok := snap.Count()
	ps := snap.Percentiles([]float64{0.5, 0.9, 0.99, 0.999})
	us := func(v float64) string { return cmdUtil.FormatDuration(time.Duration(v) * time.Microsecond) }

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Requests\t%d ok, %d failed\n", ok, res.failed.Load())
	fmt.Fprintf(w, "Duration\t%s\n", cmdUtil.FormatDuration(res.duration))
	if ok > 0 && res.duration > 0 {
		rps := float64(ok) / res.duration.Seconds()
		fmt.Fprintf(w, "Throughput\t%.0f req/s, %.2f MB/s\n", rps, rps*float64(2*sendSize)/1e6)
		fmt.Fprintf(w, "Latency min\t%s\n", us(float64(snap.Min())))
		fmt.Fprintf(w, "Latency p50\t%s\n", us(ps[0]))
		fmt.Fprintf(w, "Latency p90\t%s\n", us(ps[1]))
		fmt.Fprintf(w, "Latency p99\t%s\n", us(ps[2]))
		fmt.Fprintf(w, "Latency p99.9\t%s\n", us(ps[3]))
		fmt.Fprintf(w, "Latency max\t%s\n", us(float64(snap.Max())))
	}
	_ = w.Flush()
}
