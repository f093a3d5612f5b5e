package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/homa/lib/homa"
	"github.com/ValentinKolb/homa/rpc/common"
	"github.com/ValentinKolb/homa/rpc/transport/udp"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the flags of the transport engine configuration to a
// command. endpoint is the default local address.
func SetupEngineFlags(cmd *cobra.Command, endpoint string) {
	d := common.DefaultConfig()
	flags := cmd.PersistentFlags()

	key := "endpoint"
	flags.String(key, endpoint, WrapString("The UDP address the socket binds to (e.g. 0.0.0.0:4000, [::1]:4000)"))

	// timer
	key = "tick-interval"
	flags.Duration(key, d.TickInterval, WrapString("Interval of the timer that drives retransmissions and timeouts"))
	key = "resend-ticks"
	flags.Uint64(key, d.ResendTicks, WrapString("Silent ticks before the first RESEND is sent for an RPC"))
	key = "resend-interval"
	flags.Uint64(key, d.ResendInterval, WrapString("Ticks between RESENDs for the same RPC and peer"))
	key = "timeout-ticks"
	flags.Uint64(key, d.TimeoutTicks, WrapString("Silent ticks after which an RPC is abandoned"))
	key = "timeout-resends"
	flags.Int(key, d.TimeoutResends, WrapString("Unanswered RESENDs to a peer after which its RPCs time out"))
	key = "request-ack-ticks"
	flags.Uint64(key, d.RequestAckTicks, WrapString("Ticks after a response was sent before the client is asked to acknowledge it"))

	// grants
	key = "max-overcommit"
	flags.Int(key, d.MaxOvercommit, WrapString("Number of incoming messages granted to at the same time"))
	key = "grant-window"
	flags.Int(key, d.GrantWindow, WrapString("Bytes granted beyond what has been received for one message"))
	key = "unsched-bytes"
	flags.Int(key, d.UnschedBytes, WrapString("Bytes of every message that are sent without waiting for a grant"))
	key = "max-incoming"
	flags.Int(key, d.MaxIncoming, WrapString("Upper bound of granted but not yet received bytes over all messages"))
	key = "num-priorities"
	flags.Int(key, d.NumPriorities, WrapString("Number of packet priority levels (1-8)"))

	// buffers
	key = "max-payload"
	flags.Int(key, d.MaxPayload, WrapString("Payload bytes per DATA packet"))
	key = "bpage-size"
	flags.Int(key, d.BpageSize, WrapString("Size of one receive buffer page in bytes"))
	key = "pool-pages"
	flags.Int(key, d.PoolPages, WrapString("Number of receive buffer pages, together with bpage-size this bounds the message size"))
	key = "max-rpcs"
	flags.Int(key, d.MaxRPCs, WrapString("Maximum number of live RPCs per socket"))
	key = "dead-buffs-limit"
	flags.Int(key, d.DeadBuffsLimit, WrapString("Dead-RPC cost above which the timer reclaims resources"))
	key = "reap-batch"
	flags.Int(key, d.ReapBatch, WrapString("RPCs reclaimed per reaping batch"))

	// pacer
	key = "link-mbps"
	flags.Int(key, d.LinkMbps, WrapString("Link speed in Mbit/s the pacer releases packets at"))
	key = "max-nic-queue"
	flags.Int(key, d.MaxNicQueueBytes, WrapString("Bytes the pacer may have queued in the NIC at once"))
	key = "throttle-min-bytes"
	flags.Int(key, d.ThrottleMinBytes, WrapString("Messages up to this size bypass the pacer"))

	// peers
	key = "peer-idle-ticks"
	flags.Uint64(key, d.PeerIdleTicks, WrapString("Ticks after which an unused peer is dropped"))
	key = "peer-grace-ticks"
	flags.Uint64(key, d.PeerGraceTicks, WrapString("Ticks a dropped peer is kept before it is freed"))
	key = "max-pending-acks"
	flags.Int(key, d.MaxPendingAcks, WrapString("Completed RPCs collected per peer before an explicit ACK is sent"))

	// udp socket
	key = "tos"
	flags.Int(key, 0, WrapString("IP TOS/DSCP byte set on every datagram (IPv4 only, 0 keeps the default)"))
	key = "socket-read-buffer"
	flags.Int(key, 4096, WrapString("The size of the socket read buffer (in KB)"))
	key = "socket-write-buffer"
	flags.Int(key, 4096, WrapString("The size of the socket write buffer (in KB)"))
}

// InitConfig reads environment files and sets up viper. Every flag can be set
// through an environment variable HOMA_<FLAG> (e.g. HOMA_TIMEOUT_TICKS=200).
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("homa")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() common.Config {
	return common.Config{
		TickInterval:     viper.GetDuration("tick-interval"),
		ResendTicks:      viper.GetUint64("resend-ticks"),
		ResendInterval:   viper.GetUint64("resend-interval"),
		TimeoutTicks:     viper.GetUint64("timeout-ticks"),
		TimeoutResends:   viper.GetInt("timeout-resends"),
		RequestAckTicks:  viper.GetUint64("request-ack-ticks"),
		DeadBuffsLimit:   viper.GetInt("dead-buffs-limit"),
		ReapBatch:        viper.GetInt("reap-batch"),
		MaxOvercommit:    viper.GetInt("max-overcommit"),
		GrantWindow:      viper.GetInt("grant-window"),
		UnschedBytes:     viper.GetInt("unsched-bytes"),
		MaxIncoming:      viper.GetInt("max-incoming"),
		MaxPayload:       viper.GetInt("max-payload"),
		BpageSize:        viper.GetInt("bpage-size"),
		PoolPages:        viper.GetInt("pool-pages"),
		MaxRPCs:          viper.GetInt("max-rpcs"),
		LinkMbps:         viper.GetInt("link-mbps"),
		MaxNicQueueBytes: viper.GetInt("max-nic-queue"),
		ThrottleMinBytes: viper.GetInt("throttle-min-bytes"),
		NumPriorities:    viper.GetInt("num-priorities"),
		PeerIdleTicks:    viper.GetUint64("peer-idle-ticks"),
		PeerGraceTicks:   viper.GetUint64("peer-grace-ticks"),
		MaxPendingAcks:   viper.GetInt("max-pending-acks"),
		LogLevel:         viper.GetString("log-level"),
	}
}

// NewSocket binds a UDP transport to the configured endpoint and creates a socket on it
func NewSocket() (*homa.Socket, error) {
	cfg := GetEngineConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	common.InitLoggers(cfg.LogLevel)

	tr, err := udp.NewUDPTransport(viper.GetString("endpoint"), udp.Options{
		TOS:             viper.GetInt("tos"),
		ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
		WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
	})
	if err != nil {
		return nil, err
	}
	s, err := homa.NewSocket(cfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return s, nil
}

// FormatDuration prints d with a precision that suits RPC latencies
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.Round(100 * time.Nanosecond).String()
	case d < time.Second:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}
