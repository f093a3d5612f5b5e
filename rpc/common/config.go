package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Engine configuration
// --------------------------------------------------------------------------

// Config holds every tunable of a homa socket. Tick-valued options count timer
// ticks of TickInterval each, byte-valued options count message bytes.
type Config struct {
	// Timer
	TickInterval    time.Duration
	ResendTicks     uint64 // silent ticks before the first RESEND
	ResendInterval  uint64 // ticks between RESENDs for the same RPC (and peer)
	TimeoutTicks    uint64 // silent ticks before an RPC is abandoned
	TimeoutResends  int    // unanswered RESENDs to a peer before its RPCs time out
	RequestAckTicks uint64 // ticks after a response is sent before asking for an ACK

	// Reaping
	DeadBuffsLimit int // dead-resource cost that triggers reaping
	ReapBatch      int

	// Grants
	MaxOvercommit int
	GrantWindow   int
	UnschedBytes  int
	MaxIncoming   int

	// Segmentation and buffering
	MaxPayload int
	BpageSize  int
	PoolPages  int
	MaxRPCs    int

	// Pacer
	LinkMbps         int
	MaxNicQueueBytes int
	ThrottleMinBytes int

	NumPriorities  int
	PeerIdleTicks  uint64
	PeerGraceTicks uint64
	MaxPendingAcks int

	LogLevel string
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Millisecond,
		ResendTicks:      5,
		ResendInterval:   5,
		TimeoutTicks:     100,
		TimeoutResends:   5,
		RequestAckTicks:  2,
		DeadBuffsLimit:   5000,
		ReapBatch:        10,
		MaxOvercommit:    8,
		GrantWindow:      100000,
		UnschedBytes:     60000,
		MaxIncoming:      400000,
		MaxPayload:       1400,
		BpageSize:        65536,
		PoolPages:        1024,
		MaxRPCs:          10000,
		LinkMbps:         10000,
		MaxNicQueueBytes: 20000,
		ThrottleMinBytes: 1000,
		NumPriorities:    8,
		PeerIdleTicks:    10000,
		PeerGraceTicks:   100,
		MaxPendingAcks:   5,
		LogLevel:         "info",
	}
}

// ErrInvalidConfig marks configuration validation failures
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	check := func(ok bool, format string, args ...interface{}) error {
		if ok {
			return nil
		}
		return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
	}
	for _, err := range []error{
		check(c.TickInterval > 0, "tick interval must be positive, got %s", c.TickInterval),
		check(c.ResendTicks > 0, "resend ticks must be positive"),
		check(c.ResendInterval > 0, "resend interval must be positive"),
		check(c.TimeoutTicks > c.ResendTicks, "timeout ticks (%d) must exceed resend ticks (%d)", c.TimeoutTicks, c.ResendTicks),
		check(c.TimeoutResends > 0, "timeout resends must be positive"),
		check(c.DeadBuffsLimit > 0, "dead buffs limit must be positive"),
		check(c.ReapBatch > 0, "reap batch must be positive"),
		check(c.MaxOvercommit > 0, "max overcommit must be positive"),
		check(c.GrantWindow > 0, "grant window must be positive"),
		check(c.UnschedBytes > 0, "unscheduled bytes must be positive"),
		check(c.MaxIncoming >= c.GrantWindow, "max incoming (%d) must be at least the grant window (%d)", c.MaxIncoming, c.GrantWindow),
		check(c.MaxPayload > 0 && c.MaxPayload <= 65000, "max payload must be in (0, 65000], got %d", c.MaxPayload),
		check(c.BpageSize > 0, "bpage size must be positive"),
		check(c.PoolPages > 0, "pool pages must be positive"),
		check(c.MaxRPCs > 0, "max rpcs must be positive"),
		check(c.LinkMbps > 0, "link speed must be positive"),
		check(c.MaxNicQueueBytes >= c.MaxPayload, "max nic queue bytes (%d) must hold one packet (%d)", c.MaxNicQueueBytes, c.MaxPayload),
		check(c.ThrottleMinBytes >= 0, "throttle min bytes must not be negative"),
		check(c.NumPriorities > 0 && c.NumPriorities <= 8, "num priorities must be in [1, 8], got %d", c.NumPriorities),
		check(c.MaxPendingAcks > 0, "max pending acks must be positive"),
		check(validLogLevel(c.LogLevel), "invalid log level %q", c.LogLevel),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Timer")
	addField("Tick Interval", c.TickInterval.String())
	addField("Resend Ticks", fmt.Sprintf("%d", c.ResendTicks))
	addField("Resend Interval", fmt.Sprintf("%d ticks", c.ResendInterval))
	addField("Timeout Ticks", fmt.Sprintf("%d", c.TimeoutTicks))
	addField("Timeout Resends", fmt.Sprintf("%d", c.TimeoutResends))
	addField("Request Ack Ticks", fmt.Sprintf("%d", c.RequestAckTicks))

	addSection("Grants")
	addField("Max Overcommit", fmt.Sprintf("%d", c.MaxOvercommit))
	addField("Grant Window", fmt.Sprintf("%d bytes", c.GrantWindow))
	addField("Unscheduled Bytes", fmt.Sprintf("%d bytes", c.UnschedBytes))
	addField("Max Incoming", fmt.Sprintf("%d bytes", c.MaxIncoming))
	addField("Priorities", fmt.Sprintf("%d", c.NumPriorities))

	addSection("Buffers")
	addField("Max Payload", fmt.Sprintf("%d bytes", c.MaxPayload))
	addField("Bpage Size", fmt.Sprintf("%d bytes", c.BpageSize))
	addField("Pool Pages", fmt.Sprintf("%d", c.PoolPages))
	addField("Max RPCs", fmt.Sprintf("%d", c.MaxRPCs))
	addField("Dead Buffs Limit", fmt.Sprintf("%d", c.DeadBuffsLimit))
	addField("Reap Batch", fmt.Sprintf("%d", c.ReapBatch))

	addSection("Pacer")
	addField("Link Speed", fmt.Sprintf("%d Mbps", c.LinkMbps))
	addField("Max NIC Queue", fmt.Sprintf("%d bytes", c.MaxNicQueueBytes))
	addField("Throttle Min", fmt.Sprintf("%d bytes", c.ThrottleMinBytes))

	addSection("Peers")
	addField("Idle Ticks", fmt.Sprintf("%d", c.PeerIdleTicks))
	addField("Grace Ticks", fmt.Sprintf("%d", c.PeerGraceTicks))
	addField("Max Pending Acks", fmt.Sprintf("%d", c.MaxPendingAcks))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
