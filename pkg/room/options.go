package room

import (
	"log/slog"
	"time"

	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/relay"
)

const (
	DefaultGracePeriod      = 10 * time.Second
	DefaultCompactThreshold = 100
	DefaultStoreTimeout     = 10 * time.Second
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultRetryAttempts    = 5
	DefaultMaxClockSkew     = 1 << 20
)

// Options tune a Manager and every Room it creates. Zero values fall back to the defaults above.
type Options struct {
	// GracePeriod is how long an empty room stays loaded before it is flushed and evicted.
	GracePeriod time.Duration
	// CompactThreshold is the log length the room tolerates. The op that pushes the log past it triggers a
	// compaction covering every op so far.
	CompactThreshold int
	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration
	// RetryInterval and RetryAttempts control the backoff applied to failed compactions.
	RetryInterval time.Duration
	RetryAttempts uint64
	// MaxClockSkew is how far ahead of the room's clock an op's counter may be.
	MaxClockSkew uint64

	PresenceTTL  time.Duration
	PresenceRate float64

	Relay  relay.Relay
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.MaxClockSkew == 0 {
		o.MaxClockSkew = DefaultMaxClockSkew
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = presence.DefaultTTL
	}
	if o.PresenceRate <= 0 {
		o.PresenceRate = presence.DefaultRate
	}
	if o.Relay == nil {
		o.Relay = relay.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Peer is one connected session as seen by a room. Send must not block: it returns false when the peer cannot
// keep up, after which the room drops it and calls Close. The room stops calling a peer once Leave returns.
type Peer interface {
	ID() string
	Send(m protocol.Message) bool
	Close()
}

// Stats is a point in time view of a loaded room.
type Stats struct {
	Board         string `json:"board"`
	Sessions      int    `json:"sessions"`
	Objects       int    `json:"objects"`
	Clock         uint64 `json:"clock"`
	SinceCompact  int    `json:"since_compact"`
	FailedAppends int64  `json:"failed_appends"`
}
