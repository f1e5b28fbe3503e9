package poller

import (
	"time"
)

// State is the lifecycle state of a tracked item
type State int

const (
	StateNew State = iota
	StateActive
	StatePolling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Key identifies a tracked resource
type Key struct {
	AccountID  string
	ResourceID string
}

func (k Key) String() string {
	return k.AccountID + "/" + k.ResourceID
}

// Item is one hot resource under revision watch
type Item struct {
	Key
	ContainerID string
	// Scope is the rate-limit scope the item's requests are charged to
	Scope string

	FirstSeen  time.Time
	LastSeen   time.Time
	LastPolled time.Time
	NextDue    time.Time
	PollCount  int
	State      State

	// Baseline revision; empty until fetched
	Revision     string
	ModifiedTime time.Time

	seq        uint64
	generation uint64
}

// Tier maps an age band to a polling interval
type Tier struct {
	MaxAge time.Duration
	Every  time.Duration
}

// DefaultTiers polls freshly edited resources every 2s and backs off to
// every 30s over ten minutes.
var DefaultTiers = []Tier{
	{MaxAge: 10 * time.Second, Every: 2 * time.Second},
	{MaxAge: 30 * time.Second, Every: 3 * time.Second},
	{MaxAge: 60 * time.Second, Every: 5 * time.Second},
	{MaxAge: 120 * time.Second, Every: 10 * time.Second},
	{MaxAge: 600 * time.Second, Every: 30 * time.Second},
}

// intervalFor returns the polling interval for an age, or false once the
// last tier is exhausted
func intervalFor(tiers []Tier, age time.Duration) (time.Duration, bool) {
	for _, t := range tiers {
		if age <= t.MaxAge {
			return t.Every, true
		}
	}
	return 0, false
}

// Metrics are cumulative scheduler counters
type Metrics struct {
	Enqueued    uint64            `json:"enqueued"`
	Polls       uint64            `json:"polls"`
	Changes     uint64            `json:"changes"`
	Syncs       uint64            `json:"syncs"`
	RateLimited uint64            `json:"rate_limited"`
	Errors      uint64            `json:"errors"`
	Skipped     uint64            `json:"ticks_skipped"`
	Evictions   map[string]uint64 `json:"evictions"`
	Tracked     int               `json:"tracked"`
}

// Eviction reasons
const (
	EvictTierEnded = "tier-ended"
	EvictMaxAge    = "max-age"
	EvictGlobalCap = "global-cap"
	EvictScopeCap  = "scope-cap"
	EvictNotFound  = "not-found"
)
