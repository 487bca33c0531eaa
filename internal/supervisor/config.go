package supervisor

import (
	"fmt"
	"time"

	"cyrange/internal/discovery"

	"github.com/robfig/cron/v3"
)

// Config tunes the scheduler. Schedules use the cron syntax accepted by
// cron.ParseStandard, including "@every <duration>" descriptors.
type Config struct {
	SyncSchedule      string
	StatsSchedule     string
	CleanupSchedule   string
	ResetSchedule     string
	DiscoverySchedule string

	// CallTimeout bounds each runtime call.
	CallTimeout time.Duration
	// HostMinInterval throttles repeated access to the same host.
	HostMinInterval time.Duration
	// RecordInterval is the pause between records of one host.
	RecordInterval time.Duration
	// Retention is how long SYNCED records may stay unmodified before cleanup.
	Retention time.Duration
	// StaleSyncAfter is how long a record may stay SYNCING before the
	// attempt is considered abandoned.
	StaleSyncAfter         time.Duration
	MaxConsecutiveFailures int
	// HostConcurrency is the number of hosts reconciled in parallel.
	HostConcurrency int

	Scopes []discovery.Scope
}

func DefaultConfig() Config {
	return Config{
		SyncSchedule:           "@every 5m",
		StatsSchedule:          "@every 30m",
		CleanupSchedule:        "0 2 * * *",
		ResetSchedule:          "0 * * * *",
		DiscoverySchedule:      "@every 1m",
		CallTimeout:            30 * time.Second,
		HostMinInterval:        30 * time.Second,
		RecordInterval:         500 * time.Millisecond,
		Retention:              7 * 24 * time.Hour,
		StaleSyncAfter:         5 * time.Minute,
		MaxConsecutiveFailures: 5,
		HostConcurrency:        4,
	}
}

// Validate checks schedules and limits. Empty schedules disable the pass.
func (c Config) Validate() error {
	for name, spec := range map[string]string{
		"sync":      c.SyncSchedule,
		"stats":     c.StatsSchedule,
		"cleanup":   c.CleanupSchedule,
		"reset":     c.ResetSchedule,
		"discovery": c.DiscoverySchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive, got %d", c.MaxConsecutiveFailures)
	}
	if c.HostConcurrency <= 0 {
		return fmt.Errorf("host concurrency must be positive, got %d", c.HostConcurrency)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	seen := make(map[string]bool, len(c.Scopes))
	for _, sc := range c.Scopes {
		if sc.ID == "" || sc.HostID == "" {
			return fmt.Errorf("scope %q: id and host are required", sc.ID)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate scope %q", sc.ID)
		}
		seen[sc.ID] = true
	}
	return nil
}
