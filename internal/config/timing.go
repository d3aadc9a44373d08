package config

import (
	"fmt"
	"time"
)

// TimingConfig centralizes the environment-dependent tuning knobs.
//
// The detector's silence threshold and hard ceiling bound every task: the
// ceiling is the only guarantee that a dispatched task terminates.
type TimingConfig struct {
	PollInterval        string `yaml:"poll_interval"`        // feed scan interval
	SilenceThreshold    string `yaml:"silence_threshold"`    // quiet window that counts as settled
	HardCeiling         string `yaml:"hard_ceiling"`         // absolute bound on waiting for output
	DetectorPoll        string `yaml:"detector_poll"`        // how often the activity counter is sampled
	FallbackWait        string `yaml:"fallback_wait"`        // fixed wait when observation cannot be installed
	SetupTimeout        string `yaml:"setup_timeout"`        // session creation + navigation
	SubmitTimeout       string `yaml:"submit_timeout"`       // delivering the prompt
	InterventionTimeout string `yaml:"intervention_timeout"` // waiting for a human to clear a login wall
	InterventionPoll    string `yaml:"intervention_poll"`    // re-check interval while waiting for a human
	ProgressInterval    string `yaml:"progress_interval"`    // "still thinking" notices while waiting, "0s" = off
}

// DefaultTiming returns the stock timing knobs.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		PollInterval:        "2s",
		SilenceThreshold:    "2s",
		HardCeiling:         "60s",
		DetectorPoll:        "300ms",
		FallbackWait:        "10s",
		SetupTimeout:        "60s",
		SubmitTimeout:       "30s",
		InterventionTimeout: "2m",
		InterventionPoll:    "2s",
		ProgressInterval:    "30s",
	}
}

func parseOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPollInterval returns the feed scan interval.
func (t TimingConfig) GetPollInterval() time.Duration { return parseOr(t.PollInterval, 2*time.Second) }

// GetSilenceThreshold returns the quiet window.
func (t TimingConfig) GetSilenceThreshold() time.Duration {
	return parseOr(t.SilenceThreshold, 2*time.Second)
}

// GetHardCeiling returns the detector's absolute bound.
func (t TimingConfig) GetHardCeiling() time.Duration { return parseOr(t.HardCeiling, 60*time.Second) }

// GetDetectorPoll returns the activity sampling interval.
func (t TimingConfig) GetDetectorPoll() time.Duration {
	return parseOr(t.DetectorPoll, 300*time.Millisecond)
}

// GetFallbackWait returns the degraded fixed wait.
func (t TimingConfig) GetFallbackWait() time.Duration { return parseOr(t.FallbackWait, 10*time.Second) }

// GetSetupTimeout returns the session setup bound.
func (t TimingConfig) GetSetupTimeout() time.Duration { return parseOr(t.SetupTimeout, 60*time.Second) }

// GetSubmitTimeout returns the prompt delivery bound.
func (t TimingConfig) GetSubmitTimeout() time.Duration { return parseOr(t.SubmitTimeout, 30*time.Second) }

// GetInterventionTimeout returns how long a task waits for a human.
func (t TimingConfig) GetInterventionTimeout() time.Duration {
	return parseOr(t.InterventionTimeout, 2*time.Minute)
}

// GetInterventionPoll returns the re-check interval during an intervention.
func (t TimingConfig) GetInterventionPoll() time.Duration {
	return parseOr(t.InterventionPoll, 2*time.Second)
}

// GetProgressInterval returns the progress notice interval; 0 disables them.
func (t TimingConfig) GetProgressInterval() time.Duration {
	if t.ProgressInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(t.ProgressInterval)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

// Validate rejects unparseable durations and a ceiling below the silence window.
func (t TimingConfig) Validate() error {
	fields := map[string]string{
		"poll_interval":        t.PollInterval,
		"silence_threshold":    t.SilenceThreshold,
		"hard_ceiling":         t.HardCeiling,
		"detector_poll":        t.DetectorPoll,
		"fallback_wait":        t.FallbackWait,
		"setup_timeout":        t.SetupTimeout,
		"submit_timeout":       t.SubmitTimeout,
		"intervention_timeout": t.InterventionTimeout,
		"intervention_poll":    t.InterventionPoll,
		"progress_interval":    t.ProgressInterval,
	}
	for name, v := range fields {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("timing.%s: %w", name, err)
		}
	}
	if t.GetHardCeiling() < t.GetSilenceThreshold() {
		return fmt.Errorf("timing.hard_ceiling (%s) must not be shorter than timing.silence_threshold (%s)",
			t.GetHardCeiling(), t.GetSilenceThreshold())
	}
	return nil
}

// GetStoreTimeout returns the per-request store timeout.
func (c *Config) GetStoreTimeout() time.Duration { return parseOr(c.Store.Timeout, 5*time.Second) }

// GetStoreReadyWait returns how long startup waits for the store.
func (c *Config) GetStoreReadyWait() time.Duration { return parseOr(c.Store.ReadyWait, 60*time.Second) }

// GetAuditTimeout returns the audit process bound.
func (c *Config) GetAuditTimeout() time.Duration { return parseOr(c.Audit.Timeout, 30*time.Second) }

// GetAuditInterval returns the audit daemon interval.
func (c *Config) GetAuditInterval() time.Duration { return parseOr(c.Audit.Interval, 60*time.Second) }

// GetSessionMaxAge returns the warm session age limit; 0 means unlimited.
func (c *Config) GetSessionMaxAge() time.Duration {
	if c.Sessions.MaxAge == "" {
		return 0
	}
	return parseOr(c.Sessions.MaxAge, 0)
}
