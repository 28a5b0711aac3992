package scheduler

import "time"

// Config defines the scheduler's tuning knobs. The yaml tags name
// each field; nothing in this module loads a YAML document into it.
type Config struct {
	// AcquireLimit bounds how many due schedules one tick claims from
	// the store (spec §4.1 step 1, "limit=100").
	AcquireLimit int `yaml:"acquire_limit"`
	// LockExpirationDelay is not read by the Scheduler; the schedule
	// lease length is the Store's own Options.LockExpirationDelay.
	LockExpirationDelay time.Duration `yaml:"lock_expiration_delay"`
	// IdlePollInterval bounds the inter-tick sleep when the store has
	// no pending next_fire_time at all (store.get_next_schedule_run_time
	// returns none); without this cap the scheduler would sleep forever
	// and never notice a schedule added by another process that failed
	// to relay its wakeup event.
	IdlePollInterval time.Duration `yaml:"idle_poll_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		AcquireLimit:        100,
		LockExpirationDelay: 30 * time.Second,
		IdlePollInterval:    1 * time.Minute,
	}
}
