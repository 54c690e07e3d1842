package delivery

import "time"

type Config struct {
	BatchSize         int
	Workers           int
	MessageDelayMin   time.Duration
	MessageDelayMax   time.Duration
	RetryBackoff      time.Duration
	CascadeDepth      int
	VisibilityTimeout time.Duration
	RecentWindow      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		Workers:           8,
		MessageDelayMin:   300 * time.Millisecond,
		MessageDelayMax:   500 * time.Millisecond,
		RetryBackoff:      30 * time.Second,
		CascadeDepth:      5,
		VisibilityTimeout: 5 * time.Minute,
		RecentWindow:      10 * time.Minute,
	}
}

// normalize fills zero fields from DefaultConfig. A negative CascadeDepth
// disables cascading.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MessageDelayMin <= 0 && c.MessageDelayMax <= 0 {
		c.MessageDelayMin, c.MessageDelayMax = d.MessageDelayMin, d.MessageDelayMax
	}
	if c.MessageDelayMax < c.MessageDelayMin {
		c.MessageDelayMax = c.MessageDelayMin
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.CascadeDepth == 0 {
		c.CascadeDepth = d.CascadeDepth
	}
	if c.CascadeDepth < 0 {
		c.CascadeDepth = 0
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	return c
}
