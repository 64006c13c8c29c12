package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ardnew/softbridge/device"
	"github.com/ardnew/softbridge/device/class/msc"
	"github.com/ardnew/softbridge/dma"
	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Duration is a time.Duration that reads and writes as a string such as
// "250ms" in configuration files.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are
// nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		t, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(t)
	default:
		return fmt.Errorf("duration %s: %w", b, pkg.ErrInvalidParameter)
	}
	return nil
}

// Inquiry holds the strings reported by SCSI INQUIRY.
type Inquiry struct {
	Vendor   string `json:"vendor"`
	Product  string `json:"product"`
	Revision string `json:"revision"`
}

// Config holds every firmware tunable. Timing is wall-clock; the counts
// bound retries and queue sizes.
type Config struct {
	PHYReadyTimeout Duration `json:"phyReadyTimeout"`
	TunnelTimeout   Duration `json:"tunnelTimeout"`
	DMATimeout      Duration `json:"dmaTimeout"`
	NVMeTimeout     Duration `json:"nvmeTimeout"`
	RecoverMax      Duration `json:"recoverMax"`
	TickInterval    Duration `json:"tickInterval"`
	PollInterval    Duration `json:"pollInterval"`
	// GlobalMaxWait clamps every single bounded wait.
	GlobalMaxWait Duration `json:"globalMaxWait"`

	PHYRetries    int `json:"phyRetries"`
	NVMeRetries   int `json:"nvmeRetries"`
	QueueDepth    int `json:"queueDepth"`
	FaultRingSize int `json:"faultRingSize"`
	MaxRecoveries int `json:"maxRecoveries"`
	StagingSize   int `json:"stagingSize"`

	// Identity and Inquiry are used when config block 0 does not
	// validate.
	Identity   device.Identity `json:"identity"`
	Inquiry    Inquiry         `json:"inquiry"`
	WriteCache bool            `json:"writeCache"`
}

// DefaultConfig returns the ASM2464PD defaults.
func DefaultConfig() Config {
	mc := msc.DefaultConfig()
	return Config{
		PHYReadyTimeout: Duration(50 * time.Millisecond),
		TunnelTimeout:   Duration(20 * time.Millisecond),
		DMATimeout:      Duration(10 * time.Millisecond),
		NVMeTimeout:     Duration(100 * time.Millisecond),
		RecoverMax:      Duration(500 * time.Millisecond),
		TickInterval:    Duration(time.Millisecond),
		PollInterval:    Duration(100 * time.Microsecond),
		GlobalMaxWait:   Duration(250 * time.Millisecond),
		PHYRetries:      3,
		NVMeRetries:     3,
		QueueDepth:      nvme.MaxQueueDepth,
		FaultRingSize:   16,
		MaxRecoveries:   5,
		StagingSize:     regbus.StagingSize,
		Identity:        device.DefaultIdentity(),
		Inquiry: Inquiry{
			Vendor:   mc.Vendor,
			Product:  mc.Product,
			Revision: mc.Revision,
		},
		WriteCache: mc.WriteCache,
	}
}

// Validate checks the configuration for values the firmware cannot run
// with.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    Duration
	}{
		{"phyReadyTimeout", c.PHYReadyTimeout},
		{"tunnelTimeout", c.TunnelTimeout},
		{"dmaTimeout", c.DMATimeout},
		{"nvmeTimeout", c.NVMeTimeout},
		{"recoverMax", c.RecoverMax},
		{"tickInterval", c.TickInterval},
		{"pollInterval", c.PollInterval},
		{"globalMaxWait", c.GlobalMaxWait},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("config: %s must be positive: %w", d.name, pkg.ErrInvalidParameter)
		}
	}
	switch {
	case c.QueueDepth < 2 || c.QueueDepth > nvme.MaxQueueDepth:
		return fmt.Errorf("config: queueDepth %d not in [2, %d]: %w", c.QueueDepth, nvme.MaxQueueDepth, pkg.ErrInvalidParameter)
	case c.StagingSize < 512 || c.StagingSize > regbus.StagingSize || c.StagingSize%512 != 0:
		return fmt.Errorf("config: stagingSize %d: %w", c.StagingSize, pkg.ErrInvalidParameter)
	case c.FaultRingSize < 8:
		return fmt.Errorf("config: faultRingSize %d below 8: %w", c.FaultRingSize, pkg.ErrInvalidParameter)
	case c.PHYRetries < 1:
		return fmt.Errorf("config: phyRetries %d: %w", c.PHYRetries, pkg.ErrInvalidParameter)
	case c.NVMeRetries < 0:
		return fmt.Errorf("config: nvmeRetries %d: %w", c.NVMeRetries, pkg.ErrInvalidParameter)
	case c.MaxRecoveries < 1:
		return fmt.Errorf("config: maxRecoveries %d: %w", c.MaxRecoveries, pkg.ErrInvalidParameter)
	}
	return nil
}

func (c *Config) kernel() kernel.Config {
	return kernel.Config{
		TickInterval:  time.Duration(c.TickInterval),
		PollInterval:  time.Duration(c.PollInterval),
		GlobalMaxWait: time.Duration(c.GlobalMaxWait),
	}
}

func (c *Config) link() link.Config {
	lc := link.DefaultConfig()
	lc.PHYReadyTimeout = time.Duration(c.PHYReadyTimeout)
	lc.TunnelTimeout = time.Duration(c.TunnelTimeout)
	lc.RecoverMax = time.Duration(c.RecoverMax)
	lc.PHYRetries = c.PHYRetries
	lc.MaxRecoveries = c.MaxRecoveries
	lc.FaultRingSize = c.FaultRingSize
	return lc
}

func (c *Config) nvme() nvme.Config {
	nc := nvme.DefaultConfig()
	nc.QueueDepth = c.QueueDepth
	nc.Timeout = time.Duration(c.NVMeTimeout)
	nc.Retries = c.NVMeRetries
	return nc
}

func (c *Config) dma() dma.Config {
	return dma.Config{
		Timeout:     time.Duration(c.DMATimeout),
		StagingSize: c.StagingSize,
	}
}
