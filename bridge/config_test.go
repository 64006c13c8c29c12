package bridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/pkg"
)

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{`"250ms"`, Duration(250 * time.Millisecond)},
		{`"1m30s"`, Duration(90 * time.Second)},
		{`"100us"`, Duration(100 * time.Microsecond)},
		{`1000000`, Duration(time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
			}
			if d != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, time.Duration(d), time.Duration(tt.want))
			}
		})
	}

	var d Duration
	if err := json.Unmarshal([]byte(`true`), &d); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Unmarshal(true) error = %v, want ErrInvalidParameter", err)
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("Unmarshal(\"soon\") succeeded")
	}
	b, err := json.Marshal(Duration(50 * time.Millisecond))
	if err != nil || string(b) != `"50ms"` {
		t.Errorf("Marshal() = %s, %v, want \"50ms\"", b, err)
	}
}

func TestConfigJSON(t *testing.T) {
	want := DefaultConfig()
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got Config
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{name: "defaults", modify: func(*Config) {}, ok: true},
		{name: "zero timeout", modify: func(c *Config) { c.NVMeTimeout = 0 }},
		{name: "negative poll", modify: func(c *Config) { c.PollInterval = -1 }},
		{name: "depth one", modify: func(c *Config) { c.QueueDepth = 1 }},
		{name: "depth two", modify: func(c *Config) { c.QueueDepth = 2 }, ok: true},
		{name: "depth too large", modify: func(c *Config) { c.QueueDepth = 9 }},
		{name: "staging unaligned", modify: func(c *Config) { c.StagingSize = 1000 }},
		{name: "staging too large", modify: func(c *Config) { c.StagingSize = 8192 }},
		{name: "staging one block", modify: func(c *Config) { c.StagingSize = 512 }, ok: true},
		{name: "small fault ring", modify: func(c *Config) { c.FaultRingSize = 4 }},
		{name: "no phy retries", modify: func(c *Config) { c.PHYRetries = 0 }},
		{name: "no recoveries", modify: func(c *Config) { c.MaxRecoveries = 0 }},
		{name: "no nvme retries", modify: func(c *Config) { c.NVMeRetries = 0 }, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestConfigConversions(t *testing.T) {
	c := DefaultConfig()
	c.NVMeTimeout = Duration(40 * time.Millisecond)
	c.QueueDepth = 4
	c.RecoverMax = Duration(time.Second)
	c.FaultRingSize = 32

	if got := c.nvme(); got.Timeout != 40*time.Millisecond || got.QueueDepth != 4 {
		t.Errorf("nvme() = %+v", got)
	}
	if got := c.link(); got.RecoverMax != time.Second || got.FaultRingSize != 32 || len(got.InitList) == 0 {
		t.Errorf("link() = %+v", got)
	}
	if got := c.kernel(); got.GlobalMaxWait != 250*time.Millisecond {
		t.Errorf("kernel().GlobalMaxWait = %v, want 250ms", got.GlobalMaxWait)
	}
	if got := c.dma(); got.StagingSize != 4096 || got.Timeout != 10*time.Millisecond {
		t.Errorf("dma() = %+v", got)
	}
}
