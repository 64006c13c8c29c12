package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"

	"github.com/ardnew/softbridge/bridge"
	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/metrics"
	"github.com/ardnew/softbridge/regbus"
	"github.com/ardnew/softbridge/sim"
	"github.com/ardnew/softbridge/store"
)

type fixture struct {
	model *sim.Model
	fw    *bridge.Firmware
	srv   *server
}

func newFixture(t *testing.T, faults *store.Log) *fixture {
	t.Helper()

	clock := kernel.NewManualClock()
	model := sim.NewModel(sim.Config{
		Media:      sim.NewMemoryMedia(1024, sim.BlockSize),
		FlashSize:  1 << 20,
		SuperSpeed: true,
	})
	fw, err := bridge.New(bridge.Hardware{
		Bus:       model.Bus(),
		Flash:     model.Flash(),
		FlashSize: model.Flash().Size(),
		Clock:     clock,
	}, bridge.DefaultConfig())
	if err != nil {
		t.Fatalf("bridge.New() = %v", err)
	}
	model.Attach(fw)
	if err := fw.PowerOn(); err != nil {
		t.Fatalf("PowerOn() = %v", err)
	}
	host := sim.NewHost(model, sim.StepFunc(func() bool {
		clock.Advance(time.Millisecond)
		return fw.Step()
	}))
	if err := host.WaitConnect(); err != nil {
		t.Fatalf("WaitConnect() = %v", err)
	}
	if _, err := host.Enumerate(); err != nil {
		t.Fatalf("Enumerate() = %v", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(fw)); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	return &fixture{
		model: model,
		fw:    fw,
		srv: &server{
			fw:     fw,
			bus:    model.Bus(),
			faults: faults,
			gather: reg,
		},
	}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if got.Link != link.Ready.String() {
		t.Errorf("link = %q, want %q", got.Link, link.Ready.String())
	}
	if !got.NVMeReady {
		t.Error("nvmeReady = false, want true")
	}
	if got.Blocks != 1024 || got.BlockSize != sim.BlockSize {
		t.Errorf("geometry = %d x %d, want 1024 x %d", got.Blocks, got.BlockSize, sim.BlockSize)
	}
	if got.Boot != bridge.BootNoImage.String() {
		t.Errorf("boot = %q, want %q", got.Boot, bridge.BootNoImage.String())
	}
}

func TestRegisters(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		code   int
		want   []register
	}{
		{"write scratch", http.MethodPut, "/regs/0x0480?value=0x5A", http.StatusOK, nil},
		{"read scratch", http.MethodGet, "/regs/0x0480", http.StatusOK,
			[]register{{Addr: "0x0480", Value: "0x5A"}}},
		{"read block", http.MethodGet, "/regs/0x047F?n=3", http.StatusOK,
			[]register{{"0x047F", "0x00"}, {"0x0480", "0x5A"}, {"0x0481", "0x00"}}},
		{"bad address", http.MethodGet, "/regs/0x10000", http.StatusBadRequest, nil},
		{"bad count", http.MethodGet, "/regs/0x0480?n=65", http.StatusBadRequest, nil},
		{"bad value", http.MethodPost, "/regs/0x0480?value=0x100", http.StatusBadRequest, nil},
		{"no method", http.MethodDelete, "/regs/0x0480", http.StatusMethodNotAllowed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path)
			if rec.Code != tt.code {
				t.Fatalf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.code)
			}
			if tt.want == nil {
				return
			}
			var got []register
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("Decode() = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("%s %s mismatch (-want +got):\n%s", tt.method, tt.path, diff)
			}
		})
	}

	if v := f.model.Bus().Peek(0x0480); v != 0x5A {
		t.Errorf("Peek(0x0480) = 0x%02X, want 0x5A", v)
	}
	rec := f.do(t, http.MethodPut, "/regs/0x9002?value=0x00")
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT read-only status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := f.model.Bus().Peek(regbus.USBStatus); v == 0 {
		t.Error("read-only USB status was cleared")
	}
}

func TestFaults(t *testing.T) {
	t.Run("ring", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.do(t, http.MethodGet, "/faults")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /faults status = %d, want %d", rec.Code, http.StatusOK)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
			t.Errorf("GET /faults = %s, want []", got)
		}
	})

	t.Run("store", func(t *testing.T) {
		log, err := store.Open(store.Options{InMemory: true})
		if err != nil {
			t.Fatalf("store.Open() = %v", err)
		}
		defer log.Close()
		for _, code := range []link.Code{link.CodeLinkDown, link.CodeNVMeTimeout} {
			if _, err := log.Append(link.Record{State: link.Ready, Code: code}); err != nil {
				t.Fatalf("Append() = %v", err)
			}
		}

		f := newFixture(t, log)
		rec := f.do(t, http.MethodGet, "/faults?after=1")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /faults status = %d, want %d", rec.Code, http.StatusOK)
		}
		var got []struct {
			ID   uint64 `json:"id"`
			Code string `json:"code"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("Decode() = %v", err)
		}
		if len(got) != 1 || got[0].ID != 2 || got[0].Code != link.CodeNVMeTimeout.String() {
			t.Errorf("GET /faults?after=1 = %+v, want one nvme-timeout with id 2", got)
		}

		if rec := f.do(t, http.MethodGet, "/faults?limit=x"); rec.Code != http.StatusBadRequest {
			t.Errorf("GET /faults?limit=x status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestMetricsAndReset(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	if want := `softbridge_link_state{state="READY"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("GET /metrics missing %s", want)
	}

	if rec := f.do(t, http.MethodPost, "/reset"); rec.Code != http.StatusAccepted {
		t.Errorf("POST /reset status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	f.fw.Step()
	if got := f.fw.Snapshot().Link.State; got == link.Ready {
		t.Errorf("link state after reset = %v, want recovery", got)
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "defaults",
			want: options{diskSize: 64 << 20, level: zapcore.WarnLevel},
		},
		{
			name: "all",
			args: []string{"-script", "-", "-disk", "d.img", "-disk-size", "1048576",
				"-metrics", ":9100", "-faults", "/tmp/f", "-log-level", "debug", "-log-json", "-pprof"},
			want: options{script: "-", disk: "d.img", diskSize: 1 << 20, metrics: ":9100",
				faults: "/tmp/f", level: zapcore.DebugLevel, json: true, pprof: true},
		},
		{name: "bad level", args: []string{"-log-level", "loud"}, wantErr: true},
		{name: "tiny disk", args: []string{"-disk-size", "100"}, wantErr: true},
		{name: "positional", args: []string{"extra"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(options{})); diff != "" {
				t.Errorf("parseFlags() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := "nvmeTimeout: 200ms\nqueueDepth: 4\ninquiry:\n  vendor: ACME\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}
	want := bridge.DefaultConfig()
	want.NVMeTimeout = bridge.Duration(200 * time.Millisecond)
	want.QueueDepth = 4
	want.Inquiry.Vendor = "ACME"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loadConfig() mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("queueDepth: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig() with queueDepth 1 = nil, want error")
	}
}
