package prof

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestStartCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	if err := StartCPU(path); err != nil {
		t.Fatalf("StartCPU() error = %v, want nil", err)
	}
	if !IsCPUActive() {
		t.Error("IsCPUActive() = false, want true")
	}
	if err := StartCPU(filepath.Join(t.TempDir(), "cpu2.prof")); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("StartCPU() error = %v, want %v", err, ErrCPUProfileActive)
	}

	StopCPU()
	if IsCPUActive() {
		t.Error("IsCPUActive() = true after StopCPU(), want false")
	}
	StopCPU()

	if err := StartCPU("/nonexistent/directory/cpu.prof"); err == nil {
		t.Error("StartCPU() error = nil, want error for invalid path")
		StopCPU()
	}
}

func TestWrite(t *testing.T) {
	tests := []struct {
		profile Profile
		wantErr error
	}{
		{ProfileHeap, nil},
		{ProfileGoroutine, nil},
		{ProfileMutex, nil},
		{Profile("nonexistent"), ErrInvalidProfile},
	}

	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.profile.String()+".prof")
			err := Write(tt.profile, path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Write(%v) error = %v, want %v", tt.profile, err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("os.Stat(%s) error = %v", path, err)
			}
			if info.Size() == 0 {
				t.Errorf("Write(%v) created empty file", tt.profile)
			}
		})
	}
}

func TestWriteToDebug(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTo(ProfileGoroutine, &buf, 1); err != nil {
		t.Fatalf("WriteTo() error = %v, want nil", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("goroutine")) {
		t.Errorf("WriteTo(ProfileGoroutine, _, 1) output does not contain 'goroutine'")
	}
}

func TestRegister(t *testing.T) {
	r := mux.NewRouter()
	Register(r, 0, 0)

	tests := []struct {
		path string
		want string
	}{
		{Prefix, "goroutine"},
		{Prefix + "goroutine?debug=1", "goroutine profile"},
		{Prefix + "cmdline", os.Args[0]},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("GET %s status = %d, want %d", tt.path, rec.Code, http.StatusOK)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("GET %s body missing %q", tt.path, tt.want)
			}
		})
	}
}
