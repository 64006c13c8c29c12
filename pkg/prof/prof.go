// Package prof serves and captures runtime profiles of the bridge daemon.
//
// [Register] mounts the net/http/pprof handlers on a router under
// /debug/pprof/. [StartCPU] and [Write] capture profiles to files for
// script-driven runs that exit before a client could attach:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//	...
//	prof.Write(prof.ProfileHeap, "heap.prof")
package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile is a pprof snapshot profile name.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

// Prefix is the path [Register] mounts the handlers under.
const Prefix = "/debug/pprof/"

// Register mounts the pprof handlers on r. Block and mutex sampling are
// enabled at the given rates; 0 leaves them off.
func Register(r *mux.Router, blockRate, mutexFraction int) {
	runtime.SetBlockProfileRate(blockRate)
	runtime.SetMutexProfileFraction(mutexFraction)

	s := r.PathPrefix(strings.TrimSuffix(Prefix, "/")).Subrouter()
	s.HandleFunc("/cmdline", pprof.Cmdline)
	s.HandleFunc("/profile", pprof.Profile)
	s.HandleFunc("/symbol", pprof.Symbol)
	s.HandleFunc("/trace", pprof.Trace)
	s.Handle("/{profile}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		pprof.Handler(mux.Vars(req)["profile"]).ServeHTTP(w, req)
	}))
	s.HandleFunc("/", pprof.Index)
}

var (
	cpuMutex sync.Mutex
	cpuFile  *os.File
)

// StartCPU starts CPU profiling into the file at path.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("start cpu profile: %w", err)
	}
	cpuFile = f
	return nil
}

// StopCPU stops CPU profiling and closes the file. It does nothing when
// profiling is not active.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile == nil {
		return
	}
	rpprof.StopCPUProfile()
	cpuFile.Close()
	cpuFile = nil
}

// IsCPUActive reports whether CPU profiling is running.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuFile != nil
}

// Write writes profile to the file at path in protobuf form.
func Write(profile Profile, path string) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.WriteTo(f, 0)
}

// WriteTo writes profile to w. Debug 0 is protobuf, 1 is text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, debug)
}
