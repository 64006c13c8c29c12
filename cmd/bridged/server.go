package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/softbridge/bridge"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/pkg/prof"
	"github.com/ardnew/softbridge/regbus"
	"github.com/ardnew/softbridge/store"
)

// server exposes the running firmware over HTTP.
type server struct {
	fw     *bridge.Firmware
	bus    regbus.Bus
	faults *store.Log // nil serves the in-memory fault ring
	gather prometheus.Gatherer
	pprof  bool
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/faults", s.listFaults).Methods(http.MethodGet)
	r.HandleFunc("/regs/{addr}", s.readReg).Methods(http.MethodGet)
	r.HandleFunc("/regs/{addr}", s.writeReg).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/reset", s.reset).Methods(http.MethodPost)
	if s.pprof {
		prof.Register(r, 0, 0)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		pkg.LogWarn(component, "response not written", "error", err)
	}
}

type status struct {
	Link        string            `json:"link"`
	Latched     bool              `json:"latched"`
	BOT         string            `json:"bot"`
	NVMeReady   bool              `json:"nvmeReady"`
	Outstanding int               `json:"outstanding"`
	Blocks      uint64            `json:"blocks"`
	BlockSize   uint32            `json:"blockSize"`
	Boot        string            `json:"boot"`
	Boots       int               `json:"boots"`
	Reboots     int               `json:"reboots"`
	Counters    map[string]uint64 `json:"counters"`
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.fw.Snapshot()
	writeJSON(w, status{
		Link:        snap.Link.State.String(),
		Latched:     snap.Link.Latched,
		BOT:         snap.BOTState.String(),
		NVMeReady:   snap.NVMeReady,
		Outstanding: snap.Outstanding,
		Blocks:      snap.Namespace.Blocks,
		BlockSize:   snap.Namespace.BlockSize,
		Boot:        snap.Boot.Status.String(),
		Boots:       snap.Boots,
		Reboots:     snap.Reboots,
		Counters: map[string]uint64{
			"botCommands":   snap.BOT.Commands,
			"botFailed":     snap.BOT.Failed,
			"botPhaseError": snap.BOT.PhaseErrors,
			"nvmeSubmitted": snap.NVMe.Submitted,
			"nvmeCompleted": snap.NVMe.Completed,
			"dmaBytes":      snap.DMA.Bytes,
			"irqs":          snap.Kernel.IRQs,
		},
	})
}

func (s *server) listFaults(w http.ResponseWriter, r *http.Request) {
	if s.faults == nil {
		ring := s.fw.Faults()
		out := make([]store.Entry, len(ring))
		for i, rec := range ring {
			out[i] = store.Entry{ID: uint64(rec.Seq), Record: rec}
		}
		writeJSON(w, out)
		return
	}

	q := r.URL.Query()
	after, err := queryUint(q.Get("after"), 64)
	if err != nil {
		http.Error(w, "after: "+err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(q.Get("limit"), 31)
	if err != nil {
		http.Error(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.faults.List(after, int(limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, entries)
}

func queryUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, bits)
}

type register struct {
	Addr  string `json:"addr"`
	Value string `json:"value"`
}

func regAddr(r *http.Request) (uint16, error) {
	v, err := strconv.ParseUint(mux.Vars(r)["addr"], 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad register address: %w", pkg.ErrInvalidParameter)
	}
	return uint16(v), nil
}

func (s *server) readReg(w http.ResponseWriter, r *http.Request) {
	addr, err := regAddr(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := queryUint(r.URL.Query().Get("n"), 8)
	if err != nil || n > 64 {
		http.Error(w, "n must be 1..64", http.StatusBadRequest)
		return
	}
	if n == 0 {
		n = 1
	}
	out := make([]register, 0, n)
	for i := uint16(0); i < uint16(n); i++ {
		a := addr + i
		out = append(out, register{
			Addr:  fmt.Sprintf("0x%04X", a),
			Value: fmt.Sprintf("0x%02X", s.bus.Read(a)),
		})
	}
	writeJSON(w, out)
}

func (s *server) writeReg(w http.ResponseWriter, r *http.Request) {
	addr, err := regAddr(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := strconv.ParseUint(r.URL.Query().Get("value"), 0, 8)
	if err != nil {
		http.Error(w, "value must be a byte", http.StatusBadRequest)
		return
	}
	s.bus.Write(addr, uint8(v))
	pkg.LogDebug(component, "register written", "addr", fmt.Sprintf("0x%04X", addr), "value", v)
	writeJSON(w, register{
		Addr:  fmt.Sprintf("0x%04X", addr),
		Value: fmt.Sprintf("0x%02X", s.bus.Read(addr)),
	})
}

func (s *server) reset(w http.ResponseWriter, _ *http.Request) {
	s.fw.RequestReset()
	w.WriteHeader(http.StatusAccepted)
}
