// Package metrics exports the bridge firmware counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softbridge/bridge"
	"github.com/ardnew/softbridge/link"
)

const namespace = "softbridge"

// Source is anything that can produce a firmware snapshot.
type Source interface {
	Snapshot() bridge.Snapshot
}

var (
	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_faults_total",
			Help:      "Number of link faults by fault code",
		},
		[]string{"code"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_transitions_total",
			Help:      "Number of link state transitions by target state",
		},
		[]string{"to"},
	)
)

// Observer counts link events. Add it to the firmware with
// [bridge.Firmware.AddObserver].
type Observer struct{}

// LinkChanged implements [bridge.Observer].
func (Observer) LinkChanged(_, to link.State) {
	TransitionsTotal.WithLabelValues(to.String()).Inc()
}

// Fault implements [bridge.Observer].
func (Observer) Fault(rec link.Record) {
	FaultsTotal.WithLabelValues(rec.Code.String()).Inc()
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(s *bridge.Snapshot) float64
}

func counter(name, help string, value func(s *bridge.Snapshot) float64) metric {
	return metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		kind:  prometheus.CounterValue,
		value: value,
	}
}

func gauge(name, help string, value func(s *bridge.Snapshot) float64) metric {
	return metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		kind:  prometheus.GaugeValue,
		value: value,
	}
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collector reads one snapshot per scrape.
type Collector struct {
	src     Source
	metrics []metric
	state   *prometheus.Desc
}

// NewCollector returns a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", "state"),
			"Current link state, 1 for the active state", []string{"state"}, nil),
		metrics: []metric{
			gauge("link_phy_ready", "PHY reports ready", func(s *bridge.Snapshot) float64 { return boolean(s.Link.PHYReady) }),
			gauge("link_pcie_up", "PCIe link is up", func(s *bridge.Snapshot) float64 { return boolean(s.Link.PCIeLinkUp) }),
			gauge("link_usb_enumerated", "USB host assigned an address", func(s *bridge.Snapshot) float64 { return boolean(s.Link.USBEnumerated) }),
			gauge("link_latched", "Recovery limit reached, link held in fault", func(s *bridge.Snapshot) float64 { return boolean(s.Link.Latched) }),
			gauge("link_recoveries", "Recovery attempts since the last READY", func(s *bridge.Snapshot) float64 { return float64(s.Link.Recoveries) }),
			counter("link_timeouts_total", "Link timeouts", func(s *bridge.Snapshot) float64 { return float64(s.Link.TimeoutCounter) }),

			counter("bot_commands_total", "BOT commands received", func(s *bridge.Snapshot) float64 { return float64(s.BOT.Commands) }),
			counter("bot_passed_total", "BOT commands passed", func(s *bridge.Snapshot) float64 { return float64(s.BOT.Passed) }),
			counter("bot_failed_total", "BOT commands failed", func(s *bridge.Snapshot) float64 { return float64(s.BOT.Failed) }),
			counter("bot_phase_errors_total", "BOT phase errors", func(s *bridge.Snapshot) float64 { return float64(s.BOT.PhaseErrors) }),
			counter("bot_invalid_cbws_total", "CBWs rejected as invalid", func(s *bridge.Snapshot) float64 { return float64(s.BOT.InvalidCBWs) }),
			counter("bot_resets_total", "Bulk-Only Mass Storage Resets", func(s *bridge.Snapshot) float64 { return float64(s.BOT.Resets) }),
			counter("bot_aborted_total", "BOT commands aborted by faults or resets", func(s *bridge.Snapshot) float64 { return float64(s.BOT.Aborted) }),
			counter("bot_bytes_in_total", "Bytes sent to the host", func(s *bridge.Snapshot) float64 { return float64(s.BOT.BytesIn) }),
			counter("bot_bytes_out_total", "Bytes received from the host", func(s *bridge.Snapshot) float64 { return float64(s.BOT.BytesOut) }),

			gauge("nvme_ready", "NVMe controller brought up", func(s *bridge.Snapshot) float64 { return boolean(s.NVMeReady) }),
			gauge("nvme_outstanding", "NVMe commands awaiting completion", func(s *bridge.Snapshot) float64 { return float64(s.Outstanding) }),
			gauge("nvme_namespace_blocks", "Namespace size in blocks", func(s *bridge.Snapshot) float64 { return float64(s.Namespace.Blocks) }),
			counter("nvme_submitted_total", "NVMe commands submitted", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.Submitted) }),
			counter("nvme_completed_total", "NVMe completions consumed", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.Completed) }),
			counter("nvme_failed_total", "NVMe commands failed", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.Failed) }),
			counter("nvme_retried_total", "NVMe commands resubmitted", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.Retried) }),
			counter("nvme_timed_out_total", "NVMe commands past the liveness timeout", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.TimedOut) }),
			counter("nvme_stale_total", "Completions without a waiting command", func(s *bridge.Snapshot) float64 { return float64(s.NVMe.Stale) }),

			counter("dma_transfers_total", "DMA transfers", func(s *bridge.Snapshot) float64 { return float64(s.DMA.Transfers) }),
			counter("dma_bytes_total", "Bytes moved by DMA", func(s *bridge.Snapshot) float64 { return float64(s.DMA.Bytes) }),
			counter("dma_errors_total", "DMA transfers ending in error", func(s *bridge.Snapshot) float64 { return float64(s.DMA.Errors) }),
			counter("dma_timeouts_total", "DMA transfers that timed out", func(s *bridge.Snapshot) float64 { return float64(s.DMA.Timeouts) }),

			counter("kernel_steps_total", "Main loop iterations", func(s *bridge.Snapshot) float64 { return float64(s.Kernel.Steps) }),
			counter("kernel_irqs_total", "Interrupts delivered", func(s *bridge.Snapshot) float64 { return float64(s.Kernel.IRQs) }),
			counter("kernel_ticks_total", "Periodic ticks", func(s *bridge.Snapshot) float64 { return float64(s.Kernel.Ticks) }),
			counter("kernel_deferred_total", "Endpoint events left pending", func(s *bridge.Snapshot) float64 { return float64(s.Kernel.Deferred) }),
			counter("kernel_unhandled_total", "Events cleared without a handler", func(s *bridge.Snapshot) float64 { return float64(s.Kernel.Unhandled) }),

			counter("boots_total", "Firmware power-ons, including reboots", func(s *bridge.Snapshot) float64 { return float64(s.Boots) }),
			counter("reboots_total", "CPU resets requested by vendor commands", func(s *bridge.Snapshot) float64 { return float64(s.Reboots) }),
			gauge("boot_status", "Boot record status of the last power-on", func(s *bridge.Snapshot) float64 { return float64(s.Boot.Status) }),
			gauge("fault_ring_length", "Records in the fault ring", func(s *bridge.Snapshot) float64 { return float64(len(s.Faults)) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	for _, s := range link.States() {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue,
			boolean(s == snap.Link.State), s.String())
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(&snap))
	}
}

// Register adds the collector for src and the event counters to reg.
func Register(reg prometheus.Registerer, src Source) error {
	for _, c := range []prometheus.Collector{NewCollector(src), FaultsTotal, TransitionsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
