// Command bridged runs the bridge firmware against the hardware model.
//
// The model stands in for the ASM2464PD: USB device controller, PCIe tunnel,
// command engine DMA, SPI flash and an NVMe controller backed by memory or
// a disk image. Without -script the firmware loop runs until interrupted.
// With -script the model's USB host executes the script, stepping the
// firmware itself, and the command exits when it is done.
//
// Usage:
//
//	bridged [options]
//
// Options:
//
//	-config file        YAML configuration (bridge.Config field names)
//	-script file        host script to run, "-" for stdin
//	-disk file          disk image backing the namespace
//	-disk-size bytes    namespace size (default 64 MiB)
//	-firmware file      Intel HEX image installed before power-on
//	-uart port          serial port for the UART trace, "-" for stderr
//	-remote port        serve the register bus on a serial port
//	-metrics addr       HTTP listen address for /metrics, /status, /faults, /regs
//	-pprof              also serve /debug/pprof/ on the metrics address
//	-faults dir         persistent fault log directory
//	-log-level level    debug, info, warn or error (default warn)
//	-log-json           use JSON log format
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.bug.st/serial"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softbridge/bridge"
	"github.com/ardnew/softbridge/flash"
	"github.com/ardnew/softbridge/metrics"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
	"github.com/ardnew/softbridge/sim"
	"github.com/ardnew/softbridge/store"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentBridge

type options struct {
	config   string
	script   string
	disk     string
	diskSize int64
	firmware string
	uart     string
	remote   string
	metrics  string
	pprof    bool
	faults   string
	level    zapcore.Level
	json     bool
}

func parseFlags(args []string) (options, error) {
	o := options{level: zapcore.WarnLevel}
	fs := flag.NewFlagSet("bridged", flag.ContinueOnError)
	fs.StringVar(&o.config, "config", "", "YAML configuration file")
	fs.StringVar(&o.script, "script", "", "host script to run, - for stdin")
	fs.StringVar(&o.disk, "disk", "", "disk image backing the namespace")
	fs.Int64Var(&o.diskSize, "disk-size", 64<<20, "namespace size in bytes")
	fs.StringVar(&o.firmware, "firmware", "", "Intel HEX image installed before power-on")
	fs.StringVar(&o.uart, "uart", "", "serial port for the UART trace, - for stderr")
	fs.StringVar(&o.remote, "remote", "", "serve the register bus on a serial port")
	fs.StringVar(&o.metrics, "metrics", "", "HTTP listen address")
	fs.BoolVar(&o.pprof, "pprof", false, "serve /debug/pprof/ on the metrics address")
	fs.StringVar(&o.faults, "faults", "", "persistent fault log directory")
	fs.Var(&o.level, "log-level", "minimum log level")
	fs.BoolVar(&o.json, "log-json", false, "use JSON log format")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument %q: %w", fs.Arg(0), pkg.ErrInvalidParameter)
	}
	if o.diskSize < sim.BlockSize {
		return o, fmt.Errorf("disk size %d below one block: %w", o.diskSize, pkg.ErrInvalidParameter)
	}
	return o, nil
}

// loadConfig reads a YAML file over the defaults.
func loadConfig(path string) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	pkg.SetLogLevel(o.level)
	if o.json || !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if err := run(o); err != nil {
		pkg.LogError(component, "bridged failed", "error", err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg, err := loadConfig(o.config)
	if err != nil {
		return err
	}

	var media sim.Media
	if o.disk != "" {
		fm, err := sim.OpenFileMedia(o.disk, o.diskSize, sim.BlockSize)
		if err != nil {
			return err
		}
		defer fm.Close()
		media = fm
	} else {
		media = sim.NewMemoryMedia(uint64(o.diskSize)/sim.BlockSize, sim.BlockSize)
	}
	defer media.Sync()

	model := sim.NewModel(sim.Config{Media: media, FlashSize: flash.DefaultSize, SuperSpeed: true})

	switch o.uart {
	case "":
	case "-":
		model.SetUART(os.Stderr)
	default:
		port, err := serial.Open(o.uart, &serial.Mode{BaudRate: regbus.DefaultBaudRate})
		if err != nil {
			return fmt.Errorf("uart %s: %w", o.uart, err)
		}
		defer port.Close()
		model.SetUART(port)
	}

	fw, err := bridge.New(bridge.Hardware{
		Bus:       model.Bus(),
		Flash:     model.Flash(),
		FlashSize: flash.DefaultSize,
	}, cfg)
	if err != nil {
		return err
	}
	model.Attach(fw)

	if o.firmware != "" {
		if err := install(fw, o.firmware); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg, fw); err != nil {
		return err
	}
	fw.AddObserver(metrics.Observer{})

	var faults *store.Log
	if o.faults != "" {
		if faults, err = store.Open(store.Options{Dir: o.faults, Keep: 10000}); err != nil {
			return err
		}
		defer faults.Close()
		fw.AddObserver(faults)
	}

	if err := fw.PowerOn(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if o.script != "" {
		g.Go(func() error {
			if err := runScript(model, fw, o.script); err != nil {
				return err
			}
			stop()
			return nil
		})
	} else {
		g.Go(func() error { return fw.Run(ctx) })
	}

	if faults != nil {
		g.Go(func() error { return faults.Run(ctx) })
	}

	if o.metrics != "" {
		srv := &http.Server{
			Addr: o.metrics,
			Handler: (&server{
				fw:     fw,
				bus:    model.Bus(),
				faults: faults,
				gather: reg,
				pprof:  o.pprof,
			}).router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			pkg.LogInfo(component, "serving", "addr", o.metrics)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	if o.remote != "" {
		port, err := serial.Open(o.remote, &serial.Mode{BaudRate: regbus.DefaultBaudRate})
		if err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("remote %s: %w", o.remote, err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return port.Close()
		})
		g.Go(func() error {
			err := regbus.Serve(port, model.Bus())
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	snap := fw.Snapshot()
	pkg.LogInfo(component, "stopped",
		"link", snap.Link.State.String(),
		"commands", snap.BOT.Commands,
		"faults", len(snap.Faults),
		"boots", snap.Boots)
	return err
}

func install(fw *bridge.Firmware, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := flash.LoadHex(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	rec, err := flash.Install(fw.Bank().Updater(), img, 0)
	if err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	pkg.LogInfo(component, "firmware installed",
		"part1", rec.Length(flash.Part1),
		"part2", rec.Length(flash.Part2))
	return nil
}

func runScript(model *sim.Model, fw *bridge.Firmware, path string) error {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	host := sim.NewHost(model, fw)
	if err := host.WaitConnect(); err != nil {
		return err
	}
	if _, err := host.Enumerate(); err != nil {
		return err
	}
	return sim.NewRunner(host, os.Stdout).Run(src)
}
