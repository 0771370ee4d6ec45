// Command nvme-sim runs the NVMe driver against a simulated controller and
// drives a verifying read/write workload through it.
//
//	nvme-sim --size 256M --workers 8 --duration 30s --metrics-listen :9100
//	nvme-sim --config nvme-sim.yaml
//	nvme-sim regs /sys/bus/pci/devices/0000:01:00.0/resource0
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/go-nvme"
	"github.com/ehrlich-b/go-nvme/backend"
	"github.com/ehrlich-b/go-nvme/internal/config"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nvme-sim: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the command-line overrides. Only flags that were set
// replace the configuration file's values.
type flags struct {
	fs *pflag.FlagSet

	config  string
	verbose bool

	backendType  string
	path         string
	size         config.Size
	irqQueues    int
	polledQueues int
	queueDepth   int
	noShadow     bool
	noInterrupts bool
	eventfd      bool
	mdts         uint8
	workers      int
	duration     time.Duration
	blockSize    config.Size
	readPercent  int
	noVerify     bool
	listen       string
	logFormat    string
}

func newFlags() *flags {
	f := &flags{fs: pflag.NewFlagSet("nvme-sim", pflag.ContinueOnError)}
	fs := f.fs
	fs.StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output")

	fs.StringVar(&f.backendType, "backend", "", "Namespace storage: memory, file or uring")
	fs.StringVar(&f.path, "path", "", "Backing file for the file and uring backends")
	fs.Var(&f.size, "size", "Namespace size (e.g., 64M, 1G)")
	fs.IntVar(&f.irqQueues, "irq-queues", 0, "Interrupt-driven I/O queues")
	fs.IntVar(&f.polledQueues, "polled-queues", 0, "Polled I/O queues")
	fs.IntVar(&f.queueDepth, "queue-depth", 0, "Entries per I/O queue")
	fs.BoolVar(&f.noShadow, "no-shadow", false, "Do not use shadow doorbells")
	fs.BoolVar(&f.noInterrupts, "no-interrupts", false, "Simulate a platform without interrupt vectors")
	fs.BoolVar(&f.eventfd, "eventfd", false, "Deliver simulated interrupts through eventfds")
	fs.Uint8Var(&f.mdts, "mdts", 0, "Simulated MDTS, a power of two of 4K pages")
	fs.IntVar(&f.workers, "workers", 0, "Workload goroutines")
	fs.DurationVar(&f.duration, "duration", 0, "Workload duration, 0 runs until interrupted")
	fs.Var(&f.blockSize, "block-size", "Workload request size")
	fs.IntVar(&f.readPercent, "read-percent", 0, "Share of reads in the workload")
	fs.BoolVar(&f.noVerify, "no-verify", false, "Do not verify read data")
	fs.StringVar(&f.listen, "metrics-listen", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	return f
}

// apply copies every flag the user set over cfg
func (f *flags) apply(cfg *config.Config) {
	set := f.fs.Changed
	if set("backend") {
		cfg.Backend.Type = f.backendType
	}
	if set("path") {
		cfg.Backend.Path = f.path
	}
	if set("size") {
		cfg.Backend.Size = f.size
	}
	if set("irq-queues") {
		cfg.Device.IRQQueues = f.irqQueues
	}
	if set("polled-queues") {
		cfg.Device.PolledQueues = f.polledQueues
	}
	if set("queue-depth") {
		cfg.Device.QueueDepth = f.queueDepth
	}
	if set("no-shadow") {
		cfg.Device.ShadowDoorbells = !f.noShadow
	}
	if set("no-interrupts") {
		cfg.Sim.NoInterrupts = f.noInterrupts
	}
	if set("eventfd") {
		cfg.Sim.EventFD = f.eventfd
	}
	if set("mdts") {
		cfg.Sim.MDTS = f.mdts
	}
	if set("workers") {
		cfg.Workload.Workers = f.workers
	}
	if set("duration") {
		cfg.Workload.Duration = f.duration
	}
	if set("block-size") {
		cfg.Workload.BlockSize = f.blockSize
	}
	if set("read-percent") {
		cfg.Workload.ReadPercent = f.readPercent
	}
	if set("no-verify") {
		cfg.Workload.Verify = !f.noVerify
	}
	if set("metrics-listen") {
		cfg.Metrics.Listen = f.listen
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	f := newFlags()
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := f.fs.Args(); len(rest) > 0 {
		if rest[0] != "regs" || len(rest) != 2 {
			return fmt.Errorf("usage: nvme-sim [flags] | nvme-sim regs <resource-file>")
		}
		return dumpRegisters(rest[1])
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)

	be, err := openBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer be.Close()

	platform, err := nvme.NewSimulatedPlatform(be, nvme.SimOptions{
		MaxQueueEntries: cfg.Sim.MaxQueueEntries,
		MaxIOQueues:     cfg.Sim.MaxIOQueues,
		MDTS:            cfg.Sim.MDTS,
		LBAShift:        cfg.Sim.LBAShift,
		DoorbellStride:  cfg.Sim.DoorbellStride,
		ShadowDoorbells: cfg.Sim.ShadowDoorbells,
		NoInterrupts:    cfg.Sim.NoInterrupts,
		EventFD:         cfg.Sim.EventFD,
		Mmap:            cfg.Sim.Mmap,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating simulated platform: %w", err)
	}
	defer platform.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := nvme.NewPrometheusObserver(reg, prometheus.Labels{"backend": cfg.Backend.Type})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(logger)

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	params := nvme.Params{
		IRQQueues:       cfg.Device.IRQQueues,
		PolledQueues:    cfg.Device.PolledQueues,
		QueueDepth:      cfg.Device.QueueDepth,
		NamespaceID:     nvme.DefaultNamespaceID,
		PoolPages:       cfg.Device.PoolPages,
		ShadowDoorbells: cfg.Device.ShadowDoorbells,
		ReadyTimeout:    cfg.Device.ReadyTimeout,
		CommandTimeout:  cfg.Device.CommandTimeout,
	}
	dev, err := nvme.Open(openCtx, platform, params, &nvme.Options{Logger: logger, Observer: observer})
	cancelOpen()
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer func() {
		logger.Info("closing device")
		if err := dev.Close(); err != nil {
			logger.Error("error closing device", "error", err)
		}
	}()

	info := dev.Info()
	logger.Info("device opened",
		"model", info.Model,
		"size", config.Size(info.Size).String(),
		"block_size", info.BlockSize,
		"irq_queues", info.IRQQueues,
		"polled_queues", info.PolledQueues,
		"queue_depth", info.QueueDepth,
		"shadow_doorbells", info.ShadowDoorbells)

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	fmt.Printf("Device: %s, %s (%d blocks of %d bytes)\n",
		info.Model, config.Size(info.Size), info.Blocks, info.BlockSize)
	fmt.Printf("Queues: %d interrupt-driven, %d polled, depth %d\n",
		info.IRQQueues, info.PolledQueues, info.QueueDepth)
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	wctx := ctx
	if cfg.Workload.Duration > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cfg.Workload.Duration)
		defer cancel()
	}

	var runErr error
	if cfg.Workload.Workers > 0 {
		w, err := newWorkload(dev, cfg.Workload, logger)
		if err != nil {
			return err
		}
		runErr = w.run(wctx)
		logger.Info("workload finished",
			"reads", w.reads.Load(),
			"writes", w.writes.Load(),
			"verified", w.verified.Load())
	} else {
		<-wctx.Done()
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(sctx)
		cancel()
	}

	printSummary(dev)
	return runErr
}

func openBackend(cfg config.BackendConfig) (nvme.Backend, error) {
	switch cfg.Type {
	case "memory":
		return backend.NewMemory(int64(cfg.Size)), nil
	case "file":
		f, err := backend.OpenFile(cfg.Path, int64(cfg.Size))
		if err != nil {
			return nil, err
		}
		return f, nil
	case "uring":
		return backend.OpenUringFile(cfg.Path, int64(cfg.Size), cfg.UringEntries)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Type)
}

func printSummary(dev *nvme.Device) {
	snap := dev.Metrics().Snapshot()
	fmt.Printf("\nReads:  %d ops, %s, %.0f IOPS, %d errors\n",
		snap.ReadOps, config.Size(snap.ReadBytes), snap.ReadIOPS, snap.ReadErrors)
	fmt.Printf("Writes: %d ops, %s, %.0f IOPS, %d errors\n",
		snap.WriteOps, config.Size(snap.WriteBytes), snap.WriteIOPS, snap.WriteErrors)
	fmt.Printf("Flushes: %d, rejected: %d, abandoned waits: %d\n",
		snap.FlushOps, snap.Rejected, snap.Timeouts)
	fmt.Printf("Latency: avg %s, p50 %s, p99 %s, p99.9 %s\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns), time.Duration(snap.LatencyP999Ns))

	stats, _ := json.MarshalIndent(dev.QueueStats(), "", "  ")
	fmt.Printf("Queues: %s\n", stats)
}

// dumpRegisters prints the identifying registers of a real controller
func dumpRegisters(path string) error {
	bar, err := mmio.OpenBAR(path, 0)
	if err != nil {
		return err
	}
	defer bar.Close()

	capReg := mmio.Cap(bar.Read64(mmio.RegCAP))
	vs := bar.Read32(mmio.RegVS)
	csts := bar.Read32(mmio.RegCSTS)
	fmt.Printf("CAP   0x%016x  MQES+1=%d TO=%s DSTRD=%d MPSMIN=%d\n",
		uint64(capReg), capReg.MaxQueueDepth(), capReg.Timeout(), capReg.DoorbellStride(), capReg.MPSMin())
	fmt.Printf("VS    0x%08x  %d.%d.%d\n", vs, vs>>16, (vs>>8)&0xff, vs&0xff)
	fmt.Printf("CC    0x%08x\n", bar.Read32(mmio.RegCC))
	fmt.Printf("CSTS  0x%08x  RDY=%d CFS=%d\n", csts, csts&mmio.CSTSReady, (csts&mmio.CSTSFatal)>>1)
	fmt.Printf("AQA   0x%08x\n", bar.Read32(mmio.RegAQA))
	return nil
}

func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("nvme-sim-stacks-%d.txt", time.Now().Unix())
		f, err := os.Create(filename)
		if err != nil {
			logger.Warn("cannot write stack dump", "error", err)
			continue
		}
		fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
		f.Write(buf[:n])
		fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
		pprof.Lookup("goroutine").WriteTo(f, 2)
		f.Close()
		logger.Info("stack trace written to file", "file", filename)
	}
}
