package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/gpuvideo"
	"github.com/xaionaro-go/gpuvideo/codec"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/metrics"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] <output-file>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	configPath := pflag.String("config", "", "a YAML file with the encoder description")
	frames := pflag.Uint64("frames", 0, "the amount of frames to encode (overrides the config)")
	allowFallback := pflag.Bool("allow-rate-control-fallback", false, "drop unsupported optional rate control features instead of failing")
	statsInterval := pflag.Duration("stats-interval", time.Second, "how often to log the session statistics")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	metricsAddr := pflag.String("metrics-listen-addr", "", "an address to serve the prometheus metrics at")
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) {
			if err := serveHTTP(ctx, *netPprofAddr, http.DefaultServeMux); err != nil {
				l.Error(err)
			}
		})
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		l.Fatal(err)
	}
	if pflag.CommandLine.Changed("frames") {
		cfg.Frames = *frames
	}
	if *allowFallback {
		cfg.Encoder.AllowRateControlFallback = true
	}

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		observability.Go(ctx, func(ctx context.Context) {
			if err := serveHTTP(ctx, *metricsAddr, mux); err != nil {
				l.Error(err)
			}
		})
	}

	device := emulated.NewDevice(emulated.DefaultCapabilities())
	gctx, err := gpuvideo.NewContext(ctx, device, codec.OptionMetrics{Metrics: metrics.New(registry)})
	if err != nil {
		l.Fatal(err)
	}
	defer gctx.Close(ctx)

	outputPath := pflag.Arg(0)
	emu := &emulator{
		Context:       gctx,
		Config:        cfg,
		StatsInterval: *statsInterval,
	}

	l.Debugf("encoding %d frames into '%s'...", cfg.Frames, outputPath)
	f, err := os.Create(outputPath)
	if err != nil {
		l.Fatal(err)
	}
	encoded, err := emu.Encode(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		l.Fatal(err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		l.Fatal(err)
	}
	l.Debugf("decoding %s back...", humanize.Bytes(uint64(len(data))))
	decodeStats, err := emu.Decode(ctx, encoded, data)
	if err != nil {
		l.Fatal(err)
	}

	fmt.Printf("encoded %d frames into %s (%s); decoded %d frames\n",
		len(encoded), outputPath, humanize.Bytes(uint64(len(data))), decodeStats.Frames)
}

// serveHTTP serves handler at addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	observability.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		_ = srv.Close()
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unable to serve at '%s': %w", addr, err)
	}
	return nil
}
