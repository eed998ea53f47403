package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mdstream/internal/codec"
	"mdstream/internal/config"
	"mdstream/internal/history"
	"mdstream/internal/ingest"
	"mdstream/internal/liquidation"
	"mdstream/internal/obs"
	"mdstream/internal/relay"
	"mdstream/internal/stream"
	"mdstream/internal/transport"
	"mdstream/pkg/conn"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("mdstream: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.App.PyroscopeAddr != "" {
		profiler, err := startProfiler(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	serializer, err := codec.NewSerializer(metrics)
	if err != nil {
		return err
	}
	defer serializer.Close()

	streamCfg := cfg.StreamConfig()
	if cfg.Codec.AutoSelect {
		streamCfg.Codec, err = selectCodec(serializer, cfg)
		if err != nil {
			return err
		}
	}

	var (
		backfill ingest.Backfiller
		recorder *history.Recorder
		store    *history.Store
	)
	if opt := cfg.PostgresOption(); opt.Enabled() {
		pg, err := conn.NewPostgres(ctx, opt)
		if err != nil {
			return err
		}
		defer pg.Close()

		store, err = history.NewStore(pg.DB(), cfg.Postgres.BackfillLimit)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		backfill = store
		logs.Info("mdstream: liquidation history enabled")
	}

	var feed ingest.Feed = ingest.NewBinance(cfg.BinanceConfig(), backfill)
	if store != nil {
		recorder = history.NewRecorder(feed, store, history.RecorderConfig{Retention: cfg.Postgres.Retention})
		feed = recorder
	}

	liquidations, err := liquidation.NewAggregator(cfg.LiquidationConfig(), feed, metrics)
	if err != nil {
		return err
	}
	defer liquidations.Close()

	wsServer := transport.NewServer(cfg.TransportConfig(), metrics)
	svc, err := stream.NewService(streamCfg, feed, wsServer, serializer, liquidations, metrics)
	if err != nil {
		return err
	}
	wsServer.SetHandler(svc)

	relays, err := startRelays(ctx, cfg, serializer, liquidations)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range relays {
			if err := r.Close(); err != nil {
				logs.Errorf("mdstream: close relay, err: %+v", err)
			}
		}
	}()

	httpServer := &http.Server{
		Addr: cfg.App.Addr,
		Handler: transport.NewMux(wsServer, reg, func() (any, bool) {
			h := svc.Health()
			return h, len(h.Errored()) == 0
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if recorder != nil {
		g.Go(func() error {
			return recorder.Run(gctx)
		})
	}
	for _, r := range relays {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	g.Go(func() error {
		logs.Infof("mdstream: listening on %s", cfg.App.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.App.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.App.ShutdownTimeout)
		defer cancel()

		wsServer.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logs.Infof("mdstream: stopped, stats: %+v", metrics.Snapshot())
	return err
}

func startProfiler(cfg *config.Config) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App.Name,
		ServerAddress:   cfg.App.PyroscopeAddr,
		Logger:          pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	return profiler, nil
}

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  { logs.Infof("pyroscope: "+format, args...) }
func (pyroscopeLogger) Debugf(string, ...any)             {}
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf("pyroscope: "+format, args...) }

// selectCodec benchmarks every combination on a representative delta and keeps json+none
// unless another choice wins by the configured margin. An explicitly configured codec wins.
func selectCodec(s *codec.Serializer, cfg *config.Config) (codec.Choice, error) {
	results, err := s.Benchmark(benchmarkSample(cfg.OrderBook.DefaultDepth), cfg.Codec.BenchmarkIterations)
	if err != nil {
		return codec.Choice{}, fmt.Errorf("benchmark codecs: %w", err)
	}
	choice := codec.AutoSelect(results, cfg.CodecOverride(), cfg.Codec.SelectMargin)
	for _, r := range results {
		logs.Infof("mdstream: codec %s, size %d, ratio %.2f, ser %s, de %s",
			r.Choice, r.Size, r.Ratio, r.SerializeTime, r.DeserializeTime)
	}
	logs.Infof("mdstream: selected codec %s", choice)
	return choice, nil
}

func startRelays(ctx context.Context, cfg *config.Config, s *codec.Serializer, source *liquidation.Aggregator) ([]*relay.Relay, error) {
	var pubs []relay.Publisher
	if cfg.Redis.URL != "" {
		client, err := conn.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, relay.NewRedis(client))
	}
	if len(cfg.Kafka.Brokers) != 0 {
		pubs = append(pubs, relay.NewKafka(conn.NewKafkaWriter(cfg.KafkaOption()), cfg.Kafka.Topic))
	}

	relays := make([]*relay.Relay, 0, len(pubs))
	for _, pub := range pubs {
		r, err := relay.New(pub, s, cfg.RelayChoice(), source, cfg.Relay.QueueSize)
		if err != nil {
			return nil, err
		}
		for _, symbol := range cfg.Relay.Symbols {
			for _, tf := range cfg.RelayTimeframes() {
				if err := r.Attach(ctx, symbol, tf); err != nil {
					return nil, err
				}
			}
		}
		relays = append(relays, r)
	}
	return relays, nil
}
