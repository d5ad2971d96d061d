// Package main — cmd/visionguard/main.go
//
// visionguard agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/visionguard/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB excursion ledger (if storage.enabled).
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Construct the signal analyzer, anomaly engine, trust engine,
//     session recorder, and integrity kernel.
//  6. Start the ingest socket (frame + anomaly wire source) and merge
//     pipeline.
//  7. Start the operator control socket (reset / set_source_mode).
//  8. Start the driver loop: pipeline sample → Analyze → Tick → Record →
//     Observe → integrity-check on policy change / excursion close.
//  9. Register SIGHUP handler: re-reads and validates the config file and
//     logs the result; running components keep their startup settings
//     (new values take effect on the next restart).
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Wait for the driver loop to drain (max 5s).
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/visionguard/visionguard/internal/anomaly"
	"github.com/visionguard/visionguard/internal/config"
	"github.com/visionguard/visionguard/internal/ingest"
	"github.com/visionguard/visionguard/internal/integrity"
	"github.com/visionguard/visionguard/internal/observability"
	"github.com/visionguard/visionguard/internal/operator"
	"github.com/visionguard/visionguard/internal/recorder"
	"github.com/visionguard/visionguard/internal/trust"
	"github.com/visionguard/visionguard/internal/vision"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/visionguard/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("visionguard %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("visionguard starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("session_id", cfg.SessionID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Optional durable excursion ledger ────────────────────────
	var boltStore *recorder.BoltStore
	if cfg.Storage.Enabled {
		boltStore, err = recorder.OpenBoltStore(cfg.Storage.DBPath)
		if err != nil {
			log.Fatal("excursion ledger open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		}
		defer boltStore.Close() //nolint:errcheck
		log.Info("excursion ledger opened", zap.String("path", cfg.Storage.DBPath))
	}

	// ── Step 4: Prometheus metrics ───────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Core pipeline components ─────────────────────────────────
	analyzerConstants := vision.Constants{
		V0:                  cfg.Analyzer.V0,
		D0:                  cfg.Analyzer.D0,
		H0:                  cfg.Analyzer.H0,
		BlankMeanThreshold:  cfg.Analyzer.BlankMeanThreshold,
		FreezeDiffThreshold: cfg.Analyzer.FreezeDiffThreshold,
		FreezeConfirmFrames: cfg.Analyzer.FreezeConfirmFrames,
	}
	analyzer := vision.NewAnalyzer(analyzerConstants)

	mahal := anomaly.NewEngine(cfg.Anomaly.EntropyWeight)
	anomaly.Register(mahal)
	sourceHolder := newActiveSourceHolder(cfg.Anomaly.Scorer)

	rates := trust.Rates{
		Recover: cfg.Dynamics.RRecover,
		Frozen:  cfg.Dynamics.RFrozen,
		Blank:   cfg.Dynamics.RBlank,
		Corrupt: cfg.Dynamics.RCorrupt,
		Leak:    cfg.Dynamics.Leak,
		Gain:    cfg.Dynamics.Gain,
		DTMax:   cfg.Dynamics.DTMax.Seconds(),
	}
	thresholds := trust.Thresholds{
		Allowed:           cfg.Dynamics.Allowed,
		Blocked:           cfg.Dynamics.Blocked,
		ExcursionClose:    cfg.Dynamics.ExcursionClose,
		DecliningVelocity: cfg.Dynamics.DecliningVelocity,
	}
	engine := trust.NewEngine(rates, thresholds)

	rec := recorder.New(recorder.Capacities{
		TickBuffer:   cfg.Recorder.TickBufferCapacity,
		ExcursionLog: cfg.Recorder.ExcursionCapacity,
	})

	kernel := integrity.New(log.Named("integrity"), integrity.DefaultBounds(), false)

	// ── Step 6: Ingest socket + merge pipeline ───────────────────────────
	ingestSocketPath := cfg.Operator.SocketPath + ".ingest"
	src := ingest.NewSocketSource(ingestSocketPath, cfg.Ingest.QueueSize, log.Named("ingest"))
	go func() {
		if err := src.ListenAndServe(ctx); err != nil {
			log.Error("ingest socket error", zap.Error(err))
		}
	}()
	log.Info("ingest socket listening", zap.String("path", ingestSocketPath))

	pipeline := ingest.New(src.Frames(), src.Anomaly(), cfg.Ingest.QueueSize, log.Named("ingest"), framesDroppedAdapter{metrics})
	samples := pipeline.Run(ctx)

	// ── Step 7: Operator control socket ──────────────────────────────────
	controller := operator.NewMemController(
		engine.Reset,
		func() operator.StatusSnapshot {
			snap := engine.LastSnapshot()
			return operator.StatusSnapshot{
				Reliability: snap.Reliability,
				Policy:      snap.Policy.String(),
				TickCount:   snap.TickCount,
			}
		},
		cfg.Anomaly.Scorer,
		sourceHolder.setByName,
	)
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, controller, log.Named("operator"))
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 8: Driver loop ───────────────────────────────────────────────
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		runDriver(ctx, samples, analyzer, sourceHolder, engine, rec, kernel, metrics, boltStore, log)
	}()

	// ── Step 9: SIGHUP hot-reload ──────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful; calibration constants take effect on next restart",
				zap.Float64("new_threshold_allowed", newCfg.Dynamics.Allowed))
			_ = newCfg
		}
	}()

	// ── Step 10: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-driverDone:
		log.Info("driver loop drained")
	}

	log.Info("visionguard shutdown complete")
}

// runDriver is the single-writer tick loop: every sample off the merge
// pipeline is classified, fed to the trust engine, recorded, observed,
// and — on a policy change or excursion close — checked by the integrity
// kernel.
func runDriver(
	ctx context.Context,
	samples <-chan ingest.Sample,
	analyzer *vision.Analyzer,
	sourceHolder *activeSourceHolder,
	engine *trust.Engine,
	rec *recorder.Recorder,
	kernel *integrity.Kernel,
	metrics *observability.Metrics,
	boltStore *recorder.BoltStore,
	log *zap.Logger,
) {
	var excursionSeq uint64
	var prevEvicted, prevDropped, prevClockRegressions, prevBadAnomaly uint64

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}

			status, _, err := analyzer.Analyze(sample.Frame)
			if err != nil {
				metrics.InvalidFramesTotal.Inc()
				log.Debug("invalid frame, skipping tick", zap.Error(err))
				continue
			}

			anomalyScore := sample.Anomaly
			if src := sourceHolder.get(); src != nil {
				if scored, err := src.Score(sample.Frame); err == nil {
					anomalyScore = scored
				}
			}

			snapshot, changed, closed := engine.Tick(sample.Frame.Timestamp, status, anomalyScore)

			rec.RecordTick(snapshot)
			metrics.ObserveTick(snapshot, changed, closed)

			if changed != nil {
				log.Info("policy changed",
					zap.String("from", changed.From.String()),
					zap.String("to", changed.To.String()),
					zap.Float64("timestamp", changed.Timestamp),
				)
			}

			if changed != nil || closed != nil {
				if _, err := kernel.Check(snapshot); err != nil {
					metrics.IntegrityViolationsTotal.Inc()
					log.Warn("integrity check failed on policy change or excursion close", zap.Error(err))
				}
				metrics.IntegrityChecksTotal.Inc()
			}

			if closed != nil {
				rec.RecordExcursion(*closed)
				log.Info("excursion closed",
					zap.Float64("min_reliability", closed.MinReliability),
					zap.String("dominant_cause", closed.DominantCause.String()),
					zap.Float64("duration_s", closed.Duration()),
				)
				if boltStore != nil {
					excursionSeq++
					if err := boltStore.Append(*closed, excursionSeq); err != nil {
						log.Error("excursion ledger append failed", zap.Error(err))
					}
				}
			}

			// rec/engine expose lifetime totals, not per-tick deltas; the
			// Prometheus counters only ever move forward, so track the
			// previous lifetime value locally and add the difference.
			if evicted := rec.TicksEvicted(); evicted > prevEvicted {
				metrics.TickBufferEvictionsTotal.Add(float64(evicted - prevEvicted))
				prevEvicted = evicted
			}
			if dropped := rec.ExcursionsDropped(); dropped > prevDropped {
				metrics.ExcursionsDroppedTotal.Add(float64(dropped - prevDropped))
				prevDropped = dropped
			}
			if cr := engine.ClockRegressions(); cr > prevClockRegressions {
				metrics.ClockRegressionsTotal.Add(float64(cr - prevClockRegressions))
				prevClockRegressions = cr
			}
			if ba := engine.BadAnomalyValues(); ba > prevBadAnomaly {
				metrics.BadAnomalyValuesTotal.Add(float64(ba - prevBadAnomaly))
				prevBadAnomaly = ba
			}
		}
	}
}

// framesDroppedAdapter adapts observability.Metrics.FramesDroppedTotal (a
// *prometheus.CounterVec) to ingest.DropCounter.
type framesDroppedAdapter struct {
	metrics *observability.Metrics
}

func (a framesDroppedAdapter) IncDropped(reason string) {
	a.metrics.FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// activeSourceHolder is a thread-safe swap point for the anomaly.Source
// currently in effect, mutated only by the operator control socket's
// set_source_mode command and read once per tick by the driver loop.
type activeSourceHolder struct {
	mu   sync.Mutex
	name string
	src  anomaly.Source
}

func newActiveSourceHolder(initialName string) *activeSourceHolder {
	h := &activeSourceHolder{}
	_ = h.setByName(initialName)
	return h
}

func (h *activeSourceHolder) setByName(name string) error {
	src, ok := anomaly.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown source mode %q", name)
	}
	h.mu.Lock()
	h.name = name
	h.src = src
	h.mu.Unlock()
	return nil
}

func (h *activeSourceHolder) get() anomaly.Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.src
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
