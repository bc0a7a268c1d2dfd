// Command ingestd runs the camera ingest middleware as a long-lived daemon,
// or its companion read-only monitor dashboard (spec.md §9). Wiring mirrors
// the teacher's cmd/flyio-image-manager: a FlagSet per subcommand, an
// env-overlaid Config, a process-exclusive lock file, and signal-driven
// graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/edgecam/ingest/assembly"
	"github.com/edgecam/ingest/blobstore"
	"github.com/edgecam/ingest/commandpoller"
	"github.com/edgecam/ingest/config"
	"github.com/edgecam/ingest/engine"
	"github.com/edgecam/ingest/finalizer"
	"github.com/edgecam/ingest/handshake"
	"github.com/edgecam/ingest/monitor"
	"github.com/edgecam/ingest/router"
	"github.com/edgecam/ingest/store"
	"github.com/edgecam/ingest/store/devicecache"
	"github.com/edgecam/ingest/transport"
)

var log = logrus.New()

func main() {
	if len(os.Args) < 2 {
		runDaemon(loadConfig(flag.NewFlagSet("daemon", flag.ExitOnError), os.Args[1:]))
		return
	}

	switch os.Args[1] {
	case "monitor":
		fs := flag.NewFlagSet("monitor", flag.ExitOnError)
		cfg := loadConfig(fs, os.Args[2:])
		if err := runMonitor(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "daemon":
		fs := flag.NewFlagSet("daemon", flag.ExitOnError)
		cfg := loadConfig(fs, os.Args[2:])
		if err := runDaemon(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fs := flag.NewFlagSet("daemon", flag.ExitOnError)
		cfg := loadConfig(fs, os.Args[1:])
		if err := runDaemon(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func loadConfig(fs *flag.FlagSet, args []string) config.Config {
	base := config.Default()
	logLevel := fs.String("log-level", base.LogLevel, "log level (debug, info, warn, error)")
	sqlitePath := fs.String("sqlite-path", base.SQLitePath, "path to the sqlite record store")
	boltPath := fs.String("bolt-path", base.BoltPath, "path to the bbolt finalize-run store")
	lockPath := fs.String("lock-path", base.LockPath, "path to the single-instance lock file")
	_ = fs.Parse(args)

	base.LogLevel = *logLevel
	base.SQLitePath = *sqlitePath
	base.BoltPath = *boltPath
	base.LockPath = *lockPath

	cfg, err := config.FromEnv(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// lockFileInfo is written to the daemon's lock file so a later process can
// decide whether a held lock is stale.
type lockFileInfo struct {
	PID       int   `json:"pid"`
	Timestamp int64 `json:"timestamp"`
}

// acquireLock creates the daemon's single-instance lock file atomically,
// removing and retrying once if the existing lock belongs to a dead PID.
func acquireLock(lockPath string) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	info := lockFileInfo{PID: os.Getpid(), Timestamp: time.Now().Unix()}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal lock info: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			existing, readErr := os.ReadFile(lockPath)
			if readErr == nil {
				var prior lockFileInfo
				if json.Unmarshal(existing, &prior) == nil {
					if isProcessRunning(prior.PID) {
						return fmt.Errorf("another ingestd process is already running (pid %d, started %s)",
							prior.PID, time.Unix(prior.Timestamp, 0).Format(time.RFC3339))
					}
					log.WithField("stale_pid", prior.PID).Warn("removing stale lock file from a dead process")
					if rmErr := os.Remove(lockPath); rmErr != nil {
						return fmt.Errorf("remove stale lock file: %w", rmErr)
					}
					return acquireLock(lockPath)
				}
			}
			return fmt.Errorf("another ingestd process is already running (lock file at %s)", lockPath)
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

func releaseLock(lockPath string) {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove lock file on shutdown")
	}
}

func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// daemon holds every long-lived component so main can close them in order.
type daemon struct {
	records    *store.Store
	bolt       *bolt.DB
	assemblyMg *assembly.Manager
	poller     *commandpoller.Poller
	cache      *devicecache.Cache
}

func (d *daemon) Close() {
	if d.poller != nil {
		d.poller.Stop()
	}
	if d.assemblyMg != nil {
		d.assemblyMg.Stop()
	}
	if d.bolt != nil {
		d.bolt.Close()
	}
	if d.records != nil {
		d.records.Close()
	}
}

func buildDaemon(ctx context.Context, cfg config.Config, broker transport.PubSub) (*daemon, error) {
	storeCfg := store.DefaultConfig()
	storeCfg.Path = cfg.SQLitePath
	records, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	db, err := bolt.Open(cfg.BoltPath, 0o600, &bolt.Options{Timeout: cfg.OpTimeout})
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("open finalize-run store: %w", err)
	}
	engineMgr := engine.NewManager(db, log)

	blobs, err := blobstore.New(ctx, blobstore.Config{Region: cfg.StorageRegion, Bucket: cfg.StorageBucket}, log)
	if err != nil {
		db.Close()
		records.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	finCfg := finalizer.DefaultConfig()
	finCfg.NextWakeSource = func(ctx context.Context, deviceID string) string {
		device, _, err := records.ResolveDevice(ctx, deviceID)
		if err != nil || device.NextWakeAt == nil {
			return ""
		}
		return device.NextWakeAt.UTC().Format(time.RFC3339)
	}
	fin, err := finalizer.New(finCfg, engineMgr, records, blobs, broker, log)
	if err != nil {
		db.Close()
		records.Close()
		return nil, fmt.Errorf("register finalizer pipeline: %w", err)
	}

	assemblyCfg := assembly.DefaultConfig()
	assemblyCfg.RetransmitDelay = cfg.RetransmitDelay
	assemblyCfg.RetransmitMax = cfg.RetransmitMax
	assemblyCfg.CaptureTimeout = cfg.CaptureTimeout
	assemblyCfg.MaxImageBytes = cfg.MaxImageBytes
	assemblyCfg.MaxAssembliesTotal = cfg.MaxAssembliesTotal
	assemblyCfg.MaxAssembliesPer = cfg.MaxAssembliesPer
	assemblyCfg.ReaperInterval = cfg.ReaperInterval
	assemblyMgr, err := assembly.New(assemblyCfg, records, fin, broker, log)
	if err != nil {
		db.Close()
		records.Close()
		return nil, fmt.Errorf("init assembly manager: %w", err)
	}
	assemblyMgr.Start(ctx)

	cache := devicecache.New()
	if err := cache.Refresh(ctx, records); err != nil {
		log.WithError(err).Warn("initial device cache refresh failed; handshake falls back to the store")
	}

	sched := handshake.New(handshake.DefaultConfig(), records, broker, log)
	sched.SetCache(cache)

	poller := commandpoller.New(commandpoller.DefaultConfig(), records, broker, log)
	poller.Start(ctx)

	r := router.New(router.DefaultConfig(), records, assemblyMgr, sched, poller, log)
	if err := r.Subscribe(ctx, broker, cfg.TopicPatternData, cfg.TopicPatternStatus, cfg.TopicPatternAck); err != nil {
		poller.Stop()
		assemblyMgr.Stop()
		db.Close()
		records.Close()
		return nil, fmt.Errorf("subscribe router: %w", err)
	}

	return &daemon{records: records, bolt: db, assemblyMg: assemblyMgr, poller: poller, cache: cache}, nil
}

func runDaemon(cfg config.Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	log.Info("starting ingestd")

	if err := acquireLock(cfg.LockPath); err != nil {
		return err
	}
	defer releaseLock(cfg.LockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No production MQTT client is wired (see transport/transport.go and
	// DESIGN.md); operators that need one build a PubSub against their own
	// broker client and swap it in here. The bundled FakeBroker lets this
	// binary run standalone for local development and demos.
	broker := transport.NewFakeBroker()

	d, err := buildDaemon(ctx, cfg, broker)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Info("ingestd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig).Info("received shutdown signal")

	cancel()
	time.Sleep(cfg.ShutdownGrace)
	log.Info("ingestd shutdown complete")
	return nil
}

func runMonitor(cfg config.Config) error {
	storeCfg := store.DefaultConfig()
	storeCfg.Path = cfg.SQLitePath
	records, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()

	fetcher := monitor.NewFetcher(records, emptyAssemblySource{}, 20)
	return monitor.Run(monitor.DefaultConfig(), fetcher)
}

// emptyAssemblySource is used by the standalone monitor subcommand, which
// reads the record store from a separate process and has no direct handle
// on a live assembly.Manager; its in-flight count always reads zero there.
type emptyAssemblySource struct{}

func (emptyAssemblySource) Len() int { return 0 }
