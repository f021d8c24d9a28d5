package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/raft-saga-store/bank"
	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/command"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/config"
	"github.com/raft-saga-store/coordinator"
	"github.com/raft-saga-store/eventsource"
	httpd "github.com/raft-saga-store/http"
	"github.com/raft-saga-store/metric"
	"github.com/raft-saga-store/pvstore"
	"github.com/raft-saga-store/rabbitmq"
	"github.com/raft-saga-store/store"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Command line parameters
var (
	cfg        = config.Default()
	configFile string
	backoff    time.Duration
)

func init() {
	flag.StringVarP(&configFile, "config", "c", "", "JSON configuration file, flags set here take precedence")
	flag.StringVarP(&cfg.ID, "id", "i", "", "Node ID, randomly generated if not set")
	flag.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Set the server listen address")
	flag.StringVarP(&cfg.Raft, "raft", "r", cfg.Raft, "Set the RAFT binding address")
	flag.StringVarP(&cfg.RaftDir, "raft-dir", "d", "", "Raft directory, ./$(nodeID) if not set")
	flag.StringVarP(&cfg.Join, "join", "j", "", "Set joining HTTP address, if any")
	flag.StringVarP(&cfg.Storage, "storage", "s", cfg.Storage, "Event storage: memory, bolt or raft")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory of the bolt event file")
	flag.IntVar(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "Events between aggregate snapshots, 0 disables them")
	flag.StringVar(&cfg.AMQP, "amqp", "", "RabbitMQ URL, messages stay in-process if not set")
	flag.StringVar(&cfg.Redis, "redis", "", "Redis address of the processed versions, in memory if not set")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Prefix of the redis keys")
	flag.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of bus workers")
	flag.IntVar(&cfg.Retries, "retries", cfg.Retries, "Delivery attempts of a message")
	flag.DurationVar(&backoff, "backoff", time.Duration(cfg.Backoff), "Delay between delivery attempts, grows linearly")
	flag.IntVarP(&common.SnapshotInterval, "snapshotinterval", "", 30,
		"Snapshot interval in seconds, 30 seconds if not set")
	flag.IntVarP(&common.SnapshotThreshold, "snapshotthreshold", "", 1024,
		"snapshot threshold of log indices, 1024 if not set")

	flag.Usage = func() {
		log.Errorf("Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

// loadConfig applies the config file under the flags that were set explicitly.
func loadConfig() (*config.Config, error) {
	cfg.Backoff = config.Duration(backoff)
	if configFile == "" {
		return cfg, cfg.Validate()
	}
	fileCfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	overrides := map[string]func(){
		"id":             func() { fileCfg.ID = cfg.ID },
		"listen":         func() { fileCfg.Listen = cfg.Listen },
		"raft":           func() { fileCfg.Raft = cfg.Raft },
		"raft-dir":       func() { fileCfg.RaftDir = cfg.RaftDir },
		"join":           func() { fileCfg.Join = cfg.Join },
		"storage":        func() { fileCfg.Storage = cfg.Storage },
		"data-dir":       func() { fileCfg.DataDir = cfg.DataDir },
		"snapshot-every": func() { fileCfg.SnapshotEvery = cfg.SnapshotEvery },
		"amqp":           func() { fileCfg.AMQP = cfg.AMQP },
		"redis":          func() { fileCfg.Redis = cfg.Redis },
		"redis-prefix":   func() { fileCfg.RedisPrefix = cfg.RedisPrefix },
		"workers":        func() { fileCfg.Workers = cfg.Workers },
		"retries":        func() { fileCfg.Retries = cfg.Retries },
		"backoff":        func() { fileCfg.Backoff = cfg.Backoff },
	}
	for name, apply := range overrides {
		if flag.CommandLine.Changed(name) {
			apply()
		}
	}
	return fileCfg, fileCfg.Validate()
}

// join asks the node serving joinAddr to add this node to its raft cluster.
func join(joinAddr, raftAddr, nodeID string) error {
	b, err := json.Marshal(map[string]string{"addr": raftAddr, "id": nodeID})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/join", joinAddr), "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("join via %s: %s %s", joinAddr, resp.Status, body)
	}
	return nil
}

type closer func() error

func openEvents(logger *log.Logger, c *config.Config) (store.EventStore, httpd.Cluster, closer, error) {
	switch c.Storage {
	case config.StorageBolt:
		id := c.ID
		if id == "" {
			id = "node"
		}
		db, err := store.NewBoltStore(logger, filepath.Join(c.DataDir, id+".events.db"))
		if err != nil {
			return nil, nil, nil, err
		}
		return db, nil, db.Close, nil
	case config.StorageRaft:
		s, err := store.NewStore(logger, c.ID, c.Raft, c.RaftDir)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.Open(c.Join == ""); err != nil {
			return nil, nil, nil, fmt.Errorf("open raft store: %w", err)
		}
		return s, s, s.Close, nil
	}
	return store.NewMemoryStore(), nil, func() error { return nil }, nil
}

func main() {
	flag.Parse()
	logger := log.New()
	logger.SetFormatter(&nested.Formatter{
		HideKeys:    true,
		FieldsOrder: []string{"component"},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
		CallerFirst: true,
	})
	logger.SetReportCaller(true)
	log := logger.WithField("component", "main")

	c, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	if c.ID == "" {
		c.ID = "node-" + common.RandNodeID(common.NodeIDLen)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cluster, closeEvents, err := openEvents(logger, c)
	if err != nil {
		log.Fatalf("failed to open %s event storage: %s", c.Storage, err)
	}
	defer closeEvents()

	registry := eventsource.NewRegistry()
	bank.RegisterEvents(registry)
	repo := store.NewRepository(logger, events, registry)
	if snapshots, ok := events.(store.SnapshotStore); ok && c.SnapshotEvery > 0 {
		repo.WithSnapshots(snapshots, c.SnapshotEvery)
	}

	local := bus.NewMemory(logger, bus.Options{
		Workers:     c.Workers,
		MaxAttempts: c.Retries,
		Backoff:     time.Duration(c.Backoff),
		Retryable:   command.Retryable,
	})
	defer local.Close()
	var b bus.Bus = local
	var broker *rabbitmq.Bus
	if c.AMQP != "" {
		conn, ch, err := rabbitmq.Dial(c.AMQP)
		if err != nil {
			log.Fatal(err)
		}
		defer conn.Close()
		opts := rabbitmq.DefaultOptions()
		opts.Requeue = command.Retryable
		if broker, err = rabbitmq.New(logger, ch, local, opts); err != nil {
			log.Fatal(err)
		}
		defer broker.Close()
		b = broker
	}

	var versions pvstore.Store = pvstore.NewMemory()
	if c.Redis != "" {
		client := redis.NewClient(&redis.Options{Addr: c.Redis})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to reach redis at %s: %s", c.Redis, err)
		}
		versions = pvstore.NewRedisStore(client, c.RedisPrefix)
	}

	metrics := metric.New()
	exec := command.NewExecutor(logger, repo, registry, b, metrics)
	handlers := bank.NewHandlers(logger, exec, repo, b)
	handlers.Register()
	coordinator.New(logger, b, versions, metrics).Register()
	if broker != nil {
		if err := broker.Start(ctx); err != nil {
			log.Fatal(err)
		}
	}

	h := httpd.New(logger, c.Listen, bank.NewService(handlers, repo), cluster, metrics.Handler())
	if err := h.Start(); err != nil {
		log.Fatalf("failed to start HTTP service: %s", err)
	}
	defer h.Close()

	if c.Join != "" {
		if err := join(c.Join, c.Raft, c.ID); err != nil {
			log.Fatalf("failed to join node at %s: %s", c.Join, err)
		}
	}

	log.Infof("node %s started successfully with %s storage on %s", c.ID, c.Storage, h.Addr())
	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt, syscall.SIGTERM)
	<-terminate
	log.Info("node exiting")
}
