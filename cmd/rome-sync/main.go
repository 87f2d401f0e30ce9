package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rome-sync/common/database"
	logpkg "rome-sync/common/logger"
	mqttcommon "rome-sync/common/mqtt"
	rediscommon "rome-sync/common/redis"
	"rome-sync/internal/config"
	"rome-sync/internal/feed"
	"rome-sync/internal/metrics"
	"rome-sync/internal/notify"
	"rome-sync/internal/repository"
	"rome-sync/internal/service"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const usage = `usage: rome-sync [command] [flags]

commands:
  all                 sync every project of every api key (default)
  project -id N       sync one project
  list                print the project ids visible to the api keys
  relink-qr -id N     re-link stored qr scans to sessions
  report -id N        print qr and booth statistics of a synced project
  migrate             apply the database schema
`

func main() {
	command := "all"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	projectID := fs.Int64("id", 0, "project id")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(args)

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.New(logpkg.Options{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		Service:  "rome-sync",
		Timezone: cfg.Sync.Timezone,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, *projectID, cfg, log); err != nil {
		log.Error("Command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, projectID int64, cfg *config.Config, log *zap.Logger) error {
	switch command {
	case "all", "list", "migrate":
	case "project", "relink-qr", "report":
		if projectID <= 0 {
			return fmt.Errorf("%s requires -id", command)
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()

	if command == "migrate" {
		if err := repository.ApplySchema(ctx, db); err != nil {
			return err
		}
		log.Info("Schema applied")
		return nil
	}

	if (command == "all" || command == "project" || command == "list") && !cfg.Feed.HasKeys() {
		return errors.New("no feed api key configured (FEED_API_KEY_1, FEED_API_KEY_2)")
	}

	m := metrics.NewManager()
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr: cfg.Metrics.Addr,
			Handler: m.Router(func(ctx context.Context) error {
				return db.PingContext(ctx)
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
	}

	var options []service.Option
	options = append(options, service.WithMetrics(m))

	var redisClient *redis.Client
	if cfg.Sync.LockEnabled || cfg.Notify.Mode == notify.ModeRedis {
		redisClient, err = rediscommon.Connect(ctx, &cfg.Redis, 5*time.Second)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}
	if cfg.Sync.LockEnabled {
		options = append(options, service.WithLocker(service.NewRedisLocker(redisClient, log)))
	}

	var notifier notify.Notifier = notify.Nop{}
	switch cfg.Notify.Mode {
	case notify.ModeRedis:
		notifier = notify.NewRedisNotifier(redisClient, cfg.Notify.Stream)
	case notify.ModeMQTT:
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, log)
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		defer mqttClient.Disconnect()
		notifier = notify.NewMQTTNotifier(mqttClient, cfg.Notify.Topic)
	}
	options = append(options, service.WithNotifier(notify.NewLogged(notifier, log)))

	repos := repository.NewPostgresRepositories(db, cfg.Sync.Location, log)
	feeds := func(apiKey string) service.Feed {
		return feed.NewClient(&cfg.Feed, apiKey, m, log)
	}
	syncer := service.NewSyncer(feeds, service.NewStore(repos), service.Options{
		APIKeys:   cfg.Feed.APIKeys,
		BatchSize: cfg.Sync.BatchSize,
		Location:  cfg.Sync.Location,
		LockTTL:   cfg.Sync.LockTTL,
	}, log, options...)

	switch command {
	case "all":
		report := syncer.SyncAll(ctx)
		failed := report.Failed()
		log.Info("Sync run finished",
			zap.String("run_id", report.RunID),
			zap.Int("projects", len(report.Projects)),
			zap.Int("failed", len(failed)),
			zap.Int("errors", len(report.Errors)),
		)
		if len(failed) > 0 || len(report.Errors) > 0 {
			return fmt.Errorf("%d projects failed, %d run errors", len(failed), len(report.Errors))
		}
	case "project":
		outcome := syncer.SyncProject(ctx, projectID)
		if outcome.Err != nil {
			return outcome.Err
		}
	case "list":
		ids, err := syncer.SyncProjectList(ctx)
		for _, id := range ids {
			fmt.Println(id)
		}
		if err != nil {
			return err
		}
	case "relink-qr":
		updated, err := syncer.RelinkQRSessions(ctx, projectID)
		if err != nil {
			return err
		}
		log.Info("Relink finished", zap.Int64("project_id", projectID), zap.Int("updated", updated))
	case "report":
		report, err := syncer.BuildReport(ctx, projectID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}
