// Package app assembles marionette's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"marionette/pkg/awsenv"
	"marionette/pkg/bus"
	"marionette/pkg/db"
	gos3 "marionette/pkg/s3"
	"marionette/services/events"
	"marionette/services/marionette/internal/config"
	"marionette/services/restart"
	"marionette/services/restart/natsqueue"
	"marionette/services/restart/sqsqueue"
	"marionette/services/swap"
	"marionette/services/swap/dynamostore"
	"marionette/services/swap/ec2inst"
	"marionette/services/swap/pgstore"
	"marionette/services/swap/sealed"
)

// Consumer drains the restart delay queue until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, fn restart.Handler) error
}

// App holds the wired components. Scheduler and Consumer are nil when no
// queue is configured.
type App struct {
	Config     config.Config
	Logger     *log.Logger
	Instances  *ec2inst.Client
	Tracker    swap.Tracker
	Poller     *swap.Poller
	Machine    *swap.StateMachine
	Scheduler  *restart.Scheduler
	Worker     *restart.Worker
	Consumer   Consumer
	Dispatcher *events.Dispatcher

	audit  *pgstore.Store
	ready  []events.ReadyFunc
	closes []func()
}

// New wires every component selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &App{Config: cfg, Logger: logger}

	awsCfg, err := awsenv.Load(ctx, awsenv.Options{
		Region:    cfg.AWSRegion,
		Endpoint:  cfg.AWSEndpoint,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
	})
	if err != nil {
		return nil, err
	}

	if err := a.wire(ctx, awsCfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, awsCfg aws.Config) error {
	cfg := a.Config
	a.Instances = ec2inst.NewFromConfig(awsCfg)

	if err := a.wireTracker(ctx, awsCfg); err != nil {
		return err
	}

	s3Client := gos3.NewFromConfig(awsCfg)
	substitute, err := Substitute(ctx, cfg.Payload, s3Client.Fetch)
	if err != nil {
		return fmt.Errorf("resolve substitute payload: %w", err)
	}

	if a.Machine, err = swap.NewStateMachine(a.Instances, a.Tracker, substitute, a.Logger); err != nil {
		return err
	}
	if a.Poller, err = swap.NewPoller(a.Instances, swap.WithPollPolicy(cfg.PollInterval, cfg.PollMaxAttempts)); err != nil {
		return err
	}
	if a.Worker, err = restart.NewWorker(a.Instances, a.Poller, a.Logger, restart.WithSettle(cfg.Settle)); err != nil {
		return err
	}

	queue, err := a.wireQueue(ctx, awsCfg)
	if err != nil {
		return err
	}
	if queue != nil {
		if a.Scheduler, err = restart.NewScheduler(queue, cfg.RestartDelay, a.Logger); err != nil {
			return err
		}
	}

	mode, err := events.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	var restarts events.RestartScheduler
	if a.Scheduler != nil {
		restarts = a.Scheduler
	}
	a.Dispatcher, err = events.NewDispatcher(a.Machine, restarts, mode, a.Logger)
	return err
}

func (a *App) wireTracker(ctx context.Context, awsCfg aws.Config) error {
	if err := a.openTracker(ctx, awsCfg); err != nil {
		return err
	}
	if a.Config.AgeSecretKey == "" {
		return nil
	}
	t, err := sealed.NewFromKeys(a.Tracker, a.Config.AgeSecretKey, a.Config.AgeRecipients...)
	if err != nil {
		return err
	}
	a.Tracker = t
	return nil
}

func (a *App) openTracker(ctx context.Context, awsCfg aws.Config) error {
	cfg := a.Config
	switch cfg.Store {
	case config.StoreDynamoDB:
		store, err := dynamostore.NewFromConfig(awsCfg, cfg.Table)
		if err != nil {
			return err
		}
		a.Tracker = store
		return nil

	case config.StorePostgres:
		pool, orm, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closes = append(a.closes, pool.Close)
		a.ready = append(a.ready, func(ctx context.Context) error { return db.Ping(ctx, pool) })

		store, err := pgstore.New(pool, orm)
		if err != nil {
			return err
		}
		a.Tracker = store
		a.audit = store
		return nil
	}
	return fmt.Errorf("unknown store %q", cfg.Store)
}

func (a *App) wireQueue(_ context.Context, awsCfg aws.Config) (restart.DelayQueue, error) {
	cfg := a.Config
	lease := restart.Lease(cfg.PollInterval, cfg.PollMaxAttempts, cfg.Settle)
	switch cfg.Queue {
	case config.QueueSQS:
		q, err := sqsqueue.NewFromConfig(awsCfg, cfg.QueueURL, a.Logger, sqsqueue.WithVisibilityTimeout(lease))
		if err != nil {
			return nil, err
		}
		a.Consumer = q
		a.ready = append(a.ready, q.Ping)
		return q, nil

	case config.QueueNATS:
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closes = append(a.closes, b.Close)
		b.SetAckWait(lease)
		if err := b.EnsureStream(natsqueue.DefaultStream, cfg.NATSSubject); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		q, err := natsqueue.New(b, cfg.NATSSubject, "")
		if err != nil {
			return nil, err
		}
		a.Consumer = q
		a.ready = append(a.ready, b.Ping)
		return q, nil

	case config.QueueNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown queue %q", cfg.Queue)
}

// Ready returns the readiness checks of the wired dependencies.
func (a *App) Ready() []events.ReadyFunc { return a.ready }

// History returns the audit trail of instanceID; only the postgres store
// keeps one.
func (a *App) History(ctx context.Context, instanceID string) ([]pgstore.AuditEntry, error) {
	if a.audit == nil {
		return nil, errors.New("history requires the postgres store")
	}
	return a.audit.History(ctx, instanceID)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closes) - 1; i >= 0; i-- {
		a.closes[i]()
	}
	a.closes = nil
}

// Migrate applies the postgres schema.
func Migrate(ctx context.Context, databaseURL string) error {
	pool, err := db.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool)
}

func openPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, *gorm.DB, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	return pool, orm, nil
}
