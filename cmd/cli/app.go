package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/config"
	"github.com/and161185/fieldsync/internal/connectivity"
	"github.com/and161185/fieldsync/internal/convert"
	"github.com/and161185/fieldsync/internal/events"
	"github.com/and161185/fieldsync/internal/migrate"
	"github.com/and161185/fieldsync/internal/notify"
	"github.com/and161185/fieldsync/internal/remote"
	"github.com/and161185/fieldsync/internal/repository/postgres"
	"github.com/and161185/fieldsync/internal/storage"
	"github.com/and161185/fieldsync/internal/storage/file"
	"github.com/and161185/fieldsync/internal/storage/pgstore"
	"github.com/and161185/fieldsync/internal/storage/sealed"
	"github.com/and161185/fieldsync/internal/storage/sqlstore"
	"github.com/and161185/fieldsync/internal/syncer"
)

// app is one running engine with its storage and server connection.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	conn    *grpc.ClientConn
	monitor *connectivity.Monitor
	engine  *syncer.Engine
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, sink notify.Sink) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	st, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	token := cfg.Remote.Token
	if token == "" {
		token, _ = loadToken()
	}
	a.conn, err = remote.Dial(cfg.Remote.Addr, remote.DialOptions{
		Token:      token,
		CACert:     cfg.Remote.CACert,
		Plaintext:  cfg.Remote.Plaintext,
		SkipVerify: cfg.Remote.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Remote.Addr, err)
	}
	a.closers = append(a.closers, a.conn.Close)
	client := remote.New(a.conn, cfg.Domain)
	if cfg.Remote.Timeout > 0 {
		client.Timeout = cfg.Remote.Timeout
	}

	bus := events.NewEmitter(log)
	bus.Subscribe(func(e events.Event) {
		log.Debug("event", zap.String("type", string(e.Type)), zap.String("op_id", e.OperationID))
	})

	probeCtx, cancel := context.WithTimeout(ctx, client.Timeout)
	online := connectivity.Probe(probeCtx, a.conn, convert.ServiceName)
	cancel()
	a.monitor = connectivity.NewMonitor(online, sink, bus, clock.Real{}, log)

	a.engine, err = syncer.New(cfg.Engine(), syncer.Deps{
		Storage: st,
		Service: client,
		Monitor: a.monitor,
		Sink:    sink,
		Bus:     bus,
		Clock:   clock.Real{},
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	if err := a.engine.Start(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.engine.Stop(); return nil })
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (storage.Storage, error) {
	sc := a.cfg.Storage
	var st storage.Storage
	switch sc.Driver {
	case config.DriverMemory:
		st = storage.NewMemory()
	case config.DriverFile:
		fs, err := file.New(sc.Path)
		if err != nil {
			return nil, err
		}
		st = fs
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(ctx, migrate.SQLite, sc.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		st = s
	case config.DriverMySQL:
		s, err := sqlstore.Open(ctx, migrate.MySQL, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		st = s
	case config.DriverPostgres:
		if err := migrate.Up(ctx, sc.DSN); err != nil {
			return nil, err
		}
		db, err := postgres.New(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		s := pgstore.New(db)
		a.closers = append(a.closers, s.Close)
		st = s
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if sc.Passphrase == "" {
		return st, nil
	}
	return sealed.New(ctx, st, sc.Passphrase)
}

// Close stops the engine, then releases connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp loads config, builds the app for a one-shot command and tears it
// down afterwards. One-shot commands run no background drains: no retry
// scheduler, no drain on start or submit. Commands that sync do it inline.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return err
	}
	cfg.Sync.RetrySchedule = ""
	cfg.Sync.DrainOnStart = false
	cfg.Sync.DrainOnSubmit = false

	log, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	errOut := cmd.ErrOrStderr()
	sink := notify.Func(func(msg string, _ map[string]any) { fmt.Fprintln(errOut, msg) })

	a, err := newApp(cmd.Context(), cfg, log, sink)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), a)
	return errors.Join(runErr, a.Close())
}
