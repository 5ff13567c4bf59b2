package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fieldsync/internal/api"
	"github.com/and161185/fieldsync/internal/config"
	"github.com/and161185/fieldsync/internal/connectivity"
	"github.com/and161185/fieldsync/internal/convert"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/notify"
)

func newEnqueueCmd(o *rootOptions) *cobra.Command {
	var (
		opID     string
		entityID string
		data     string
		expected int64
		newID    bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue create|update|delete [field=value ...]",
		Short: "Queue a mutation; it syncs now when online, later otherwise",
		Example: `  fieldsync enqueue create --new-id name=Ann email=ann@example.com
  fieldsync enqueue update --entity 5f0c... --expected-version 3 phone=555-1111
  fieldsync enqueue delete --entity 5f0c...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload(data, args[1:])
			if err != nil {
				return err
			}
			op := model.Operation{ID: opID, Kind: model.OpKind(args[0]), EntityID: entityID, Payload: payload}
			if cmd.Flags().Changed("expected-version") {
				op.ExpectedVersion = &expected
			}
			if newID && op.Kind == model.OpCreate {
				autoUUID(&op.EntityID)
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				op.TenantID = a.cfg.TenantID
				entry, err := a.engine.Submit(ctx, op)
				if err != nil {
					return err
				}
				if a.monitor.IsOnline() {
					// the entry stays queued on failure; a later drain retries it
					if _, err := a.engine.Drain(ctx); err != nil {
						a.log.Warn("sync after enqueue", zap.Error(err))
					}
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opID, "id", "", "operation id; reusing one replaces the queued operation")
	f.StringVar(&entityID, "entity", "", "target entity id (update, delete, or a client id for create)")
	f.StringVar(&data, "data", "", "payload as a JSON object, @file or @- for stdin")
	f.Int64Var(&expected, "expected-version", 0, "entity version the update was based on")
	f.BoolVar(&newID, "new-id", false, "generate a client-side entity id for create")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue size and pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.engine.Status())
			})
		},
	}
}

func newDrainCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Sync queued operations now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.engine.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newConflictsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(_ context.Context, a *app) error {
				cs := a.engine.Conflicts()
				if cs == nil {
					cs = []model.SyncConflict{}
				}
				return printJSON(cmd.OutOrStdout(), cs)
			})
		},
	}
}

type outcomeView struct {
	model.ResolveOutcome
	Error string `json:"error,omitempty"`
}

func newResolveCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve operation_id=choice ...",
		Short:   "Resolve conflicts with keep_local, keep_remote or merge",
		Example: "  fieldsync resolve 9b1e...=merge 41aa...=keep_remote",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, choices, err := parseResolutions(args)
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.engine.Resolve(ctx, ids, choices)
				if out == nil {
					return err
				}
				views := make([]outcomeView, len(out))
				failed := 0
				for i, oc := range out {
					views[i] = outcomeView{ResolveOutcome: oc}
					if oc.Err != nil {
						views[i].Error = oc.Err.Error()
						failed++
					}
				}
				if perr := printJSON(cmd.OutOrStdout(), views); perr != nil {
					return perr
				}
				if failed > 0 {
					return errors.Join(err, fmt.Errorf("%d of %d resolutions failed", failed, len(out)))
				}
				return err
			})
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login TOKEN",
		Short: "Save a bearer token issued by the server operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := tokenExpiry(args[0])
			if err != nil {
				return err
			}
			if !exp.IsZero() && time.Now().After(exp) {
				return errors.New("token already expired")
			}
			if err := saveToken(args[0], exp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token saved to", tokenPath())
			return nil
		},
	}
}

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: watch connectivity, retry on schedule, serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.v, o.configFile)
			if err != nil {
				return err
			}
			log, err := cfg.Log.Logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("starting", zap.String("version", version), zap.String("domain", cfg.Domain))

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log, notify.ZapSink{Log: log})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           api.NewHandler(a.engine, cfg.TenantID, log).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				w := connectivity.HealthWatcher{Conn: a.conn, Service: convert.ServiceName, Log: log}
				if err := w.Run(gctx, a.monitor); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				log.Info("admin api listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			log.Info("shutdown complete")
			return err
		},
	}
}
