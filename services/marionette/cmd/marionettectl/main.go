package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"marionette/services/events"
	"marionette/services/marionette/internal/app"
	"marionette/services/marionette/internal/config"
	"marionette/services/swap"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("marionettectl")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marionettectl",
		Short:         "Operate the marionette user-data swap workflow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newHandleStopCommand(),
		newStatusCommand(),
		newDispatchCommand(),
		newScheduleRestartCommand(),
		newRestartNowCommand(),
		newHistoryCommand(),
		newMigrateCommand(),
	)
	return cmd
}

// withApp loads configuration, wires the application and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg, newComponentLogger(log.Logger))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHandleStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "handle-stop <instance-id>",
		Short: "Advance the swap state of a stopped instance by one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				state, err := a.Instances.PowerState(ctx, args[0])
				if err != nil {
					return err
				}
				if state != swap.PowerStopped {
					return fmt.Errorf("%s is %s, not stopped", args[0], state)
				}
				tr, err := a.Machine.HandleStop(ctx, args[0])
				if err != nil {
					return err
				}
				log.Info().Str("instance", args[0]).Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("handled stop")
				return printJSON(cmd.OutOrStdout(), tr)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	var showOriginal bool

	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the stored swap state and power state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Tracker.Get(ctx, args[0])
				if err != nil {
					return err
				}
				power, err := a.Instances.PowerState(ctx, args[0])
				if err != nil && !errors.Is(err, swap.ErrNotFound) {
					return err
				}
				out := map[string]any{
					"instance_id":   args[0],
					"inst_state":    rec.State.String(),
					"has_original":  rec.HasOriginal,
					"original_size": len(rec.OrigUserData),
					"power_state":   power,
				}
				if !rec.UpdatedAt.IsZero() {
					out["updated_at"] = rec.UpdatedAt
				}
				if showOriginal && rec.HasOriginal {
					out["orig_userdata"] = string(rec.OrigUserData)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVar(&showOriginal, "show-original", false, "Include the captured original user data")
	return cmd
}

func newDispatchCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Handle a raw EventBridge event read from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.Dispatch(ctx, body)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Event JSON file, - for stdin")
	return cmd
}

func newScheduleRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-restart <instance-id>...",
		Short: "Queue a delayed forced restart as if the instances had just been created",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Scheduler == nil {
					return errors.New("no restart queue configured")
				}
				notification, err := events.RunInstancesEvent(args...)
				if err != nil {
					return err
				}
				if err := a.Scheduler.Schedule(ctx, notification); err != nil {
					return err
				}
				log.Info().Strs("instances", args).Dur("delay", a.Scheduler.Delay()).Msg("restart scheduled")
				return nil
			})
		},
	}
}

func newRestartNowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-now <instance-id>",
		Short: "Force-stop, wait for stopped, and start an instance immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Worker.Restart(ctx, args[0]); err != nil {
					return err
				}
				log.Info().Str("instance", args[0]).Msg("restarted")
				return nil
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show the recorded transitions of an instance (postgres store only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			if err := app.Migrate(ctx, dsn); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "database-url", "", "Postgres connection string")
	return cmd
}
