// ============================================================================
// Scout Runtime CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line for running a node and talking to it
//
// Command Structure:
//   scoutd                              # Root command
//   ├── run                             # Start the node
//   ├── call SERVICE OPERATION [ARG...] # Invoke any tunnel operation
//   ├── poll                            # Wait for client notifications
//   ├── publish KIND                    # Queue a client notification
//   ├── jobs                            # List scheduler jobs
//   ├── interrupt [GROUP [JOB]]         # Interrupt (or --remove) jobs
//   ├── status                          # Show node status
//   ├── --config, -c                    # Config file (default configs/default.yaml)
//   └── --version
//
// Client commands connect to tunnel.listen from the config unless --addr is
// given. Ctrl+C during a call cancels the request on the server through
// ProcessingCancelService, for example:
//
//   scoutd call DiagnosticService sleep 60000
//
// run Command:
//   1. Load config file
//   2. Create and start Controller (tunnel, scheduler, metrics)
//   3. Watch the config file and apply changes
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/scout-runtime/internal/config"
	"github.com/ChuLiYu/scout-runtime/internal/controller"
	"github.com/ChuLiYu/scout-runtime/internal/logging"
	"github.com/ChuLiYu/scout-runtime/internal/scheduler"
	"github.com/ChuLiYu/scout-runtime/internal/services"
	"github.com/ChuLiYu/scout-runtime/internal/tunnel"
	"github.com/ChuLiYu/scout-runtime/pkg/types"
)

// ShutdownTimeout bounds the graceful shutdown of run.
const ShutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scoutd",
		Short: "scoutd: tick scheduler, client notifications and service tunnel",
		Long: `scoutd runs a server node with:
- a tick driven job scheduler
- a filtered, coalescing client notification queue
- a gRPC service tunnel with request cancellation
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCallCommand())
	rootCmd.AddCommand(buildPollCommand())
	rootCmd.AddCommand(buildPublishCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildInterruptCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads the config file; a missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scoutd node",
		Long:  "Start the scheduler, the notification queue and the service tunnel, and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

func runNode(parent context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	log, level, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctrl, err := controller.NewController(cfg, controller.WithLogger(log, &level))
	if err != nil {
		return errors.Wrap(err, "failed to create controller")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start controller")
	}

	if watch {
		if _, statErr := os.Stat(configFile); statErr == nil {
			w := config.NewWatcher(configFile, log, func(next *config.Config) {
				if err := ctrl.Apply(next); err != nil {
					log.Warnw("config change rejected", logging.FieldError, err)
				}
			})
			w.Prime()
			go func() {
				if err := w.Watch(ctx); err != nil {
					log.Warnw("config watcher stopped", logging.FieldError, err)
				}
			}()
		}
	}

	log.Infow("system started", "config", configFile)
	<-ctx.Done()
	log.Infow("received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return ctrl.Stop(shutdownCtx)
}

// ============================================================================
// client commands
// ============================================================================

// clientFlags are shared by every command that talks to a running node.
type clientFlags struct {
	addr    string
	session string
	user    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "tunnel address (default tunnel.listen from config)")
	cmd.Flags().StringVar(&f.session, "session", "", "session id (default a random cli-* id)")
	cmd.Flags().StringVar(&f.user, "user", os.Getenv("USER"), "user id of the session")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel the request after this long (0 waits until Ctrl+C)")
}

// connect dials the node and returns a client plus a close func.
func (f *clientFlags) connect(out io.Writer) (*tunnel.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	addr := f.addr
	if addr == "" {
		addr = cfg.Tunnel.Listen
	}
	session := f.session
	if session == "" {
		session = "cli-" + uuid.NewString()[:8]
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}

	client := tunnel.NewClient(conn,
		tunnel.WithSession(types.Session{ID: types.SessionID(session), UserID: f.user}),
		tunnel.WithPollInterval(cfg.Tunnel.PollInterval),
		tunnel.WithCancelTimeout(cfg.Tunnel.CancelTimeout),
		tunnel.WithCallTimeout(cfg.Tunnel.CallTimeout),
		tunnel.WithNotificationHandler(func(ns []tunnel.WireNotification) {
			for _, n := range ns {
				fmt.Fprintf(out, "notification %s: %s\n", n.Kind, compactJSON(n.Body))
			}
		}))
	return client, func() { _ = conn.Close() }, nil
}

// callContext is cancelled on Ctrl+C or after --timeout.
func (f *clientFlags) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	if f.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// invoke runs one call and decodes the result into dst when non-nil.
func (f *clientFlags) invoke(cmd *cobra.Command, dst any, service, operation string, args ...any) (any, error) {
	client, closeConn, err := f.connect(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	defer closeConn()

	ctx, cancel := f.callContext(cmd.Context())
	defer cancel()

	data, err := client.Call(ctx, service, operation, args...)
	if err != nil {
		if errors.Is(err, tunnel.ErrInterrupted) {
			return nil, errors.WithHint(err, "the request was cancelled or the node is unreachable")
		}
		return nil, err
	}
	if dst != nil && data != nil {
		if err := tunnel.Decode(data, dst); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// parseArg reads a command line argument as JSON, falling back to the
// plain string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildCallCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "call SERVICE OPERATION [ARG...]",
		Short: "Invoke a tunnel operation",
		Long:  "Invoke SERVICE.OPERATION on a running node. Arguments are parsed as JSON when possible, as strings otherwise.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := make([]any, 0, len(args)-2)
			for _, a := range args[2:] {
				callArgs = append(callArgs, parseArg(a))
			}
			data, err := flags.invoke(cmd, nil, args[0], args[1], callArgs...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildPollCommand() *cobra.Command {
	var flags clientFlags
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Wait for client notifications",
		Long:  "Block until notifications for the session arrive or --wait passes, then print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ns []tunnel.WireNotification
			_, err := flags.invoke(cmd, &ns, services.NotificationConsumerService, "getNextNotifications", wait.Milliseconds())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ns) == 0 {
				fmt.Fprintln(out, "no notifications")
				return nil
			}
			for _, n := range ns {
				fmt.Fprintf(out, "%s\t%s\n", n.Kind, compactJSON(n.Body))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for notifications")
	return cmd
}

func buildPublishCommand() *cobra.Command {
	var flags clientFlags
	var (
		body     string
		coalesce string
		filter   services.FilterSpec
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish KIND",
		Short: "Queue a client notification",
		Long: `Queue a notification of the given kind. --filter selects the audience:
  all      every session, once each
  user     every session of --target user, once each
  session  the --target session
  any      the first session that polls`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if body != "" {
				payload = parseArg(body)
			}
			switch {
			case ttl > 0:
				filter.TTLMs = ttl.Milliseconds()
			case ttl < 0:
				filter.TTLMs = -1
			}
			var size int
			if _, err := flags.invoke(cmd, &size, services.NotificationService, "publish",
				args[0], coalesce, payload, filter); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d queued)\n", args[0], size)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&body, "body", "", "notification body (JSON or string)")
	cmd.Flags().StringVar(&coalesce, "coalesce", "", "coalesce key; a newer notification with the same kind and key replaces the older one")
	cmd.Flags().StringVar(&filter.Type, "filter", "all", "audience: all, user, session or any")
	cmd.Flags().StringVar(&filter.Target, "target", "", "user or session id for the user and session filters")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (0 uses notifications.default_ttl, negative never expires)")
	return cmd
}

func buildJobsCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduler jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []scheduler.JobInfo
			if _, err := flags.invoke(cmd, &jobs, services.SchedulerService, "listJobs"); err != nil {
				return err
			}
			sort.Slice(jobs, func(i, j int) bool {
				if jobs[i].GroupID != jobs[j].GroupID {
					return jobs[i].GroupID < jobs[j].GroupID
				}
				return jobs[i].JobID < jobs[j].JobID
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tJOB\tSTATE\tLAST TICK")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.GroupID, j.JobID, jobState(j), j.LastTick)
			}
			return tw.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func jobState(j scheduler.JobInfo) string {
	var states []string
	if j.Running {
		states = append(states, "running")
	}
	if j.Interrupted {
		states = append(states, "interrupted")
	}
	if !j.Available {
		states = append(states, "removed")
	}
	if len(states) == 0 {
		return "idle"
	}
	return strings.Join(states, ",")
}

func buildInterruptCommand() *cobra.Command {
	var flags clientFlags
	var remove bool

	cmd := &cobra.Command{
		Use:   "interrupt [GROUP [JOB]]",
		Short: "Interrupt running jobs",
		Long:  "Interrupt the running jobs matching GROUP and JOB (omitted means any). With --remove, remove matching jobs from the schedule instead.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, job := "", ""
			if len(args) > 0 {
				group = args[0]
			}
			if len(args) > 1 {
				job = args[1]
			}
			op, verb := "interruptJobs", "interrupted"
			if remove {
				op, verb = "removeJobs", "removed"
			}

			var keys []string
			if _, err := flags.invoke(cmd, &keys, services.SchedulerService, op, group, job); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintf(out, "no jobs %s\n", verb)
				return nil
			}
			for _, k := range keys {
				fmt.Fprintf(out, "%s %s\n", verb, k)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the matching jobs instead of interrupting them")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display scheduler, notification queue and tunnel status of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]any
			if _, err := flags.invoke(cmd, &status, services.DiagnosticService, "status"); err != nil {
				return err
			}
			showStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func showStatus(out io.Writer, status map[string]any) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           scoutd Node Status                              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Node:")
	fmt.Fprintf(out, "  ├─ Listen:   %v\n", status["listen"])
	fmt.Fprintf(out, "  ├─ Uptime:   %v\n", status["uptime"])
	fmt.Fprintf(out, "  └─ Tick:     %v\n", status["tick"])
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Scheduler:")
	fmt.Fprintf(out, "  ├─ Running:  %v\n", status["scheduler_running"])
	fmt.Fprintf(out, "  ├─ Active:   %v\n", status["scheduler_active"])
	fmt.Fprintf(out, "  ├─ Jobs:     %v\n", status["jobs"])
	fmt.Fprintf(out, "  └─ Busy:     %v\n", status["running_jobs"])
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tunnel:")
	fmt.Fprintf(out, "  ├─ Queued notifications: %v\n", status["queued_notifications"])
	fmt.Fprintf(out, "  ├─ Active transactions:  %v\n", status["active_transactions"])
	fmt.Fprintf(out, "  └─ Services:             %v\n", status["services"])
	fmt.Fprintln(out)
}
