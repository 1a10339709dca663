package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/clinicsync/internal/config"
	"github.com/iudanet/clinicsync/internal/node"
	nodeapi "github.com/iudanet/clinicsync/internal/node/api"
	"github.com/iudanet/clinicsync/internal/node/status"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/pkg/api"
)

const statusTimeout = 10 * time.Second

// NodeOptions флаги операторских команд узла
type NodeOptions struct {
	*RootOptions
	Addr string // адрес node-local HTTP, по умолчанию status_addr из конфигурации
}

// NewNodeCommand корневая команда clinicsync-node
func NewNodeCommand(build BuildInfo) *cobra.Command {
	opts := &NodeOptions{RootOptions: &RootOptions{}}
	cmd := newRoot("clinicsync-node", "Clinic node of change replication", build, opts.RootOptions)
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "node status address, defaults to status_addr from config")

	cmd.AddCommand(newNodeRunCommand(opts, build))
	cmd.AddCommand(newNodeStatusCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newNodeConflictsCommand(opts))
	return cmd
}

func loadNodeConfig(opts *NodeOptions) (*config.Node, error) {
	cfg, err := config.LoadNode(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// statusClient клиент к работающему узлу
func statusClient(opts *NodeOptions) (*status.Client, error) {
	addr := opts.Addr
	if addr == "" {
		cfg, err := loadNodeConfig(opts)
		if err != nil {
			return nil, err
		}
		addr = cfg.StatusAddr
	}
	if addr == "" {
		return nil, NewExitError(ExitCommandError, "status address is not configured, set status_addr or --addr")
	}
	return status.NewClient(addr, statusTimeout), nil
}

func newNodeRunCommand(opts *NodeOptions, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node: capture, push and pull",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(opts)
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				cfg.StatusAddr = opts.Addr
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid config", err)
			}

			logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid logging config", err)
			}
			logger = logger.With("node_id", cfg.NodeID)
			handlers.Version = build.Version

			ctx, stop := signalContext(cmd)
			defer stop()

			n, err := node.New(ctx, cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to start node", err)
			}
			defer func() {
				if err := n.Close(); err != nil {
					logger.Error("Failed to close node storage", "error", err)
				}
			}()

			logger.Info("Node starting",
				"version", build.Version,
				"aggregator", cfg.AggregatorURL,
				"status_addr", cfg.StatusAddr)
			return n.Run(ctx)
		},
	}
}

func newNodeStatusCommand(opts *NodeOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status of the running node",
		Long: `Show sync status of the running node.

Exits with code 1 when an alert is raised: the aggregator rejected the
node's credentials or the oldest unsent change is older than
backlog_alert_age.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClient(opts)
			if err != nil {
				return err
			}
			report, err := client.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read node status", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				err = p.JSON(report)
			} else {
				err = printStatus(p, report)
			}
			if err != nil {
				return err
			}

			switch {
			case report.AuthAlert != "":
				return NewExitError(ExitFailure, "auth alert: "+report.AuthAlert)
			case report.BacklogAlert:
				return NewExitError(ExitFailure, "backlog alert: unsent changes are older than the threshold")
			}
			return nil
		},
	}
}

func printStatus(p *printer, r *api.StatusResponse) error {
	alert := "none"
	switch {
	case r.AuthAlert != "":
		alert = r.AuthAlert
	case r.BacklogAlert:
		alert = "backlog is too old"
	}
	return p.Fields(
		"Node", r.NodeID,
		"Pending", fmt.Sprint(r.PendingCount),
		"In flight", fmt.Sprint(r.InFlightCount),
		"Dead letters", fmt.Sprint(r.DeadLetterCount),
		"Conflicts", fmt.Sprint(r.OpenConflictCount),
		"Oldest pending", (time.Duration(r.OldestPendingAgeMs) * time.Millisecond).String(),
		"Last push", formatTime(r.LastPushAt),
		"Last pull", formatTime(r.LastPullAt),
		"Alert", alert,
	)
}

func newDeadLettersCommand(opts *NodeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and retry changes the node gave up delivering",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClient(opts)
			if err != nil {
				return err
			}
			changes, err := client.DeadLetters(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead letters", err)
			}
			return printQueued(opts.printer(cmd), changes)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry SYNC_ID",
		Short: "Return a dead-lettered change to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClient(opts)
			if err != nil {
				return err
			}
			if err := client.RetryDeadLetter(cmd.Context(), args[0]); err != nil {
				var statusErr *nodeapi.StatusError
				if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusConflict) {
					return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", args[0], statusErr.Message))
				}
				return WrapExitError(ExitCommandError, "failed to retry dead letter", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(map[string]string{"syncId": args[0], "deliveryState": "pending"})
			}
			p.Line("Change %s returned to the queue", args[0])
			return nil
		},
	})
	return cmd
}

func newNodeConflictsCommand(opts *NodeOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List local changes the aggregator reported as conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClient(opts)
			if err != nil {
				return err
			}
			changes, err := client.Conflicts(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list conflicts", err)
			}
			return printQueued(opts.printer(cmd), changes)
		},
	}
}

func printQueued(p *printer, changes []api.QueuedChange) error {
	if p.json() {
		return p.JSON(api.QueuedChangeListResponse{Changes: changes})
	}
	rows := make([][]string, 0, len(changes))
	for _, c := range changes {
		reason := c.LastError
		if c.Conflict != nil {
			reason = c.Conflict.ConflictType + " " + c.Conflict.ID
		}
		rows = append(rows, []string{
			c.SyncID, c.Collection + "/" + c.DocumentID, fmt.Sprint(c.DocumentVersion),
			c.Operation, fmt.Sprint(c.Attempts), strings.TrimSpace(reason),
		})
	}
	return p.Table([]string{"SYNC ID", "DOCUMENT", "VERSION", "OP", "ATTEMPTS", "REASON"}, rows)
}
