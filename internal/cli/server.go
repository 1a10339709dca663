package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/clinicsync/internal/config"
	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/internal/server/registry"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// NewServerCommand корневая команда clinicsync-server
func NewServerCommand(build BuildInfo) *cobra.Command {
	opts := &RootOptions{}
	cmd := newRoot("clinicsync-server", "Central aggregator of clinic change replication", build, opts)

	cmd.AddCommand(newServeCommand(opts, build))
	cmd.AddCommand(newNodesCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	return cmd
}

func loadServerConfig(opts *RootOptions) (*config.Server, error) {
	cfg, err := config.LoadServer(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// openServer открывает хранилище агрегатора для операторской команды
func openServer(cmd *cobra.Command, opts *RootOptions) (*server.Server, *config.Server, error) {
	cfg, err := loadServerConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	// Операторские команды пишут в лог только ошибки, вывод команды идет в stdout
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))

	srv, err := server.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open aggregator storage", err)
	}
	return srv, cfg, nil
}

func newServeCommand(opts *RootOptions, build BuildInfo) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(opts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}

			logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid logging config", err)
			}
			handlers.Version = build.Version

			ctx, stop := signalContext(cmd)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to start aggregator", err)
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Error("Failed to close aggregator", "error", err)
				}
			}()

			logger.Info("Aggregator starting", "version", build.Version, "db_path", cfg.DBPath)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen_addr")
	return cmd
}

func newNodesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage the node registry",
	}
	cmd.AddCommand(newNodesRegisterCommand(opts))
	cmd.AddCommand(newNodesListCommand(opts))
	cmd.AddCommand(newNodesRotateCommand(opts))
	cmd.AddCommand(newNodesToggleCommand(opts, "enable", true))
	cmd.AddCommand(newNodesToggleCommand(opts, "disable", false))
	return cmd
}

func newNodesRegisterCommand(opts *RootOptions) *cobra.Command {
	var (
		params   registry.RegisterParams
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a clinic node and issue its auth token",
		Long: `Register a clinic node and issue its auth token.

The token is printed once and is not stored by the aggregator.

Examples:
  clinicsync-server nodes register --id clinic-north --name "North clinic" --collections patients,visits`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			if disabled {
				enabled := false
				params.SyncEnabled = &enabled
			}
			node, token, err := srv.Registry().Register(cmd.Context(), params)
			switch {
			case errors.Is(err, registry.ErrInvalidNode):
				return WrapExitError(ExitCommandError, "invalid node", err)
			case errors.Is(err, storage.ErrNodeAlreadyExists):
				return NewExitError(ExitCommandError, fmt.Sprintf("node %s is already registered", params.NodeID))
			case err != nil:
				return WrapExitError(ExitCommandError, "failed to register node", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(api.RegisterNodeResponse{NodeID: node.NodeID, AuthToken: token})
			}
			return p.Fields(
				"Node", node.NodeID,
				"Collections", collectionsText(node.SyncedCollections),
				"Sync enabled", yesNo(node.SyncEnabled),
				"Auth token", token,
			)
		},
	}

	cmd.Flags().StringVar(&params.NodeID, "id", "", "node id (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&params.DisplayName, "name", "", "display name")
	cmd.Flags().StringSliceVar(&params.SyncedCollections, "collections", nil, "synced collections, empty means the node's own list")
	cmd.Flags().DurationVar(&params.PushInterval, "push-interval", 0, "push interval announced to the node")
	cmd.Flags().DurationVar(&params.PullInterval, "pull-interval", 0, "pull interval announced to the node")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register with sync disabled")
	return cmd
}

func newNodesListCommand(opts *RootOptions) *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, cfg, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			var nodes []*models.NodeRegistration
			if online {
				nodes, err = srv.Registry().ListOnline(cmd.Context(), cfg.OnlineTimeout)
			} else {
				nodes, err = srv.Registry().List(cmd.Context())
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list nodes", err)
			}

			now := time.Now()
			resp := api.NodeListResponse{Nodes: make([]api.Node, 0, len(nodes))}
			for _, n := range nodes {
				resp.Nodes = append(resp.Nodes, api.NodeFromRegistration(n, now, cfg.OnlineTimeout))
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(resp)
			}
			rows := make([][]string, 0, len(resp.Nodes))
			for _, n := range resp.Nodes {
				rows = append(rows, []string{
					n.NodeID, n.DisplayName, collectionsText(n.SyncedCollections),
					yesNo(n.SyncEnabled), yesNo(n.Online), formatTime(n.LastSeenAt),
				})
			}
			return p.Table([]string{"NODE", "NAME", "COLLECTIONS", "SYNC", "ONLINE", "LAST SEEN"}, rows)
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "only nodes seen within online_timeout")
	return cmd
}

func newNodesRotateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-token NODE_ID",
		Short: "Issue a new auth token, the previous one stops working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			token, err := srv.Registry().RotateToken(cmd.Context(), args[0])
			if err != nil {
				return nodeError(args[0], "failed to rotate token", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(api.RegisterNodeResponse{NodeID: args[0], AuthToken: token})
			}
			return p.Fields("Node", args[0], "Auth token", token)
		},
	}
}

func newNodesToggleCommand(opts *RootOptions, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NODE_ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " synchronization for the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Registry().SetSyncEnabled(cmd.Context(), args[0], enabled); err != nil {
				return nodeError(args[0], "failed to toggle sync", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(api.SyncToggleRequest{SyncEnabled: enabled})
			}
			p.Line("Sync %sd for %s", use, args[0])
			return nil
		},
	}
}

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review conflicts detected by the aggregator",
	}
	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.ConflictStatus(status)
			if filter != "" && !filter.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}

			srv, _, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			conflicts, err := srv.Storage().ListConflicts(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list conflicts", err)
			}

			resp := api.ConflictListResponse{Conflicts: make([]api.Conflict, 0, len(conflicts))}
			for _, c := range conflicts {
				resp.Conflicts = append(resp.Conflicts, api.ConflictFromRecord(c))
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(resp)
			}
			rows := make([][]string, 0, len(resp.Conflicts))
			for _, c := range resp.Conflicts {
				document := c.Collection + "/" + c.DocumentID
				if c.OtherDocumentID != "" {
					document += " ~ " + c.OtherDocumentID
				}
				rows = append(rows, []string{
					c.ID, c.ConflictType, document, c.Status,
					fmt.Sprint(len(c.CompetingVersions)), c.DetectedAt.UTC().Format(time.RFC3339),
				})
			}
			return p.Table([]string{"ID", "TYPE", "DOCUMENT", "STATUS", "VERSIONS", "DETECTED"}, rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.ConflictOpen), "filter by status (open|reviewed|resolved), empty for all")
	return cmd
}

func newConflictsResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		status     string
		resolvedBy string
		note       string
	)

	cmd := &cobra.Command{
		Use:   "resolve CONFLICT_ID",
		Short: "Record an operator decision on a conflict",
		Long: `Record an operator decision on a conflict.

Conflicts are never closed automatically. Mark a conflict reviewed while
it is being investigated and resolved once the documents are reconciled.

Examples:
  clinicsync-server conflicts resolve 6f1c... --by alice --note "merged duplicate patient"
  clinicsync-server conflicts resolve 6f1c... --status reviewed --by alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := models.ConflictStatus(status)
			if !target.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}
			if target == models.ConflictResolved && resolvedBy == "" {
				return NewExitError(ExitCommandError, "--by is required to resolve a conflict")
			}

			srv, _, err := openServer(cmd, opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx := cmd.Context()
			err = srv.Storage().UpdateConflictStatus(ctx, args[0], target, resolvedBy, note, time.Now())
			if errors.Is(err, storage.ErrConflictNotFound) {
				return NewExitError(ExitCommandError, fmt.Sprintf("conflict %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to update conflict", err)
			}

			conflict, err := srv.Storage().GetConflict(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reload conflict", err)
			}

			p := opts.printer(cmd)
			if p.json() {
				return p.JSON(api.ConflictFromRecord(conflict))
			}
			p.Line("Conflict %s is %s", conflict.ID, conflict.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.ConflictResolved), "new status (open|reviewed|resolved)")
	cmd.Flags().StringVar(&resolvedBy, "by", "", "operator who made the decision")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	return cmd
}

func nodeError(nodeID, message string, err error) error {
	if errors.Is(err, storage.ErrNodeNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("node %s is not registered", nodeID))
	}
	return WrapExitError(ExitCommandError, message, err)
}

func collectionsText(collections []string) string {
	if len(collections) == 0 {
		return "(node default)"
	}
	return strings.Join(collections, ",")
}
