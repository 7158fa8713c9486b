package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"mailsync/core/domain"
	"mailsync/internal/bootstrap"
	"mailsync/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// withDeps loads config, builds dependencies and runs fn. Link and job IDs
// attached to ctx with logger.ContextWithLink / ContextWithJob end up on the
// command's log lines.
func withDeps(ctx context.Context, op string, fn func(ctx context.Context, deps *bootstrap.Dependencies) error) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"op":    op,
		"queue": queueScheme(cfg.Queue.URL),
	})

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if strings.HasPrefix(cfg.Queue.URL, "memory://") {
		log.Warn("memory queue is process local; enqueued work is lost on exit")
	}

	start := time.Now()
	err = fn(ctx, deps)
	log = log.WithDuration(time.Since(start))
	if err != nil {
		log.WithError(err).Error("%s failed", op)
		return err
	}
	log.Info("%s done", op)
	return nil
}

// queueScheme keeps credentials in the queue URL out of the logs.
func queueScheme(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return url
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func requireLink(cmd *cobra.Command, linkID string) error {
	if linkID == "" {
		return fmt.Errorf("%s: --link is required", cmd.CommandPath())
	}
	return nil
}

// =============================================================================
// backfill
// =============================================================================

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Manage full mailbox backfills",
	}

	var (
		linkID string
		limit  int
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a backfill for a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLink(cmd, linkID); err != nil {
				return err
			}
			ctx := logger.ContextWithLink(cmd.Context(), linkID)
			return withDeps(ctx, "backfill start", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				var lim *int
				if cmd.Flags().Changed("limit") {
					lim = &limit
				}
				job, err := deps.Engine.Coordinator.Start(ctx, linkID, lim)
				if err != nil {
					return err
				}
				logger.WithContext(logger.ContextWithJob(ctx, job.ID)).
					WithField("status", string(job.Status)).
					Info("backfill job created")
				printJSON(job)
				return nil
			})
		},
	}
	startCmd.Flags().StringVar(&linkID, "link", "", "link ID")
	startCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of threads to import")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel active backfills for a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLink(cmd, linkID); err != nil {
				return err
			}
			ctx := logger.ContextWithLink(cmd.Context(), linkID)
			return withDeps(ctx, "backfill cancel", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				n, err := deps.Engine.Coordinator.Cancel(ctx, linkID)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"link_id": linkID, "cancelled": n})
				return nil
			})
		},
	}
	cancelCmd.Flags().StringVar(&linkID, "link", "", "link ID")

	var jobID string
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue batches of a job that were never dispatched",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("%s: --job is required", cmd.CommandPath())
			}
			ctx := logger.ContextWithJob(cmd.Context(), jobID)
			return withDeps(ctx, "backfill replay", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				n, err := deps.Engine.Coordinator.Replay(ctx, jobID)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"job_id": jobID, "requeued": n})
				return nil
			})
		},
	}
	replayCmd.Flags().StringVar(&jobID, "job", "", "backfill job ID")

	cmd.AddCommand(startCmd, cancelCmd, replayCmd)
	return cmd
}

// =============================================================================
// sync
// =============================================================================

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run an incremental sync step inline",
	}

	var linkID string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Apply pending history changes for a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLink(cmd, linkID); err != nil {
				return err
			}
			ctx := logger.ContextWithLink(cmd.Context(), linkID)
			return withDeps(ctx, "sync history", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				res, err := deps.Engine.History.Sync(ctx, linkID)
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			})
		},
	}
	historyCmd.Flags().StringVar(&linkID, "link", "", "link ID")

	labelsCmd := &cobra.Command{
		Use:   "labels",
		Short: "Reconcile the label catalog for a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLink(cmd, linkID); err != nil {
				return err
			}
			ctx := logger.ContextWithLink(cmd.Context(), linkID)
			return withDeps(ctx, "sync labels", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				res, err := deps.Engine.Labels.Reconcile(ctx, linkID)
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			})
		},
	}
	labelsCmd.Flags().StringVar(&linkID, "link", "", "link ID")

	cmd.AddCommand(historyCmd, labelsCmd)
	return cmd
}

// =============================================================================
// link
// =============================================================================

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage mailbox links",
	}

	var (
		userID       string
		email        string
		refreshToken string
		backfill     bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a Gmail mailbox with an OAuth refresh token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || refreshToken == "" {
				return fmt.Errorf("%s: --user and --refresh-token are required", cmd.CommandPath())
			}
			return withDeps(cmd.Context(), "link add", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				link := &domain.Link{
					UserID:       userID,
					Provider:     domain.ProviderGmail,
					Email:        email,
					SyncEnabled:  true,
					RefreshToken: refreshToken,
					// 만료 시각을 과거로 두어 첫 호출에서 갱신
					TokenExpiry: time.Now().Add(-time.Minute),
				}
				if err := deps.Engine.Accounts.ConnectLink(ctx, link); err != nil {
					return err
				}
				logger.WithContext(logger.ContextWithLink(ctx, link.ID)).
					WithField("user_id", userID).
					Info("link connected")
				out := map[string]any{"link": link}
				if backfill {
					job, err := deps.Engine.Coordinator.Start(ctx, link.ID, nil)
					if err != nil {
						return err
					}
					out["backfill"] = job
				}
				printJSON(out)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&userID, "user", "", "owning user ID")
	addCmd.Flags().StringVar(&email, "email", "", "mailbox address")
	addCmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	addCmd.Flags().BoolVar(&backfill, "backfill", true, "start a full backfill after connecting")

	var linkID string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a link and all of its synced data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLink(cmd, linkID); err != nil {
				return err
			}
			ctx := logger.ContextWithLink(cmd.Context(), linkID)
			return withDeps(ctx, "link delete", func(ctx context.Context, deps *bootstrap.Dependencies) error {
				if err := deps.Engine.Accounts.DeleteLink(ctx, linkID); err != nil {
					return err
				}
				printJSON(map[string]any{"link_id": linkID, "deleted": true})
				return nil
			})
		},
	}
	deleteCmd.Flags().StringVar(&linkID, "link", "", "link ID")

	cmd.AddCommand(addCmd, deleteCmd)
	return cmd
}
