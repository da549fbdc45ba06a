package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/db"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
	"github.com/parisxmas/oxiwarehouse/internal/service"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			var applied int
			switch cfg.Database.Driver {
			case "oxidb":
				// Collections are schemaless; opening the store creates their indexes.
				store, err := repository.Open(cmd.Context(), cfg.Database)
				if err != nil {
					return err
				}
				defer store.Close()
				logger.Info("collection indexes ensured", "addr", cfg.Database.Addr)
				fmt.Fprintln(cmd.OutOrStdout(), "Collection indexes ensured")
				return nil
			case "postgres":
				pool, err := db.OpenPostgres(cmd.Context(), cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer pool.Close()
				applied, err = db.MigratePostgres(cmd.Context(), pool)
				if err != nil {
					return err
				}
			default:
				conn, err := db.OpenSQLite(cfg.Database.Path)
				if err != nil {
					return err
				}
				defer conn.Close()
				applied, err = db.MigrateSQLite(cmd.Context(), conn)
				if err != nil {
					return err
				}
			}
			logger.Info("migrations applied", "driver", cfg.Database.Driver, "count", applied)
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var lockPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired temporary archives once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire sweep lock: %w", err)
			}
			if !ok {
				return errors.New("another sweep is already running")
			}
			defer lock.Unlock()

			blobs, err := openBlobStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer blobs.close()

			n, err := service.NewSweeper(blobs.gateway, cfg.TempMaxAge(), cfg.SweepInterval(), logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired archive(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&lockPath, "lock", filepath.Join(os.TempDir(), "oxiwarehouse-sweep.lock"), "Lock file guarding concurrent sweeps")
	return cmd
}

func newSubmissionsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "Inspect submissions",
	}

	var status, owner string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List submissions as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			filter := repository.SubmissionFilter{OwnerID: owner, Limit: limit, Offset: offset}
			if status != "" {
				st, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			subs, total, err := store.Submissions.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No submissions found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSubmissions(subs))
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d\n", len(subs), total)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	list.Flags().StringVar(&owner, "owner", "", "Filter by owner user id")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	list.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	cmd.AddCommand(list)
	return cmd
}

func renderSubmissions(subs []models.Submission) string {
	rows := make([][]string, 0, len(subs))
	for _, s := range subs {
		completed := "-"
		if s.CompletedAt != nil {
			completed = s.CompletedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			s.ID,
			s.Title,
			string(s.Status),
			s.OwnerID,
			strconv.FormatInt(s.Version, 10),
			s.CreatedAt.Local().Format(time.DateTime),
			completed,
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Status", "Owner", "Ver", "Created", "Completed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var userID, email, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			r := models.Role(role)
			if r != models.RoleUser && r != models.RoleAdmin {
				return fmt.Errorf("unsupported role %q", role)
			}
			token, err := auth.GenerateTokenTTL(cfg.Auth.JWTSecret, userID, email, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed")
	cmd.Flags().StringVar(&email, "email", "", "Email to embed")
	cmd.Flags().StringVar(&role, "role", string(models.RoleUser), "Role (user or admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.TokenTTL, "Token lifetime")
	return cmd
}
