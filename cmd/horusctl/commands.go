package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"horus-server/internal/app"
	"horus-server/internal/config"
	"horus-server/internal/deploy"
	"horus-server/internal/models"
	"horus-server/internal/store"
)

// licenseValidity matches the two-year term licenses were always issued with.
const licenseValidity = 104 * 7 * 24 * time.Hour

type env struct {
	cfg  config.Config
	open func(ctx context.Context, cfg config.Config) (store.Repository, error)
}

func defaultEnv() *env {
	return &env{
		cfg: config.Load(),
		open: func(ctx context.Context, cfg config.Config) (store.Repository, error) {
			return app.OpenRepository(ctx, cfg)
		},
	}
}

func (e *env) withRepo(cmd *cobra.Command, fn func(repo store.Repository, out io.Writer) error) error {
	repo, err := e.open(cmd.Context(), e.cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(repo, cmd.OutOrStdout())
}

func (e *env) service(repo store.Repository) *deploy.Service {
	return deploy.NewService(repo, nil, nil, deploy.Config{MinPrivilege: e.cfg.DeployMinPrivilege})
}

func newRootCommand(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "horusctl",
		Short:         "Operator tooling for the horus server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCommand(e),
		newLicenseCommand(e),
		newDeployKeyCommand(e),
		newJobsCommand(e),
	)
	return root
}

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRepo(cmd, func(_ store.Repository, out io.Writer) error {
				fmt.Fprintf(out, "migrations applied (%s)\n", e.cfg.StoreDriver)
				return nil
			})
		},
	}
}

func newLicenseCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "License key management",
	}

	var (
		owner     int64
		privilege int16
		validFor  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRepo(cmd, func(repo store.Repository, out io.Writer) error {
				lk, err := e.service(repo).IssueLicense(cmd.Context(), owner, privilege, validFor)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "license key: %s\nvalid until: %s\n", lk.Key, lk.ValidUntil.Format(time.RFC3339))
				return nil
			})
		},
	}
	issue.Flags().Int64Var(&owner, "owner", 0, "owning user id")
	issue.Flags().Int16Var(&privilege, "privilege", 0, "privilege level")
	issue.Flags().DurationVar(&validFor, "valid-for", licenseValidity, "validity period")
	_ = issue.MarkFlagRequired("owner")

	cmd.AddCommand(issue)
	return cmd
}

func newDeployKeyCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploykey",
		Short: "Deployment key management",
	}

	var license string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a deployment key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRepo(cmd, func(repo store.Repository, out io.Writer) error {
				secret, _, err := e.service(repo).IssueDeploymentKey(cmd.Context(), license)
				if errors.Is(err, deploy.ErrPrivilegeTooLow) {
					return fmt.Errorf("license %s cannot deploy: privilege below %d", license, e.cfg.DeployMinPrivilege)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deployment key: %s\n", secret)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&license, "license", "", "license key the deployment key belongs to")
	_ = issue.MarkFlagRequired("license")

	cmd.AddCommand(issue)
	return cmd
}

func newJobsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Job table inspection and recovery",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Count jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withRepo(cmd, func(repo store.Repository, out io.Writer) error {
				counts, err := repo.CountJobsByStatus(cmd.Context())
				if err != nil {
					return err
				}
				statuses := make([]models.JobStatus, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
				for _, s := range statuses {
					fmt.Fprintf(out, "%-8s %d\n", s, counts[s])
				}
				return nil
			})
		},
	}

	var confirm bool
	requeue := &cobra.Command{
		Use:   "requeue-running",
		Short: "Move jobs stuck in Running back to Waiting after an unclean worker exit",
		Long: "Jobs left Running by a crashed worker are never retried automatically. " +
			"Run this only while no worker is up; jobs that had side effects will execute again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to requeue without --confirm")
			}
			return e.withRepo(cmd, func(repo store.Repository, out io.Writer) error {
				n, err := repo.ResetStatus(cmd.Context(), models.StatusRunning, models.StatusWaiting)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "requeued %d running jobs\n", n)
				return nil
			})
		},
	}
	requeue.Flags().BoolVar(&confirm, "confirm", false, "confirm no worker is running")

	cmd.AddCommand(status, requeue)
	return cmd
}
