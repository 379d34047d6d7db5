package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/service"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/auth"
)

// run builds the app, runs fn as the system actor and prints its result as
// JSON on stdout.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := service.WithActor(cmd.Context(), service.SystemActor)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	out, runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	closeErr := a.close(closeCtx)

	if !isNil(out) {
		if err := printJSON(out); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// isNil also catches typed nil pointers and maps returned next to an error.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requiredString(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

const modeUsage = "copy_non_empty; forced runs go through 'retroactive preview' and 'retroactive commit'"

// modeFlag reads --mode for a direct run.
func modeFlag(cmd *cobra.Command) (service.Mode, error) {
	raw, _ := cmd.Flags().GetString("mode")
	mode, err := service.RequestedMode(service.Mode(raw))
	if err != nil {
		return "", fmt.Errorf("--mode: %w", err)
	}
	return mode, nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy one patient's clinical fields onto its initial consultation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			patientID, err := requiredString(cmd, "patient")
			if err != nil {
				return err
			}
			mode, err := modeFlag(cmd)
			if err != nil {
				return err
			}

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.reconcile.SyncPatientByID(ctx, patientID, practitionerID, mode.Directive())
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().String("patient", "", "patient id")
	cmd.Flags().String("mode", string(service.ModeCopyNonEmpty), modeUsage)
	return cmd
}

func syncConsultationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-consultation",
		Short: "Copy an initial consultation's clinical fields back onto its patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			consultationID, err := requiredString(cmd, "consultation")
			if err != nil {
				return err
			}

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.reconcile.SyncCanonicalToPatientByID(ctx, consultationID, practitionerID)
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().String("consultation", "", "consultation id")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Reconcile every patient of a practitioner, or of all practitioners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			practitionerID, _ := cmd.Flags().GetString("practitioner")
			if !all && practitionerID == "" {
				return errors.New("either --practitioner or --all is required")
			}
			mode, err := modeFlag(cmd)
			if err != nil {
				return err
			}

			var opts service.BatchOptions
			if raw, _ := cmd.Flags().GetString("created-before"); raw != "" {
				t, err := parseDate(raw)
				if err != nil {
					return fmt.Errorf("--created-before: %w", err)
				}
				opts.CreatedBefore = t
			}

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				if all {
					return a.batch.RunForAllPractitioners(ctx, mode)
				}
				return a.batch.RunForPractitioner(ctx, practitionerID, mode, opts)
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().Bool("all", false, "run for every practitioner")
	cmd.Flags().String("mode", string(service.ModeCopyNonEmpty), modeUsage)
	cmd.Flags().String("created-before", "", "only patients created at or before this date (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report patients whose clinical fields differ from their initial consultation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			fix, _ := cmd.Flags().GetBool("fix")

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				if fix {
					return a.integrity.ApplyCorrections(ctx, practitionerID)
				}
				return a.integrity.CheckDivergence(ctx, practitionerID)
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().Bool("fix", false, "run a copy_non_empty batch and check again")
	return cmd
}

func markInitialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-initial",
		Short: "Flag exactly one initial consultation per patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			practitionerID, _ := cmd.Flags().GetString("practitioner")
			if !all && practitionerID == "" {
				return errors.New("either --practitioner or --all is required")
			}

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				if all {
					return a.flags.AssignForAll(ctx)
				}
				return a.flags.AssignForPractitioner(ctx, practitionerID)
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().Bool("all", false, "run for every practitioner")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether consultations still lack an initial flag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			patientID, _ := cmd.Flags().GetString("patient")
			refresh, _ := cmd.Flags().GetBool("refresh")

			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				switch {
				case patientID != "":
					return a.status.CheckPatient(ctx, practitionerID, patientID)
				case refresh:
					return a.status.Refresh(ctx, practitionerID)
				default:
					return a.status.Check(ctx, practitionerID)
				}
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	cmd.Flags().String("patient", "", "limit the check to one patient")
	cmd.Flags().Bool("refresh", false, "bypass the cached status")
	return cmd
}

func retroactiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retroactive",
		Short: "Force patient values onto initial consultations, after a preview",
	}

	preview := &cobra.Command{
		Use:   "preview",
		Short: "Compute the forced plan and an approval token for it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.retroactive.Preview(ctx, practitionerID)
			})
		},
	}
	preview.Flags().String("practitioner", "", "practitioner id")

	commit := &cobra.Command{
		Use:   "commit",
		Short: "Apply a previewed plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			token, err := requiredString(cmd, "approval-token")
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.retroactive.Commit(ctx, practitionerID, token)
			})
		},
	}
	commit.Flags().String("practitioner", "", "practitioner id")
	commit.Flags().String("approval-token", "", "token returned by preview")

	cmd.AddCommand(preview, commit)
	return cmd
}

func repairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-encrypt legacy plaintext fields and list unrecoverable ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			practitionerID, err := requiredString(cmd, "practitioner")
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.repair.RepairPractitioner(ctx, practitionerID)
			})
		},
	}
	cmd.Flags().String("practitioner", "", "practitioner id")
	return cmd
}

// tokenCmd mints an access token for operators and scripts. It only needs
// the JWT settings.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := requiredString(cmd, "user")
			if err != nil {
				return err
			}
			email, _ := cmd.Flags().GetString("email")
			rawRole, _ := cmd.Flags().GetString("role")
			role := domain.NormalizeRole(rawRole)
			if !role.IsValid() {
				return fmt.Errorf("unknown role %q", rawRole)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.NewJWTManager(cfg.JWT).GenerateAccessToken(&domain.Claims{
				UserID: userID,
				Email:  email,
				Role:   role,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"accessToken": token,
				"expiresAt":   expiresAt,
				"role":        role,
			})
		},
	}
	cmd.Flags().String("user", "", "user id, the practitioner id for osteopaths")
	cmd.Flags().String("email", "", "email recorded in the token")
	cmd.Flags().String("role", string(domain.RolePractitioner), "osteopath, assistant or admin")
	return cmd
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", raw)
	}
	// A bare date includes the whole day.
	return t.Add(24*time.Hour - time.Nanosecond), nil
}
