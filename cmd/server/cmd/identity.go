package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/signoff/internal/domain/identities"
	"github.com/Togather-Foundation/signoff/internal/storage/postgres"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage identity profiles",
	}

	var profile identities.Identity
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update an identity profile",
		Long: `Writes the profile fields of an identity. Summary lists are left untouched.

Examples:
  signoff identity upsert --id alice --name "Alice Example" --email alice@example.org`,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile.ID = strings.TrimSpace(profile.ID)
			profile.Name = strings.TrimSpace(profile.Name)
			if profile.Name == "" {
				return fmt.Errorf("--name must not be blank")
			}
			url, err := databaseURL()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, err := postgres.Open(ctx, url, 2)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Identities().UpsertProfile(ctx, profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity %s saved\n", profile.ID)
			return nil
		},
	}
	upsert.Flags().StringVar(&profile.ID, "id", "", "identity id")
	upsert.Flags().StringVar(&profile.Name, "name", "", "display name")
	upsert.Flags().StringVar(&profile.Email, "email", "", "notification email address")
	upsert.Flags().StringVar(&profile.Thumbnail, "thumbnail", "", "avatar URL")
	_ = upsert.MarkFlagRequired("id")
	_ = upsert.MarkFlagRequired("name")

	cmd.AddCommand(upsert)
	return cmd
}
