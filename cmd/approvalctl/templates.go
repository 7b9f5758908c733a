package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/templatefile"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage approval templates",
	}
	cmd.AddCommand(newTemplatesImportCmd())
	return cmd
}

func newTemplatesImportCmd() *cobra.Command {
	var createdBy string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update templates, fields and level chains from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := templatefile.Load(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if dryRun {
				log.Info().Int("templates", len(f.Templates)).Msg("Template file is valid")
				return nil
			}

			db, err := database.New(cmd.Context(), cfg.Database.Connection())
			if err != nil {
				return err
			}
			defer db.Close()

			templates := service.NewTemplateService(repository.NewTemplateRepository(db), log)
			res, err := templatefile.Apply(cmd.Context(), templates, f, createdBy, log)
			if err != nil {
				return err
			}

			var rows [][]string
			for _, name := range res.Created {
				rows = append(rows, []string{name, "created"})
			}
			for _, name := range res.Updated {
				rows = append(rows, []string{name, "updated"})
			}
			return printOutput(cmd.OutOrStdout(), res, []string{"template", "result"}, rows)
		},
	}

	cmd.Flags().StringVar(&createdBy, "created-by", "approvalctl", "User recorded as the creator of new templates")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing")
	return cmd
}
