package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/model"
)

var exportDir string

var transcriptsCmd = &cobra.Command{
	Use:     "transcripts",
	Aliases: []string{"t"},
	Short:   "Manage saved transcripts",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved transcripts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openTranscripts(cmd.Context(), config.Conf)
		if err != nil {
			return err
		}
		defer cleanup()

		all, err := store.GetAllTranscripts(cmd.Context())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transcripts available.")
			return nil
		}
		for _, t := range all {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-50s  %3d messages  %s\n",
				t.ID, t.Title, len(t.Messages), model.LocalTime(t.UpdatedAt))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all transcripts to a Markdown file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Conf
		store, cleanup, err := openTranscripts(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		dir := exportDir
		if dir == "" {
			dir = cfg.Client.ExportDir
		}
		path, err := store.DownloadMarkdown(cmd.Context(), dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", path)
		return nil
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every saved transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openTranscripts(cmd.Context(), config.Conf)
		if err != nil {
			return err
		}
		defer cleanup()

		count, err := store.GetTranscriptCount(cmd.Context())
		if err != nil {
			return err
		}
		if err := store.DeleteAllTranscripts(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d transcripts\n", count)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", "", "output directory (defaults to client.export_dir)")

	transcriptsCmd.AddCommand(listCmd, exportCmd, deleteAllCmd)
	rootCmd.AddCommand(transcriptsCmd)
}
