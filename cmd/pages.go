package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/persistence"
	"github.com/guestify/mediakit/internal/state"
)

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Manage persisted pages",
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted page ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(backend *persistence.Store) error {
			ids, err := backend.Pages()
			if err != nil {
				return err
			}

			if len(ids) == 0 {
				fmt.Fprintln(os.Stderr, "no pages stored")

				return nil
			}

			for _, id := range ids {
				fmt.Println(id)
			}

			return nil
		})
	},
}

var pagesExportCmd = &cobra.Command{
	Use:   "export <page-id>",
	Short: "Print a page's serialized state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(backend *persistence.Store) error {
			st, err := backend.LoadPage(args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("page %q not found", args[0])
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(st)
		})
	},
}

var pagesImportCmd = &cobra.Command{
	Use:   "import <page-id> <file>",
	Short: "Store a page from a serialized state JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		var st state.SerializedState
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode %s: %w", args[1], err)
		}

		return withBackend(func(backend *persistence.Store) error {
			return backend.SavePage(args[0], &st)
		})
	},
}

var pagesDeleteCmd = &cobra.Command{
	Use:   "delete <page-id>",
	Short: "Delete a persisted page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(backend *persistence.Store) error {
			return backend.DeletePage(args[0])
		})
	},
}

func withBackend(fn func(*persistence.Store) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	backend, err := persistence.Open(cfg.Persistence.Path, nil)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(backend)
}

func init() {
	rootCmd.AddCommand(pagesCmd)
	pagesCmd.AddCommand(pagesListCmd)
	pagesCmd.AddCommand(pagesExportCmd)
	pagesCmd.AddCommand(pagesImportCmd)
	pagesCmd.AddCommand(pagesDeleteCmd)
}
