package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// #region import
var importCmd = &cobra.Command{
	Use:   "import <incidents.csv>",
	Short: "Load spill incidents from CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.ImportIncidentsCSV(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d incidents into %s\n", n, cfg.DBPath)
		return nil
	},
}
// #endregion import
