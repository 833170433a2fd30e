package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/authlab/oidp/pkg/jose"
)

var keygenOut = ""

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write the key set to a file instead of stdout")
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key set",
	Run: func(cmd *cobra.Command, args []string) {
		set, err := jose.GenerateKeySet()
		if err != nil {
			slog.Error("Failed to generate key set", "error", err)
			os.Exit(1)
		}
		encoded, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			slog.Error("Failed to encode key set", "error", err)
			os.Exit(1)
		}
		if keygenOut == "" {
			fmt.Println(string(encoded))
			return
		}
		if err := os.WriteFile(keygenOut, encoded, 0600); err != nil {
			slog.Error("Failed to write key set", "error", err)
			os.Exit(1)
		}
		slog.Info("Wrote key set", "path", keygenOut)
	},
}
