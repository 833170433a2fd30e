package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/authlab/oidp/pkg/op"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oidp v%s\n", op.Version)
		fmt.Println("config file:", configFilePath())
	},
}
