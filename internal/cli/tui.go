package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/tui"
)

func init() {
	rootCmd.AddCommand(tuiCmd)
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive view of sessions pending approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		return tui.Run(database)
	},
}
