package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Inkwell is a blog platform edge gateway",
	Long: `Inkwell serves the blog frontend and forwards its API calls to the
backend origin, injecting the deployment's service credential on the way.
Complete documentation is available at https://github.com/khalverson/inkwell`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
