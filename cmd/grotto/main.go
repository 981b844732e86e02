package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/grotto/cmd/grotto/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "grotto",
	Short: "grotto plays text adventures in social feed reply threads",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	cobra.CheckErr(clay.InitGlazed("grotto", rootCmd))

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	run, err := cmds.NewRunCommand()
	cobra.CheckErr(err)
	announce, err := cmds.NewAnnounceCommand()
	cobra.CheckErr(err)
	play, err := cmds.NewPlayCommand()
	cobra.CheckErr(err)
	split, err := cmds.NewSplitCommand()
	cobra.CheckErr(err)

	for _, c := range []glazed_cmds.Command{run, announce, play, split} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(cmds.Middlewares))
		cobra.CheckErr(err)
		rootCmd.AddCommand(cobraCmd)
	}
	cmds.AddSessionsCommand(rootCmd)
	cmds.AddEventsCommand(rootCmd)

	cobra.CheckErr(rootCmd.Execute())
}
