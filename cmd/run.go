package cmd

import (
	"log"

	"github.com/faizalmuzakki/guildkeeper/guildkeeper"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, its background loops, the admin API and (optionally) the GitHub webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			gk, err := guildkeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating guildkeeper: %s", err.Error())
			}

			if err = gk.Run(ctx); err != nil {
				log.Fatalf("error running guildkeeper: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
