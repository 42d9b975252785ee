package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/faizalmuzakki/guildkeeper/guildkeeper"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GK_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		db, err := guildkeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() { _ = sqlDB.Close() }()
		}

		store := guildkeeper.NewStore(
			guildkeeper.NewDatabase(db, nil, cfg.DatabaseType != "sqlite"),
			nil,
		)
		runtimeConfig, created, err := store.LoadRuntimeConfig(ctx)
		if err != nil {
			log.Fatalf("Error retrieving runtime config: %v", err)
		}

		out := cmd.OutOrStdout()
		if created {
			fmt.Fprintln(out, "Created default runtime config.")
		}
		if !runtimeConfig.PendingSetup() {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(os.Stdin)

			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				fmt.Fprintln(out)

				if password != "" && password == string(confirmPasswordBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords are empty or do not match. Please try again.")
			}

			if err = store.SetAdminCredentials(ctx, username, password); err != nil {
				log.Fatalf("Error updating admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
