/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package main provides the CLI commands for managing database migrations in Payflow.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"

	"github.com/blnkfinance/payflow"
	"github.com/blnkfinance/payflow/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "payflow"

func migrateCommands(app *payflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back payflow database migrations",
	}

	cmd.AddCommand(migrateRunCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateRunCommand(app, "down", migrate.Down))
	return cmd
}

// migrateRunCommand applies the embedded migrations in direction. --limit caps how many
// are applied; zero means all of them.
func migrateRunCommand(app *payflowInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: payflow.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(app.cnf.DataSource)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			// The migration table lives in the schema, so it has to exist first.
			if _, err := db.ExecContext(cmd.Context(), "CREATE SCHEMA IF NOT EXISTS "+migrationSchema); err != nil {
				return fmt.Errorf("error creating schema: %w", err)
			}
			migrate.SetSchema(migrationSchema)
			n, err := migrate.ExecMax(db, "postgres", migrations, direction, limit)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			if direction == migrate.Up {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migrations!\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migrations!\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of migrations to run (0 for all)")
	return cmd
}
