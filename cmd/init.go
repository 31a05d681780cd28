package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/db"
)

var (
	initTitle     string
	initUsername  string
	initSuperuser bool
	userAdmin     bool
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a database with one project and one user",
	Long: "Creates (or migrates) the SQLite file at path, ./.arbor.db by default, " +
		"or the PostgreSQL schema when --driver=postgres, then adds a project and a user.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var d *db.DB
		var err error
		if cfg.Database.Driver == "postgres" {
			d, err = OpenDatabase(ctx)
		} else {
			path := dbFileName
			if len(args) == 1 {
				path = args[0]
			} else if cfg.DB != "" {
				path = cfg.DB
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			d, err = db.OpenDB(path)
		}
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Migrate(ctx); err != nil {
			return err
		}
		var project, user int64
		err = d.ExecuteWrite(ctx, func(s *db.Session) error {
			var err error
			if project, err = s.CreateProject(ctx, initTitle); err != nil {
				return err
			}
			user, err = s.CreateUser(ctx, initUsername, initSuperuser)
			return err
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{"database": d.Path, "project_id": project, "user_id": user})
		}
		fmt.Printf("Initialized %s\n", d.Path)
		fmt.Printf("  project %d (%s)\n  user    %d (%s)\n", project, initTitle, user, initUsername)
		fmt.Printf("\nexport ARBOR_PROJECT=%d ARBOR_USER=%d\n", project, user)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := OpenDatabase(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		var id int64
		if err := d.ExecuteWrite(ctx, func(s *db.Session) error {
			id, err = s.CreateUser(ctx, args[0], userAdmin)
			return err
		}); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"user_id": id, "username": args[0]})
		}
		fmt.Printf("user %d (%s)\n", id, args[0])
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initTitle, "title", "default", "Project title")
	initCmd.Flags().StringVar(&initUsername, "username", defaultUsername(), "Name of the first user")
	initCmd.Flags().BoolVar(&initSuperuser, "admin", true, "Make the first user a superuser")
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "Make the user a superuser")
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(initCmd, userCmd)
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "admin"
}
