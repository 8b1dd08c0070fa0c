package main

import (
	"fmt"

	"github.com/ncnr/pyrecs/internal/archive"
)

// MigrateCmd manages the archive schema without opening the instrument.
type MigrateCmd struct {
	DB string `help:"Scan archive database" default:"pyrecs.db" env:"PYRECS_DB" type:"path"`

	Up     MigrateUpCmd     `cmd:"" help:"Apply all pending migrations"`
	Down   MigrateDownCmd   `cmd:"" help:"Roll back the most recent migration"`
	Status MigrateStatusCmd `cmd:"" help:"Show the schema version"`
	Force  MigrateForceCmd  `cmd:"" help:"Record a version without running migrations (recovers a dirty schema)"`
	To     MigrateToCmd     `cmd:"" help:"Migrate up or down to a version"`
}

type (
	MigrateUpCmd     struct{}
	MigrateDownCmd   struct{}
	MigrateStatusCmd struct{}
	MigrateForceCmd  struct {
		Version int `arg:"" help:"Version to record"`
	}
	MigrateToCmd struct {
		Version uint `arg:"" help:"Target version"`
	}
)

func (MigrateUpCmd) Run(root *CLI) error {
	return withArchive(root, (*archive.DB).MigrateUp)
}

func (MigrateDownCmd) Run(root *CLI) error {
	return withArchive(root, (*archive.DB).MigrateDown)
}

func (MigrateStatusCmd) Run(root *CLI) error {
	return withArchive(root, func(*archive.DB) error { return nil })
}

func (c MigrateForceCmd) Run(root *CLI) error {
	return withArchive(root, func(db *archive.DB) error { return db.MigrateForce(c.Version) })
}

func (c MigrateToCmd) Run(root *CLI) error {
	return withArchive(root, func(db *archive.DB) error { return db.MigrateTo(c.Version) })
}

// withArchive opens the archive without migrating it, runs fn and prints
// the resulting schema version.
func withArchive(root *CLI, fn func(*archive.DB) error) error {
	db, err := archive.OpenDB(root.Migrate.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(db); err != nil {
		return err
	}
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := archive.LatestMigrationVersion()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "version %d (latest %d) dirty=%t\n", version, latest, dirty)
	return err
}
