// Command migrate applies, inspects and scaffolds the schema migrations of
// the sync store.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/infrastructure/config"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/migration"
	"github.com/marketsync/backend/migrations"
)

const usage = `marketsync migration tool

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  version               Show current migration version
  force <version>       Force set migration version
  create <name> [desc]  Create a new migration file pair
  list                  List available migrations

Flags:
  -path string          Read migrations from a directory instead of the embedded set
  -log-level string     Log level: debug, info, warn, error (default: info)

Database settings come from MSYNC_DATABASE_* environment variables.`

var errUsage = errors.New("invalid usage")

type cli struct {
	path string
	args []string
	log  *zap.Logger
}

// dbCommands need a live database; the rest only touch migration files.
var dbCommands = map[string]func(*cli, *migration.Migrator) error{
	"up":   func(_ *cli, m *migration.Migrator) error { return m.Up() },
	"down": func(_ *cli, m *migration.Migrator) error { return m.Down() },
	"step": func(c *cli, m *migration.Migrator) error {
		n, err := c.intArg("step count")
		if err != nil {
			return err
		}
		return m.Steps(n)
	},
	"force": func(c *cli, m *migration.Migrator) error {
		v, err := c.intArg("version")
		if err != nil {
			return err
		}
		return m.Force(v)
	},
	"version": func(c *cli, m *migration.Migrator) error {
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		c.log.Info("Current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	},
}

func main() {
	path := flag.String("path", "", "Read migrations from this directory instead of the embedded set")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Println(usage)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      *logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync(log) }()

	c := &cli{path: *path, args: flag.Args(), log: log}
	if err := c.run(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Println(usage)
		}
		log.Fatal("Migration command failed", zap.String("command", c.args[0]), zap.Error(err))
	}
}

func (c *cli) run() error {
	switch c.args[0] {
	case "create":
		return c.create()
	case "list":
		return c.list()
	}

	cmd, ok := dbCommands[c.args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, c.args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	var m *migration.Migrator
	if c.path != "" {
		m, err = migration.NewFromPath(db, c.path, c.log)
	} else {
		m, err = migration.New(db, migrations.FS, c.log)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	return cmd(c, m)
}

func (c *cli) create() error {
	if len(c.args) < 2 {
		return fmt.Errorf("%w: create needs a migration name", errUsage)
	}
	dir := c.path
	if dir == "" {
		dir = "migrations"
	}
	var description string
	if len(c.args) > 2 {
		description = c.args[2]
	}

	mf, err := migration.CreateMigration(dir, c.args[1], description)
	if err != nil {
		return err
	}
	c.log.Info("Migration created",
		zap.Uint("version", mf.Version),
		zap.String("up_file", mf.UpPath),
		zap.String("down_file", mf.DownPath),
	)
	return nil
}

func (c *cli) list() error {
	var source fs.FS = migrations.FS
	if c.path != "" {
		source = os.DirFS(c.path)
	}
	list, err := migration.ListMigrations(source)
	if err != nil {
		return err
	}
	for _, m := range list {
		fmt.Printf("  %06d  %s\n", m.Version, m.Name)
	}
	return nil
}

func (c *cli) intArg(what string) (int, error) {
	if len(c.args) < 2 {
		return 0, fmt.Errorf("%w: %s required", errUsage, what)
	}
	n, err := strconv.Atoi(c.args[1])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", errUsage, what, c.args[1])
	}
	return n, nil
}
