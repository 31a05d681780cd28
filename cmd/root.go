package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/config"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/logging"
	"catmaid/arbor/internal/metrics"
	"catmaid/arbor/internal/skeleton"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	v         = config.New()
	cfg       *config.Config
	requestID string
	registry  = metrics.NewRegistry()
)

var rootCmd = &cobra.Command{
	Use:           "arbor",
	Short:         "Neuron skeleton topology engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = c
		if err := logging.Init(logging.Options{Level: c.Log.Level, Format: c.Log.Format, Verbose: verbose}); err != nil {
			return err
		}
		requestID = uuid.NewString()
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil || cfg.Metrics.Textfile == "" {
			return nil
		}
		if err := registry.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.WithField("request_id", requestID).Debug(err)
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	pf.String("db", "", "Path to .arbor.db database")
	pf.String("driver", "sqlite", "Database driver: sqlite or postgres")
	pf.String("dsn", "", "PostgreSQL connection string")
	pf.Int64("project", 1, "Project id")
	pf.Int64("user", 1, "Acting user id")
	pf.Bool("superuser", false, "Act as a superuser")
	pf.String("log-level", "info", "Log level")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("metrics-textfile", "", "Write prometheus metrics to this file on exit")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	pf.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	for key, flag := range map[string]string{
		"db": "db", "database.driver": "driver", "database.dsn": "dsn",
		"project": "project", "user": "user", "superuser": "superuser",
		"log.level": "log-level", "log.format": "log-format", "metrics.textfile": "metrics-textfile",
	} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

const dbFileName = ".arbor.db"

// DiscoverDB finds the database path using priority: env > flag > walk-up > XDG fallback
func DiscoverDB() (string, error) {
	// 1. Environment variable
	if envPath := os.Getenv("ARBOR_DB"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	// 2. CLI flag or config file
	if cfg != nil && cfg.DB != "" {
		if _, err := os.Stat(cfg.DB); err == nil {
			return cfg.DB, nil
		}
		return "", fmt.Errorf("database not found at --db path: %s", cfg.DB)
	}

	// 3. Walk up from CWD
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, dbFileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	// 4. XDG fallback
	if xdgPath, err := defaultDBPath(); err == nil {
		if _, err := os.Stat(xdgPath); err == nil {
			return xdgPath, nil
		}
	}

	return "", fmt.Errorf("no %s found (set ARBOR_DB, use --db, or run arbor init)", dbFileName)
}

func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "arbor", "arbor.db"), nil
}

// OpenDatabase opens the configured store: PostgreSQL when the driver says
// so, otherwise the discovered SQLite file.
func OpenDatabase(ctx context.Context) (*db.DB, error) {
	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	if dialect == db.Postgres {
		if cfg.Database.DSN == "" {
			return nil, errors.New("postgres driver needs --dsn or ARBOR_DATABASE_DSN")
		}
		return db.OpenPostgres(ctx, cfg.Database.DSN)
	}
	path, err := DiscoverDB()
	if err != nil {
		return nil, err
	}
	return db.OpenDB(path)
}

// openService opens the store and a skeleton service bound to it. The
// caller closes the returned DB.
func openService(ctx context.Context) (*db.DB, *skeleton.Service, error) {
	d, err := OpenDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := skeleton.New(d,
		skeleton.WithLogger(logrus.WithField("request_id", requestID)),
		skeleton.WithMetrics(registry),
	)
	return d, svc, nil
}

func currentActor() skeleton.Actor {
	return skeleton.Actor{
		Principal: authz.Principal{UserID: cfg.User, Superuser: cfg.Superuser},
		ProjectID: cfg.Project,
		RequestID: requestID,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ResolveAnnotation finds an annotation by id or by exact name.
func ResolveAnnotation(ctx context.Context, lk *db.Lookup, reference string) (int64, error) {
	// 1. Exact ID match
	if id, err := strconv.ParseInt(reference, 10, 64); err == nil {
		ci, err := lk.Session().GetClassInstance(ctx, id)
		if err == nil {
			cls, err := lk.ClassByID(ctx, ci.ClassID)
			if err == nil && cls == db.ClassAnnotation {
				return ci.ID, nil
			}
		}
	}

	// 2. Name match
	cls, err := lk.ClassID(ctx, db.ClassAnnotation)
	if err != nil {
		return 0, err
	}
	ci, err := lk.Session().FindClassInstance(ctx, lk.ProjectID(), cls, reference)
	if errors.Is(err, db.ErrNotFound) {
		return 0, fmt.Errorf("annotation not found: %s", reference)
	}
	if err != nil {
		return 0, err
	}
	return ci.ID, nil
}

// parseAnnotationMap reads "name" or "name=annotator" pairs; a bare name is
// attributed to the acting user.
func parseAnnotationMap(pairs []string) (map[string]int64, error) {
	m := make(map[string]int64, len(pairs))
	for _, p := range pairs {
		name, annotator, found := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty annotation name in %q", p)
		}
		m[name] = 0
		if found {
			id, err := parseID(annotator)
			if err != nil {
				return nil, fmt.Errorf("annotation %q: %w", name, err)
			}
			m[name] = id
		}
	}
	return m, nil
}

func truncName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Find a safe UTF-8 boundary
	truncated := s[:max]
	for len(truncated) > 0 && truncated[len(truncated)-1]>>6 == 2 {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated + "..."
}
