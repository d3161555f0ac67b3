package returndeskcli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/phillip-england/returndesk/internal/backup"
	"github.com/phillip-england/returndesk/internal/envutil"
	"github.com/phillip-england/returndesk/internal/logging"
	"github.com/phillip-england/returndesk/internal/security"
	"github.com/phillip-england/returndesk/internal/spreadsheetimport"
	"github.com/phillip-england/returndesk/internal/webapp"
	"go.uber.org/zap"
)

var ErrUsage = errors.New("usage")

const defaultEnvFile = ".env"

func Execute(args []string) error {
	return execute(args, os.Stdout)
}

func execute(args []string, out io.Writer) error {
	if len(args) < 1 || isHelpArg(args[0]) {
		return usageError()
	}

	switch args[0] {
	case "setup":
		return runSetup(args[1:], out)
	case "run":
		return runServer(args[1:])
	case "export":
		return runExport(args[1:], out)
	case "import":
		return runImport(args[1:], out)
	case "backup":
		return runBackup(args[1:], out)
	default:
		return usageError()
	}
}

func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: returndesk setup [--env-file .env] [--force]")
	fmt.Fprintln(w, "       returndesk run [--env-file .env]")
	fmt.Fprintln(w, "       returndesk export [--rows 0,2,5] [--out exports/returns_export.xlsx]")
	fmt.Fprintln(w, "       returndesk import <file.xls|file.xlsx|file.csv>")
	fmt.Fprintln(w, "       returndesk backup [--out backups]")
}

func usageError() error {
	return fmt.Errorf("%w: returndesk <setup|run|export|import|backup> [...]", ErrUsage)
}

func isHelpArg(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	return fs, envPath
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return usageError()
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return nil
}

func runSetup(args []string, out io.Writer) error {
	fs, envPath := newFlagSet("setup")
	force := fs.Bool("force", false, "overwrite existing env file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	csrfKey, err := security.NewHexKey()
	if err != nil {
		return err
	}
	sessionKey, err := security.NewHexKey()
	if err != nil {
		return err
	}

	values := map[string]string{
		"RETURNDESK_ADDR":           ":8080",
		"RETURNDESK_DATA_FILE":      "returns.csv",
		"RETURNDESK_IMAGE_DIR":      "uploaded_images",
		"RETURNDESK_EXPORT_DIR":     "exports",
		"RETURNDESK_RECORD_STORE":   "csv",
		"RETURNDESK_SQLITE_PATH":    "returns.db",
		"RETURNDESK_CSRF_KEY":       csrfKey,
		"RETURNDESK_SESSION_KEY":    sessionKey,
		"RETURNDESK_SECURE_COOKIES": "false",
		"RETURNDESK_LOG_LEVEL":      "info",
		"RETURNDESK_LOG_FORMAT":     logging.FormatJSON,
	}

	if err := envutil.WriteDotEnv(*envPath, values, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *envPath)
	return nil
}

// prepare loads the env file and builds the logger shared by every command.
func prepare(envPath string) (webapp.Config, *zap.Logger, error) {
	if err := envutil.LoadDotEnv(envPath); err != nil {
		return webapp.Config{}, nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	logger, err := logging.New(
		envutil.OrDefault("RETURNDESK_LOG_LEVEL", "info"),
		envutil.OrDefault("RETURNDESK_LOG_FORMAT", logging.FormatJSON),
	)
	if err != nil {
		return webapp.Config{}, nil, err
	}
	cfg := webapp.DefaultConfigFromEnv()
	if err := ensureParentDirs(cfg.DataFile, cfg.SQLitePath); err != nil {
		return webapp.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runServer(args []string) error {
	fs, envPath := newFlagSet("run")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, logger, err := prepare(*envPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := webapp.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs, envPath := newFlagSet("export")
	rowsFlag := fs.String("rows", "", "comma-separated row indices (default: all rows)")
	outPath := fs.String("out", "", "destination .xlsx (default: <export dir>/returns_export.xlsx)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	rows, err := parseRowList(*rowsFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	cfg, logger, err := prepare(*envPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	services, err := webapp.OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	if rows == nil {
		if rows, err = services.Desk.AllRows(ctx); err != nil {
			return err
		}
	}
	dest := *outPath
	if dest == "" {
		dest = filepath.Join(cfg.ExportDir, "returns_export.xlsx")
	}

	result, err := services.Desk.Export(ctx, rows, dest)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	fmt.Fprintf(out, "exported %d record(s) to %s\n", result.Rows, result.Path)
	return nil
}

// parseRowList returns nil for an empty list, meaning every row.
func parseRowList(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	rows := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid row %q", part)
		}
		rows = append(rows, idx)
	}
	return rows, nil
}

func runImport(args []string, out io.Writer) error {
	fs, envPath := newFlagSet("import")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: usage: returndesk import <file.xls|file.xlsx|file.csv>", ErrUsage)
	}
	source := fs.Arg(0)

	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()
	records, err := spreadsheetimport.Read(file, source)
	if err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}

	cfg, logger, err := prepare(*envPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	services, err := webapp.OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	n, err := services.Desk.Import(ctx, records)
	fmt.Fprintf(out, "imported %d of %d record(s) from %s\n", n, len(records), source)
	return err
}

func runBackup(args []string, out io.Writer) error {
	fs, envPath := newFlagSet("backup")
	outDir := fs.String("out", "backups", "directory for the archive")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, logger, err := prepare(*envPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	services, err := webapp.OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	archive, err := services.Backup.Create(ctx, *outDir)
	if err != nil {
		return err
	}
	entries, err := backup.Contents(archive)
	if err != nil {
		return fmt.Errorf("verify %s: %w", archive, err)
	}
	fmt.Fprintf(out, "wrote %s (%d entries)\n", archive, len(entries))
	return nil
}

func ensureParentDirs(paths ...string) error {
	for _, p := range paths {
		dir := filepath.Dir(p)
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
