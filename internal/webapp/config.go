package webapp

import (
	"context"
	"fmt"
	"time"

	"github.com/phillip-england/returndesk/internal/backup"
	"github.com/phillip-england/returndesk/internal/desk"
	"github.com/phillip-england/returndesk/internal/envutil"
	"github.com/phillip-england/returndesk/internal/imagestore"
	"github.com/phillip-england/returndesk/internal/recordstore"
	"github.com/phillip-england/returndesk/internal/security"
	"github.com/phillip-england/returndesk/internal/xlsxexport"
	"go.uber.org/zap"
)

type Config struct {
	Addr          string
	DataFile      string
	ImageDir      string
	ExportDir     string
	RecordStore   string
	SQLitePath    string
	CSRFKey       string
	SessionKey    string
	SecureCookies bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfigFromEnv() Config {
	return Config{
		Addr:          envutil.OrDefault("RETURNDESK_ADDR", ":8080"),
		DataFile:      envutil.OrDefault("RETURNDESK_DATA_FILE", "returns.csv"),
		ImageDir:      envutil.OrDefault("RETURNDESK_IMAGE_DIR", "uploaded_images"),
		ExportDir:     envutil.OrDefault("RETURNDESK_EXPORT_DIR", "exports"),
		RecordStore:   envutil.OrDefault("RETURNDESK_RECORD_STORE", recordstore.KindCSV),
		SQLitePath:    envutil.OrDefault("RETURNDESK_SQLITE_PATH", "returns.db"),
		CSRFKey:       envutil.OrDefault("RETURNDESK_CSRF_KEY", ""),
		SessionKey:    envutil.OrDefault("RETURNDESK_SESSION_KEY", ""),
		SecureCookies: envutil.Bool("RETURNDESK_SECURE_COOKIES", false),
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  2 * time.Minute,
	}
}

// Services is everything a command needs to act on the configured data.
type Services struct {
	Desk    *desk.Desk
	Images  *imagestore.Store
	Records recordstore.Store
	Backup  *backup.Service
}

// OpenServices opens the record store, prepares directories, and wires the desk.
func OpenServices(ctx context.Context, cfg Config, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := recordstore.Open(recordstore.Options{
		Kind:       cfg.RecordStore,
		CSVPath:    cfg.DataFile,
		SQLitePath: cfg.SQLitePath,
		ImageDir:   cfg.ImageDir,
	})
	if err != nil {
		return nil, err
	}
	images := imagestore.New(cfg.ImageDir)
	exporter := xlsxexport.New(images, logger, xlsxexport.Options{})
	d := desk.New(records, images, exporter, logger)
	if err := d.Initialize(ctx); err != nil {
		_ = records.Close()
		return nil, err
	}
	return &Services{
		Desk:    d,
		Images:  images,
		Records: records,
		Backup:  backup.NewService(records, images, logger),
	}, nil
}

func (s *Services) Close() error {
	return s.Records.Close()
}

// cookieKeys decodes the configured keys, generating throwaway ones when unset.
func (cfg Config) cookieKeys(logger *zap.Logger) (csrfKey, sessionKey []byte, err error) {
	csrfKey, err = keyOrRandom("RETURNDESK_CSRF_KEY", cfg.CSRFKey, logger)
	if err != nil {
		return nil, nil, err
	}
	sessionKey, err = keyOrRandom("RETURNDESK_SESSION_KEY", cfg.SessionKey, logger)
	if err != nil {
		return nil, nil, err
	}
	return csrfKey, sessionKey, nil
}

func keyOrRandom(name, value string, logger *zap.Logger) ([]byte, error) {
	if value != "" {
		key, err := security.ParseHexKey(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return key, nil
	}
	logger.Warn("key not configured; using a random key for this process", zap.String("env", name))
	return security.NewKey()
}
