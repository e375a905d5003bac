package hctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ddworken/lookupguard/client/data"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Needed to use sqlite without CGO
	"github.com/glebarez/sqlite"
)

var (
	lookupguardLogger *logrus.Logger
	getLoggerOnce     sync.Once
)

func GetLogger() *logrus.Logger {
	getLoggerOnce.Do(func() {
		err := MakeLookupguardDir()
		if err != nil {
			panic(err)
		}

		lumberjackLogger := &lumberjack.Logger{
			Filename:   path.Join(data.GetLookupguardPath(), data.LOG_PATH),
			MaxSize:    1, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
		}

		logFormatter := new(logrus.TextFormatter)
		logFormatter.TimestampFormat = time.RFC3339
		logFormatter.FullTimestamp = true

		lookupguardLogger = logrus.New()
		lookupguardLogger.SetFormatter(logFormatter)
		lookupguardLogger.SetLevel(logrus.InfoLevel)
		lookupguardLogger.SetOutput(lumberjackLogger)
	})
	return lookupguardLogger
}

func MakeLookupguardDir() error {
	err := os.MkdirAll(data.GetLookupguardPath(), 0o744)
	if err != nil {
		return fmt.Errorf("failed to create ~/.lookupguard dir: %w", err)
	}
	return nil
}

func gormLogger() logger.Interface {
	return logger.New(
		GetLogger().WithField("fromSQL", true),
		logger.Config{
			SlowThreshold:             100 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: false,
			Colorful:                  false,
		},
	)
}

// OpenLocalStore opens the store used by the in-process backend. An empty DSN means the SQLite
// file under ~/.lookupguard, a postgres:// DSN connects to a shared server database.
func OpenLocalStore(dsn string) (*database.DB, error) {
	err := MakeLookupguardDir()
	if err != nil {
		return nil, err
	}
	var db *database.DB
	if IsPostgresDSN(dsn) {
		db, err = database.OpenPostgres(dsn, &gorm.Config{Logger: gormLogger()})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DB: %w", err)
		}
	} else {
		if dsn == "" {
			dbFilePath := path.Join(data.GetLookupguardPath(), data.DB_PATH)
			dsn = fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL", dbFilePath)
		}
		gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true, Logger: gormLogger()})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DB: %w", err)
		}
		db = database.Wrap(gdb)
	}
	db.SetLogger(GetLogger().WithField("component", "database"))
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := db.AddDatabaseTables(); err != nil {
		return nil, err
	}
	if !db.IsPostgres() {
		db.Exec("PRAGMA journal_mode = WAL")
	}
	return db, nil
}

func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

type lookupguardContextKey string

func MakeContext() context.Context {
	ctx := context.Background()
	config, err := GetConfig()
	if err != nil {
		panic(fmt.Errorf("failed to retrieve config: %w", err))
	}
	ctx = context.WithValue(ctx, lookupguardContextKey("config"), &config)
	ctx = context.WithValue(ctx, lookupguardContextKey("logger"), GetLogger())
	return ctx
}

func GetConf(ctx context.Context) *ClientConfig {
	v := ctx.Value(lookupguardContextKey("config"))
	if v != nil {
		return v.(*ClientConfig)
	}
	panic(fmt.Errorf("failed to find config in ctx"))
}

func GetLog(ctx context.Context) logrus.FieldLogger {
	v := ctx.Value(lookupguardContextKey("logger"))
	if v != nil {
		return v.(*logrus.Logger)
	}
	return logrus.StandardLogger()
}

const (
	BackendHTTP  = "http"
	BackendLocal = "local"
)

type ClientConfig struct {
	// The name searches are attributed to. Claimed against this machine's address on first use.
	Username string `yaml:"username"`
	// Either "http" to go through a lookupguard server, or "local" to run the quota checks in process
	Backend string `yaml:"backend"`
	// The lookupguard server used by the http backend
	ServerURL string `yaml:"server_url"`
	// Bearer token for the admin commands of the http backend
	AdminToken string `yaml:"admin_token,omitempty"`
	// Store used by the local backend. Empty means a SQLite file under ~/.lookupguard
	DatabaseDSN string `yaml:"database_dsn,omitempty"`
	// Service that reports this machine's public address, used by the local backend
	DiscoveryURL string `yaml:"discovery_url,omitempty"`
	// Provider endpoints used by the local backend
	PhoneAPI     string `yaml:"phone_api,omitempty"`
	VehicleAPI   string `yaml:"vehicle_api,omitempty"`
	VehicleProxy string `yaml:"vehicle_proxy,omitempty"`
	// Artificial latency for interdicted searches in the local backend, e.g. "1.5s"
	StealthDelay string `yaml:"stealth_delay,omitempty"`
	// MaxMind country database used to annotate `admin users` in the local backend
	GeoIPDB string `yaml:"geoip_db,omitempty"`
}

func configPath() string {
	return path.Join(data.GetLookupguardPath(), data.CONFIG_PATH)
}

func GetConfigContents() ([]byte, error) {
	dat, err := os.ReadFile(configPath())
	if err != nil {
		files, err := os.ReadDir(data.GetLookupguardPath())
		if err != nil {
			return nil, fmt.Errorf("failed to read config file (and failed to list too): %w", err)
		}
		filenames := ""
		for _, file := range files {
			filenames += file.Name()
			filenames += ", "
		}
		return nil, fmt.Errorf("failed to read config file (files in ~/.lookupguard/: %s): %w", filenames, err)
	}
	return dat, nil
}

func GetConfig() (ClientConfig, error) {
	contents, err := GetConfigContents()
	if err != nil {
		return ClientConfig{}, err
	}
	var config ClientConfig
	err = yaml.Unmarshal(contents, &config)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Backend == "" {
		config.Backend = BackendHTTP
	}
	return config, nil
}

func SetConfig(config *ClientConfig) error {
	serializedConfig, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	err = MakeLookupguardDir()
	if err != nil {
		return err
	}
	stagedConfigPath := configPath() + ".tmp"
	err = os.WriteFile(stagedConfigPath, serializedConfig, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	err = os.Rename(stagedConfigPath, configPath())
	if err != nil {
		return fmt.Errorf("failed to replace config file with the updated version: %w", err)
	}
	return nil
}

func InitConfig() error {
	_, err := os.Stat(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return SetConfig(&ClientConfig{Backend: BackendHTTP})
	}
	return err
}
