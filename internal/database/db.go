package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ddworken/lookupguard/shared"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	sqltrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/database/sql"
	gormtrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorm.io/gorm.v1"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ChangeSink receives a ChangeEvent after every committed write.
type ChangeSink interface {
	PublishChange(ctx context.Context, evt shared.ChangeEvent) error
}

type DB struct {
	*gorm.DB

	changes ChangeSink
	log     logrus.FieldLogger
}

func Wrap(db *gorm.DB) *DB {
	return &DB{DB: db, log: logrus.StandardLogger().WithField("component", "database")}
}

func OpenSQLite(dsn string, config *gorm.Config) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("gorm.Open: %w", err)
	}

	return Wrap(db), nil
}

func OpenPostgres(dsn string, config *gorm.Config) (*DB, error) {
	sqltrace.Register("pgx", &stdlib.Driver{}, sqltrace.WithServiceName("lookupguard-api"))
	sqlDb, err := sqltrace.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqltrace.Open: %w", err)
	}
	db, err := gormtrace.Open(postgres.New(postgres.Config{Conn: sqlDb}), config)
	if err != nil {
		return nil, fmt.Errorf("gormtrace.Open: %w", err)
	}

	return Wrap(db), nil
}

func (db *DB) SetChangeSink(sink ChangeSink) {
	db.changes = sink
}

func (db *DB) SetLogger(l logrus.FieldLogger) {
	db.log = l
}

func (db *DB) IsPostgres() bool {
	return db.Name() == "postgres"
}

func (db *DB) AddDatabaseTables() error {
	models := []any{
		&shared.UsageRecord{},
		&shared.HistoryEntry{},
		&shared.BlacklistEntry{},
	}

	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("db.AutoMigrate: %w", err)
		}
	}

	return nil
}

func (db *DB) CreateIndices() error {
	indices := []struct {
		name    string
		table   string
		columns []string
	}{
		{"history_timestamp_idx", "history_entries", []string{"timestamp"}},
		{"history_address_idx", "history_entries", []string{"address", "timestamp"}},
		{"usage_reset_date_idx", "usage_records", []string{"last_reset_date"}},
	}
	for _, index := range indices {
		sql := ""
		if db.Name() == "sqlite" {
			sql = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index.name, index.table, strings.Join(index.columns, ","))
		} else {
			sql = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING btree(%s)", index.name, index.table, strings.Join(index.columns, ","))
		}
		r := db.Exec(sql)
		if r.Error != nil {
			return fmt.Errorf("failed to execute index creation sql=%#v: %w", index, r.Error)
		}
	}
	return nil
}

func (db *DB) Close() error {
	rawDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("db.DB.DB: %w", err)
	}

	if err := rawDB.Close(); err != nil {
		return fmt.Errorf("rawDB.Close: %w", err)
	}

	return nil
}

func (db *DB) Ping() error {
	rawDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("db.DB.DB: %w", err)
	}

	if err := rawDB.Ping(); err != nil {
		return fmt.Errorf("rawDB.Ping: %w", err)
	}

	return nil
}

func (db *DB) Stats() (sql.DBStats, error) {
	rawDB, err := db.DB.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("db.DB.DB: %w", err)
	}

	return rawDB.Stats(), nil
}

// emit publishes a change after the write has been committed. The write already landed, so a
// publish failure is logged rather than returned.
func (db *DB) emit(ctx context.Context, table shared.Table, op shared.ChangeOp, address string, before, after any) {
	if db.changes == nil {
		return
	}
	evt, err := shared.NewChangeEvent(table, op, address, before, after)
	if err != nil {
		db.log.WithError(err).Warn("failed to build change event")
		return
	}
	if err := db.changes.PublishChange(ctx, evt); err != nil {
		db.log.WithError(err).WithField("table", table).Warn("failed to publish change event")
	}
}

type Stats struct {
	TotalUsers       int64 `json:"total_users"`
	ActiveToday      int64 `json:"active_today"`
	HistoryEntries   int64 `json:"history_entries"`
	BlacklistEntries int64 `json:"blacklist_entries"`
}

func (db *DB) CollectStats(ctx context.Context, today string) (Stats, error) {
	var stats Stats
	tx := db.WithContext(ctx).Model(&shared.UsageRecord{}).Count(&stats.TotalUsers)
	if tx.Error != nil {
		return Stats{}, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	tx = db.WithContext(ctx).Model(&shared.UsageRecord{}).Where("last_reset_date = ?", today).Count(&stats.ActiveToday)
	if tx.Error != nil {
		return Stats{}, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	historyEntries, err := db.HistoryEntryCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.HistoryEntries = historyEntries
	tx = db.WithContext(ctx).Model(&shared.BlacklistEntry{}).Count(&stats.BlacklistEntries)
	if tx.Error != nil {
		return Stats{}, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return stats, nil
}
