package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ddworken/lookupguard/shared"
	"gorm.io/gorm"
)

func (db *DB) UsageRecordFind(ctx context.Context, address string) (*shared.UsageRecord, error) {
	var records []*shared.UsageRecord
	tx := db.WithContext(ctx).Where("address = ?", address).Limit(1).Find(&records)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(records) == 0 {
		return nil, nil
	}

	return records[0], nil
}

func (db *DB) UsageRecordFindByUsername(ctx context.Context, username string) ([]*shared.UsageRecord, error) {
	var records []*shared.UsageRecord
	tx := db.WithContext(ctx).Where("username = ?", username).Find(&records)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return records, nil
}

func (db *DB) UsageRecordList(ctx context.Context) ([]*shared.UsageRecord, error) {
	var records []*shared.UsageRecord
	tx := db.WithContext(ctx).Order("last_reset_date desc").Order("address").Find(&records)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return records, nil
}

// UsageRecordConsume charges one unit to the address. A missing record is created with a count
// of 1, a record from an earlier day restarts at 1, anything else is incremented.
func (db *DB) UsageRecordConsume(ctx context.Context, address, today string) (*shared.UsageRecord, error) {
	before, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return nil, err
	}
	if before == nil {
		record := shared.NewUsageRecord(address, today)
		record.SearchCount = 1
		tx := db.WithContext(ctx).Create(record)
		if tx.Error == nil {
			db.emit(ctx, shared.TableUsageRecords, shared.ChangeInsert, address, nil, record)
			return record, nil
		}
		if !isDuplicateError(tx.Error) {
			return nil, fmt.Errorf("tx.Error: %w", tx.Error)
		}
		// Another session created the row first, charge it through the update path.
	}

	tx := db.WithContext(ctx).Exec(
		"UPDATE usage_records SET search_count = CASE WHEN last_reset_date = ? THEN search_count + 1 ELSE 1 END, last_reset_date = ?, updated_at = ? WHERE address = ?",
		today, today, time.Now(), address,
	)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	after, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, fmt.Errorf("usage record for %s disappeared during consume: %w", address, ErrNotFound)
	}
	db.emit(ctx, shared.TableUsageRecords, shared.ChangeUpdate, address, rowOrNil(before), after)

	return after, nil
}

// UsageRecordSetUsername binds username to the address, creating the record if needed.
func (db *DB) UsageRecordSetUsername(ctx context.Context, address, username, today string) (*shared.UsageRecord, error) {
	before, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return nil, err
	}
	if before == nil {
		record := shared.NewUsageRecord(address, today)
		record.Username = username
		tx := db.WithContext(ctx).Create(record)
		if tx.Error != nil {
			return nil, fmt.Errorf("tx.Error: %w", tx.Error)
		}
		db.emit(ctx, shared.TableUsageRecords, shared.ChangeInsert, address, nil, record)
		return record, nil
	}

	tx := db.WithContext(ctx).Model(&shared.UsageRecord{}).Where("address = ?", address).Update("username", username)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	after := *before
	after.Username = username
	db.emit(ctx, shared.TableUsageRecords, shared.ChangeUpdate, address, before, &after)

	return &after, nil
}

// UsageRecordAdjustLimit moves the daily limit by delta, never below zero.
func (db *DB) UsageRecordAdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error) {
	before, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, fmt.Errorf("no usage record for %s: %w", address, ErrNotFound)
	}

	tx := db.WithContext(ctx).Exec(
		"UPDATE usage_records SET daily_limit = CASE WHEN daily_limit + ? < 0 THEN 0 ELSE daily_limit + ? END, updated_at = ? WHERE address = ?",
		delta, delta, time.Now(), address,
	)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, fmt.Errorf("no usage record for %s: %w", address, ErrNotFound)
	}
	after, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, fmt.Errorf("usage record for %s disappeared during limit adjustment: %w", address, ErrNotFound)
	}
	db.emit(ctx, shared.TableUsageRecords, shared.ChangeUpdate, address, before, after)

	return after, nil
}

// UsageRecordResetAllCounts zeroes every search count, leaving limits and dates alone.
func (db *DB) UsageRecordResetAllCounts(ctx context.Context) (int64, error) {
	before, err := db.UsageRecordList(ctx)
	if err != nil {
		return 0, err
	}

	tx := db.WithContext(ctx).Exec("UPDATE usage_records SET search_count = 0, updated_at = ?", time.Now())
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	for _, record := range before {
		after := *record
		after.SearchCount = 0
		db.emit(ctx, shared.TableUsageRecords, shared.ChangeUpdate, record.Address, record, &after)
	}

	return tx.RowsAffected, nil
}

func (db *DB) UsageRecordDelete(ctx context.Context, address string) error {
	before, err := db.UsageRecordFind(ctx, address)
	if err != nil {
		return err
	}
	if before == nil {
		return fmt.Errorf("no usage record for %s: %w", address, ErrNotFound)
	}

	tx := db.WithContext(ctx).Where("address = ?", address).Delete(&shared.UsageRecord{})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	db.emit(ctx, shared.TableUsageRecords, shared.ChangeDelete, address, before, nil)

	return nil
}

func rowOrNil(record *shared.UsageRecord) any {
	if record == nil {
		return nil
	}
	return record
}

func isDuplicateError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
