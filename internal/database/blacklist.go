package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ddworken/lookupguard/shared"
	"github.com/google/uuid"
)

func (db *DB) BlacklistEntryCreate(ctx context.Context, entry *shared.BlacklistEntry) error {
	if entry.Id == "" {
		entry.Id = uuid.Must(uuid.NewRandom()).String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	existing, err := db.BlacklistEntryFindByValue(ctx, entry.Value)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("value %#v is already blacklisted: %w", entry.Value, ErrDuplicate)
	}

	tx := db.WithContext(ctx).Create(entry)
	if tx.Error != nil {
		if isDuplicateError(tx.Error) {
			return fmt.Errorf("value %#v is already blacklisted: %w", entry.Value, ErrDuplicate)
		}
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	db.emit(ctx, shared.TableBlacklistEntries, shared.ChangeInsert, "", nil, entry)

	return nil
}

func (db *DB) BlacklistEntryFindByValue(ctx context.Context, value string) (*shared.BlacklistEntry, error) {
	var entries []*shared.BlacklistEntry
	tx := db.WithContext(ctx).Where("value = ?", value).Limit(1).Find(&entries)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	return entries[0], nil
}

// BlacklistEntryExists matches on the raw value only, the kind of the stored entry is ignored.
func (db *DB) BlacklistEntryExists(ctx context.Context, value string) (bool, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&shared.BlacklistEntry{}).Where("value = ?", value).Count(&count)
	if tx.Error != nil {
		return false, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return count > 0, nil
}

func (db *DB) BlacklistEntryList(ctx context.Context) ([]*shared.BlacklistEntry, error) {
	var entries []*shared.BlacklistEntry
	tx := db.WithContext(ctx).Order("created_at desc").Find(&entries)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return entries, nil
}

func (db *DB) BlacklistEntryDelete(ctx context.Context, id string) error {
	var entries []*shared.BlacklistEntry
	tx := db.WithContext(ctx).Where("id = ?", id).Find(&entries)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no blacklist entry with id=%s: %w", id, ErrNotFound)
	}

	tx = db.WithContext(ctx).Where("id = ?", id).Delete(&shared.BlacklistEntry{})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	db.emit(ctx, shared.TableBlacklistEntries, shared.ChangeDelete, "", entries[0], nil)

	return nil
}
