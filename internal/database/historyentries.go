package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ddworken/lookupguard/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type HistoryFilter struct {
	// Search is matched as a case-insensitive substring of the value, username or address.
	Search  string
	Address string
	Since   time.Time
	Limit   int
}

const DefaultHistoryLimit = 100

func (db *DB) HistoryEntryCreate(ctx context.Context, entry *shared.HistoryEntry) error {
	if entry.Id == "" {
		entry.Id = uuid.Must(uuid.NewRandom()).String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	tx := db.WithContext(ctx).Create(entry)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	db.emit(ctx, shared.TableHistoryEntries, shared.ChangeInsert, entry.Address, nil, entry)

	return nil
}

func (db *DB) HistoryEntryList(ctx context.Context, filter HistoryFilter) ([]*shared.HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var entries []*shared.HistoryEntry
	tx := db.WithContext(ctx).Scopes(historyScope(filter)).Order("timestamp desc").Limit(limit).Find(&entries)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return entries, nil
}

func historyScope(filter HistoryFilter) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if filter.Address != "" {
			tx = tx.Where("address = ?", filter.Address)
		}
		if !filter.Since.IsZero() {
			tx = tx.Where("timestamp >= ?", filter.Since)
		}
		if search := strings.TrimSpace(filter.Search); search != "" {
			like := "%" + strings.ToLower(search) + "%"
			tx = tx.Where("LOWER(query_value) LIKE ? OR LOWER(username) LIKE ? OR LOWER(address) LIKE ?", like, like, like)
		}
		return tx
	}
}

func (db *DB) HistoryEntryCount(ctx context.Context) (int64, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&shared.HistoryEntry{}).Count(&count)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return count, nil
}

func (db *DB) HistoryEntryDelete(ctx context.Context, id string) error {
	var entries []*shared.HistoryEntry
	tx := db.WithContext(ctx).Where("id = ?", id).Find(&entries)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no history entry with id=%s: %w", id, ErrNotFound)
	}

	tx = db.WithContext(ctx).Where("id = ?", id).Delete(&shared.HistoryEntry{})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	db.emit(ctx, shared.TableHistoryEntries, shared.ChangeDelete, entries[0].Address, entries[0], nil)

	return nil
}

// HistoryEntryDeleteMany removes the given entries in a single transaction and returns how many
// rows were deleted.
func (db *DB) HistoryEntryDeleteMany(ctx context.Context, ids []string, chunkSize int) (int64, error) {
	var deleted []*shared.HistoryEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Chunk the deletes to stay below the bind parameter limit of the driver
		for _, chunk := range shared.Chunks(ids, chunkSize) {
			var entries []*shared.HistoryEntry
			if err := tx.Where("id IN ?", chunk).Find(&entries).Error; err != nil {
				return fmt.Errorf("tx.Find: %w", err)
			}
			if err := tx.Where("id IN ?", chunk).Delete(&shared.HistoryEntry{}).Error; err != nil {
				return fmt.Errorf("tx.Delete: %w", err)
			}
			deleted = append(deleted, entries...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, entry := range deleted {
		db.emit(ctx, shared.TableHistoryEntries, shared.ChangeDelete, entry.Address, entry, nil)
	}

	return int64(len(deleted)), nil
}

const purgeChunkSize = 500

// HistoryEntryPurge deletes every entry matching filter, bounded by its limit like HistoryEntryList.
func (db *DB) HistoryEntryPurge(ctx context.Context, filter HistoryFilter) (int64, error) {
	entries, err := db.HistoryEntryList(ctx, filter)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Id)
	}
	return db.HistoryEntryDeleteMany(ctx, ids, purgeChunkSize)
}
