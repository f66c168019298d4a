// Package repotest provides a throwaway SQLite-backed store and fixtures for tests.
package repotest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/repository"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("failed to init logger: %v", err)
	}
	return log
}

// DB opens a migrated SQLite database in a per-test temp directory. A single
// connection is used so that transactions serialize like row locks would.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "retrain.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.NewRepository(db).AutoMigrate(); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

// Repo is DB wrapped in a Repository.
func Repo(tb testing.TB) *repository.Repository {
	tb.Helper()
	return repository.NewRepository(DB(tb))
}

// SeedRecords inserts n records. Every record except those listed in
// unlabeled gets the label "label-<i%3>". Returns the IDs in insert order.
func SeedRecords(tb testing.TB, repo *repository.Repository, n int, unlabeled ...int) []uint {
	tb.Helper()
	ctx := context.Background()
	skip := make(map[int]bool, len(unlabeled))
	for _, i := range unlabeled {
		skip[i] = true
	}

	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		rec := &models.Record{
			Title:   fmt.Sprintf("subject %d", i),
			Content: fmt.Sprintf("body of message %d", i),
		}
		if err := repo.CreateRecord(ctx, rec); err != nil {
			tb.Fatalf("seed record: %v", err)
		}
		ids = append(ids, rec.ID)
		if skip[i] {
			continue
		}
		label, err := repo.FindOrCreateLabel(ctx, fmt.Sprintf("label-%d", i%3))
		if err != nil {
			tb.Fatalf("seed label: %v", err)
		}
		if err := repo.AttachLabel(ctx, rec.ID, label.ID); err != nil {
			tb.Fatalf("attach label: %v", err)
		}
	}
	return ids
}

// SeedModel inserts a model with the given artifact path.
func SeedModel(tb testing.TB, repo *repository.Repository, path string, active bool) *models.Model {
	tb.Helper()
	m := &models.Model{ArtifactPath: path, Version: filepath.Base(path), IsActive: active}
	if err := repo.CreateModel(context.Background(), m); err != nil {
		tb.Fatalf("seed model: %v", err)
	}
	return m
}
