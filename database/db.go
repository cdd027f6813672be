// Package database opens the local sqlite registry with gorm.
package database

import (
	"errors"
	"io/fs"
	"os"
	"path"

	"github.com/xuibot/vpn-grant-bot/config"
	"github.com/xuibot/vpn-grant-bot/database/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func initModels() error {
	models := []any{
		&model.Grant{},
	}
	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return err
		}
	}
	return nil
}

// InitDB opens (creating if needed) the sqlite file at dbPath and migrates
// the models.
func InitDB(dbPath string) error {
	dir := path.Dir(dbPath)
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return err
	}

	var gormLogger logger.Interface
	if config.IsDebug() {
		gormLogger = logger.Default
	} else {
		gormLogger = logger.Discard
	}

	c := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	}

	var err error
	dsn := dbPath + "?cache=shared&_journal_mode=WAL&_synchronous=NORMAL"
	db, err = gorm.Open(sqlite.Open(dsn), c)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	for _, pragma := range []string{
		"PRAGMA cache_size = -16000;",
		"PRAGMA temp_store = MEMORY;",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}

	return initModels()
}

// CloseDB checkpoints the WAL and closes the connection pool.
func CloseDB() error {
	if db == nil {
		return nil
	}
	_ = Checkpoint()
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	db = nil
	return err
}

func GetDB() *gorm.DB {
	return db
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func Checkpoint() error {
	return db.Exec("PRAGMA wal_checkpoint;").Error
}
