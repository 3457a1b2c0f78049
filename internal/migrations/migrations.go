// Package migrations 管理 user_stats 的 schema 版本
//
// SQL 檔案以 embed 打包進二進位檔，部署時不需要另外帶 migrations 目錄。
// 服務啟動時自動 Up；回滾與查詢版本透過 server 的 -migrate 參數執行。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var schemaFS embed.FS

// Status schema 目前的版本（Version 為 0 表示尚未套用任何遷移）
type Status struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// Migrator 戰績資料表的遷移器
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// New 建立遷移器（databaseURL 必須是 postgres:// 格式）
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("讀取內嵌遷移檔失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("連接遷移目標失敗: %w", err)
	}
	return &Migrator{m: m, logger: logger}, nil
}

// Status 查詢目前版本
func (mg *Migrator) Status() (Status, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("查詢 schema 版本失敗: %w", err)
	}
	return Status{Version: version, Dirty: dirty}, nil
}

// Up 套用所有未執行的遷移，回傳套用後的版本
//
// 中斷過的遷移（dirty）會先強制標記回該版本再重跑；
// 每個遷移檔都以 IF (NOT) EXISTS 撰寫，重跑是安全的。
func (mg *Migrator) Up() (Status, error) {
	before, err := mg.Status()
	if err != nil {
		return Status{}, err
	}
	if before.Dirty {
		mg.logger.Warn("schema 處於 dirty 狀態，重新套用", "version", before.Version)
		if err := mg.m.Force(int(before.Version)); err != nil {
			return Status{}, fmt.Errorf("清除 dirty 狀態失敗: %w", err)
		}
	}

	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{}, fmt.Errorf("套用遷移失敗: %w", err)
	}

	after, err := mg.Status()
	if err != nil {
		return Status{}, err
	}
	if after.Version == before.Version && !before.Dirty {
		mg.logger.Info("戰績 schema 已是最新", "version", after.Version)
	} else {
		mg.logger.Info("戰績 schema 已更新", "from", before.Version, "to", after.Version)
	}
	return after, nil
}

// Rollback 回退一個版本；已經在最初版本時不做事
func (mg *Migrator) Rollback() (Status, error) {
	current, err := mg.Status()
	if err != nil {
		return Status{}, err
	}
	if current.Version == 0 {
		return current, nil
	}

	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{}, fmt.Errorf("回退遷移失敗: %w", err)
	}

	status, err := mg.Status()
	if err != nil {
		return Status{}, err
	}
	mg.logger.Info("戰績 schema 已回退", "version", status.Version)
	return status, nil
}

// Close 釋放遷移來源與資料庫連線
func (mg *Migrator) Close() error {
	sourceErr, dbErr := mg.m.Close()
	return errors.Join(sourceErr, dbErr)
}
