package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"socialchat/internal/config"
)

const schema = `CREATE TABLE IF NOT EXISTS chat_messages (
	id          VARCHAR(64)  NOT NULL PRIMARY KEY,
	sender_id   VARCHAR(128) NOT NULL,
	sender_name VARCHAR(255) NOT NULL,
	content     TEXT         NOT NULL,
	created_at  DATETIME(3)  NOT NULL,
	INDEX idx_chat_messages_created_at (created_at)
) DEFAULT CHARSET=utf8mb4`

// DSN builds the MariaDB connection string from cfg.
func DSN(cfg config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// Init initializes database connection
func Init(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the archive table when it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create chat_messages: %w", err)
	}
	return nil
}
