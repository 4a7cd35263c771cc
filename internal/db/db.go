package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id VARCHAR(64) PRIMARY KEY,
            display_name VARCHAR(100) NOT NULL,
            avatar_url TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id VARCHAR(64) PRIMARY KEY,
            title VARCHAR(200) NOT NULL DEFAULT '',
            client_id VARCHAR(64) NOT NULL,
            last_message TEXT NOT NULL DEFAULT '',
            last_message_ts BIGINT NOT NULL DEFAULT 0,
            unread INT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_client_idx
            ON conversations (client_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id VARCHAR(32) PRIMARY KEY,
            conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id VARCHAR(64) NOT NULL,
            sender_name VARCHAR(100) NOT NULL DEFAULT '',
            sender_avatar TEXT,
            content TEXT NOT NULL,
            nonce VARCHAR(64),
            ts BIGINT NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
            ON messages (conversation_id, id)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
