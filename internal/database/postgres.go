package database

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

type PgCallHistoryRepository struct {
	conn *sql.DB
}

func NewPgCallHistoryRepository(dsn string) (*PgCallHistoryRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgCallHistoryRepository{conn: db}, nil
}

// Migrate brings the schema up to date.
func (db *PgCallHistoryRepository) Migrate() error {
	return Migrate(db.conn)
}

func (db *PgCallHistoryRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgCallHistoryRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
