package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// SettingsKey はキュレーション設定を保存する行のキー。
const SettingsKey = "curation"

// PostgresSettingsRepo はsettingsテーブルに設定をJSONで保存する。
type PostgresSettingsRepo struct {
	db  *sql.DB
	key string
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db, key: SettingsKey}
}

// Load は保存済みのJSONを返す。未保存の場合はnilを返す。
func (r *PostgresSettingsRepo) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, r.key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("設定の取得に失敗しました: %w", err)
	}
	return data, nil
}

// Save はJSONを保存する。既存の値は置き換える。
func (r *PostgresSettingsRepo) Save(ctx context.Context, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		r.key, data,
	)
	if err != nil {
		return fmt.Errorf("設定の保存に失敗しました: %w", err)
	}
	return nil
}
