package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
)

//go:embed schema.sql
var schemaSQL string

// DB はリポジトリが共有するsqlx.DBのラッパーです
// 接続は呼び出し側で作成して渡します。パッケージレベルのシングルトンは持ちません
type DB struct {
	*sqlx.DB
}

// NewDB は既存の接続からDBを作成します
func NewDB(conn *sqlx.DB) *DB {
	return &DB{DB: conn}
}

// EnsureSchema はテーブルとインデックスを作成します。何度呼び出しても安全です
func (db *DB) EnsureSchema(ctx context.Context) (err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DB.EnsureSchema")
	defer func() { end(err) }()

	if _, err = db.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx はトランザクション内でfnを実行します
// fnがエラーを返した場合はロールバックし、元のエラーを返します
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DB.WithTx")
	defer func() { end(err) }()

	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.Printf("rollback failed: %v, original error: %v", rbErr, err)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryxContext wraps sqlx.DB.QueryxContext with X-Ray tracing
func (db *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (rows *sqlx.Rows, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DB.Queryx")
	defer func() { end(err) }()

	// クエリをメタデータとして追加
	utils.AddMetadata(ctx, "query", query)

	return db.DB.QueryxContext(ctx, query, args...)
}

// ExecContext wraps sqlx.DB.ExecContext with X-Ray tracing
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (result sql.Result, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DB.Exec")
	defer func() { end(err) }()

	// クエリをメタデータとして追加
	utils.AddMetadata(ctx, "query", query)

	return db.DB.ExecContext(ctx, query, args...)
}
