package batch

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录批次条目。认领通过条件 UPDATE 完成，
// 由数据库保证同一条目只被一个 worker 认领。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS batch_items (
        id VARCHAR(64) PRIMARY KEY,
        batch_id VARCHAR(64) NOT NULL,
        item_index INT NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        recipient VARCHAR(128) NOT NULL,
        amount DECIMAL(65,18) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain VARCHAR(64) NOT NULL,
        status VARCHAR(16) NOT NULL,
        tx_ref VARCHAR(128) NOT NULL DEFAULT '',
        last_error VARCHAR(1024) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_batch_index (batch_id, item_index),
        INDEX idx_batch_items_batch (batch_id),
        INDEX idx_batch_items_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 batch_items 表失败")
	}
	return nil
}

// CreateItems 在单个事务里写入批次的全部条目。
func (s *MySQLStore) CreateItems(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return xerrors.New(CodeBatchValidation, "批次不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO batch_items
        (id, batch_id, item_index, agent_id, recipient, amount, token, chain, status,
         tx_ref, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := s.now().Unix()
	for _, item := range items {
		if item == nil || item.ID == "" || item.BatchID == "" {
			return xerrors.New(CodeBatchValidation, "条目缺少 ID 或批次 ID")
		}
		status := item.Status
		if status == "" {
			status = ItemPending
		}
		createdAt := item.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx, stmt,
			item.ID, item.BatchID, item.Index, item.AgentID, item.Recipient,
			item.Amount.String(), strings.ToUpper(item.Token), item.Chain, string(status),
			item.TxRef, item.LastError, createdAt, now,
		)
		if err != nil {
			if strings.Contains(err.Error(), "Duplicate entry") {
				return ErrItemConflict
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入批次条目失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交批次事务失败")
	}
	return nil
}

// ListByBatch 按 Index 升序返回批次的全部条目。
func (s *MySQLStore) ListByBatch(ctx context.Context, batchID string) ([]*Item, error) {
	const stmt = `SELECT id, batch_id, item_index, agent_id, recipient, amount, token,
        chain, status, tx_ref, last_error, created_at, updated_at
        FROM batch_items WHERE batch_id = ? ORDER BY item_index ASC`
	rows, err := s.db.QueryContext(ctx, stmt, batchID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次条目失败")
	}
	defer rows.Close()

	var results []*Item
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历批次条目失败")
	}
	if len(results) == 0 {
		return nil, ErrBatchNotFound
	}
	return results, nil
}

// Claim 用条件 UPDATE 做 pending→claimed 的原子认领。
func (s *MySQLStore) Claim(ctx context.Context, itemID string) (bool, error) {
	const stmt = `UPDATE batch_items SET status = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(ItemClaimed), s.now().Unix(), itemID, string(ItemPending))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领批次条目失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取认领结果失败")
	}
	if affected == 0 {
		exists, checkErr := s.exists(ctx, itemID)
		if checkErr != nil {
			return false, checkErr
		}
		if !exists {
			return false, ErrItemNotFound
		}
		return false, nil
	}
	return true, nil
}

// MarkCompleted 记录成功执行的交易引用。
func (s *MySQLStore) MarkCompleted(ctx context.Context, itemID, txRef string) error {
	const stmt = `UPDATE batch_items SET status = ?, tx_ref = ?, last_error = '', updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(ItemCompleted), txRef, s.now().Unix(), itemID, string(ItemClaimed))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记条目完成失败")
	}
	return s.checkAffected(ctx, result, itemID)
}

// MarkFailed 记录执行失败原因。
func (s *MySQLStore) MarkFailed(ctx context.Context, itemID, reason string) error {
	const stmt = `UPDATE batch_items SET status = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(ItemFailed), reason, s.now().Unix(), itemID, string(ItemClaimed))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记条目失败状态出错")
	}
	return s.checkAffected(ctx, result, itemID)
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) checkAffected(ctx context.Context, result sql.Result, itemID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		exists, checkErr := s.exists(ctx, itemID)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrItemNotFound
		}
		return ErrItemConflict
	}
	return nil
}

func (s *MySQLStore) exists(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM batch_items WHERE id = ?`, itemID).Scan(&one)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次条目失败")
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item   Item
		amount string
		status string
	)
	err := row.Scan(&item.ID, &item.BatchID, &item.Index, &item.AgentID, &item.Recipient,
		&amount, &item.Token, &item.Chain, &status, &item.TxRef, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取批次条目失败")
	}
	item.Status = ItemStatus(status)
	if item.Amount, err = money.Parse(amount); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析条目金额失败")
	}
	return &item, nil
}
