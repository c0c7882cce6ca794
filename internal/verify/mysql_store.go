package verify

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 同时实现 RefStore 与 FlagStore。引用绑定依靠主键唯一
// 约束保证原子性，审计记录只增不改。
type MySQLStore struct {
	db *sql.DB
}

var (
	_ RefStore  = (*MySQLStore)(nil)
	_ FlagStore = (*MySQLStore)(nil)
)

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

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const refs = `CREATE TABLE IF NOT EXISTS tx_refs (
        tx_ref VARCHAR(128) PRIMARY KEY,
        order_id VARCHAR(64) NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_tx_refs_order (order_id)
)`
	if _, err := s.db.Exec(refs); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tx_refs 表失败")
	}
	const flags = `CREATE TABLE IF NOT EXISTS verification_flags (
        id VARCHAR(64) PRIMARY KEY,
        tx_ref VARCHAR(128) NOT NULL,
        order_id VARCHAR(64) NOT NULL,
        layer VARCHAR(32) NOT NULL,
        reason VARCHAR(512) NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_flags_order (order_id),
        INDEX idx_flags_tx_ref (tx_ref)
)`
	if _, err := s.db.Exec(flags); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 verification_flags 表失败")
	}
	return nil
}

// Owner 返回引用当前绑定的订单。
func (s *MySQLStore) Owner(ctx context.Context, txRef string) (string, bool, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `SELECT order_id FROM tx_refs WHERE tx_ref = ?`, txRef).Scan(&orderID)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易引用失败")
	}
	return orderID, true, nil
}

// Bind 通过主键约束原子绑定。重复键时读回已有归属。
func (s *MySQLStore) Bind(ctx context.Context, txRef, orderID string) (string, bool, error) {
	const stmt = `INSERT INTO tx_refs (tx_ref, order_id, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, txRef, orderID, time.Now().Unix())
	if err == nil {
		return orderID, true, nil
	}
	if !strings.Contains(err.Error(), "Duplicate entry") {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定交易引用失败")
	}
	owner, found, ownerErr := s.Owner(ctx, txRef)
	if ownerErr != nil {
		return "", false, ownerErr
	}
	if !found {
		return "", false, xerrors.New(xerrors.CodeStorageFailure, "交易引用绑定状态不一致")
	}
	return owner, owner == orderID, nil
}

// Save 追加一条审计记录。
func (s *MySQLStore) Save(ctx context.Context, flag *Flag) error {
	if flag == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "flag 不能为空")
	}
	const stmt = `INSERT INTO verification_flags (id, tx_ref, order_id, layer, reason, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		flag.ID, flag.TxRef, flag.OrderID, flag.Layer, flag.Reason, flag.CreatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return nil
}

// ListByOrder 返回订单关联的全部审计记录。
func (s *MySQLStore) ListByOrder(ctx context.Context, orderID string) ([]*Flag, error) {
	const stmt = `SELECT id, tx_ref, order_id, layer, reason, created_at
        FROM verification_flags WHERE order_id = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, stmt, orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var results []*Flag
	for rows.Next() {
		var (
			f       Flag
			created int64
		)
		if err := rows.Scan(&f.ID, &f.TxRef, &f.OrderID, &f.Layer, &f.Reason, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计记录失败")
		}
		f.CreatedAt = time.Unix(created, 0).UTC()
		results = append(results, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return results, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
