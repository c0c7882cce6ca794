package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录支付提案。状态转换通过条件 UPDATE 完成，
// 由数据库保证同一提案不会被两个 worker 同时推进。
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
	const schema = `CREATE TABLE IF NOT EXISTS payment_proposals (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        owner VARCHAR(64) NOT NULL,
        recipient VARCHAR(128) NOT NULL,
        amount DECIMAL(65,18) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain VARCHAR(64) NOT NULL,
        status VARCHAR(16) NOT NULL,
        budget_refs TEXT,
        tx_ref VARCHAR(128) NOT NULL DEFAULT '',
        strategy VARCHAR(32) NOT NULL DEFAULT '',
        last_error VARCHAR(1024) NOT NULL DEFAULT '',
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_payments_agent (agent_id),
        INDEX idx_payments_status (status),
        INDEX idx_payments_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_proposals 表失败")
	}
	return nil
}

// Create 插入新的支付提案。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付 ID 不能为空")
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	refs, err := encodeBudgetRefs(task.BudgetRefs)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO payment_proposals
        (id, agent_id, owner, recipient, amount, token, chain, status, budget_refs,
         tx_ref, strategy, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID, task.AgentID, task.Owner, task.Recipient, task.Amount.String(),
		strings.ToUpper(task.Token), task.Chain, string(task.Status), refs,
		task.TxRef, task.Strategy, task.LastError, task.ErrorCode,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrPaymentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付提案失败")
	}
	return nil
}

// Get 返回支付提案。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.selectOne(ctx, id)
}

// Approve 用条件 UPDATE 做 pending→approved 的原子转换。
func (s *MySQLStore) Approve(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE payment_proposals
        SET status = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(StatusApproved), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批准支付提案失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取批准结果失败")
	}
	task, getErr := s.selectOne(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if task.Status == StatusExecuted {
			return task, ErrPaymentCompleted
		}
		return task, ErrPaymentConflict
	}
	return task, nil
}

// MarkExecuting 把提案推进到 executing，并记下扣减过的预算引用。
func (s *MySQLStore) MarkExecuting(ctx context.Context, id string, budgetRefs []string) error {
	refs, err := encodeBudgetRefs(budgetRefs)
	if err != nil {
		return err
	}
	const stmt = `UPDATE payment_proposals
        SET status = ?, budget_refs = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	result, execErr := s.db.ExecContext(ctx, stmt,
		string(StatusExecuting), refs, s.now().Unix(), id, string(StatusApproved))
	if execErr != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "更新支付状态失败")
	}
	return s.checkAffected(ctx, result, id)
}

// MarkExecuted 记录最终交易引用并落定终态。
func (s *MySQLStore) MarkExecuted(ctx context.Context, id, txRef, strategy string) error {
	const stmt = `UPDATE payment_proposals
        SET status = ?, tx_ref = ?, strategy = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(StatusExecuted), txRef, strategy, s.now().Unix(), id, string(StatusExecuting))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付完成失败")
	}
	return s.checkAffected(ctx, result, id)
}

// MarkFailed 标记提案失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE payment_proposals
        SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status != ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed), lastError, string(code), s.now().Unix(), id, string(StatusExecuted))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付失败状态出错")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取失败标记结果失败")
	}
	if affected == 0 {
		task, getErr := s.selectOne(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusExecuted {
			return ErrPaymentCompleted
		}
	}
	return nil
}

// ResetForRetry 把失败的提案拉回 pending。
func (s *MySQLStore) ResetForRetry(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE payment_proposals
        SET status = ?, budget_refs = NULL, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(StatusPending), s.now().Unix(), id, string(StatusFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重置支付提案失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取重置结果失败")
	}
	task, getErr := s.selectOne(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return task, ErrPaymentConflict
	}
	return task, nil
}

// List 返回符合过滤条件的提案。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	query, args := buildListQuery(opts, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付提案失败")
	}
	defer rows.Close()

	var results []*Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付提案失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的提案数量。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	query, args := buildListQuery(opts, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计支付提案失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var (
			status string
			count  int
			newest sql.NullInt64
			oldest sql.NullInt64
		)
		if err := rows.Scan(&status, &count, &newest, &oldest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计结果失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusApproved:
			stats.Approved = count
		case StatusExecuting:
			stats.Executing = count
		case StatusExecuted:
			stats.Executed = count
		case StatusFailed:
			stats.Failed = count
		}
		if newest.Valid && newest.Int64 > stats.NewestAt {
			stats.NewestAt = newest.Int64
		}
		if oldest.Valid && (stats.OldestAt == 0 || oldest.Int64 < stats.OldestAt) {
			stats.OldestAt = oldest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) checkAffected(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.selectOne(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusExecuted {
			return ErrPaymentCompleted
		}
		return ErrPaymentConflict
	}
	return nil
}

func buildListQuery(opts ListOptions, forStats bool) (string, []any) {
	var (
		where []string
		args  []any
	)
	if opts.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		where = append(where, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		where = append(where, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if forStats {
		return `SELECT status, COUNT(*), MAX(updated_at), MIN(updated_at)
            FROM payment_proposals` + clause + ` GROUP BY status`, args
	}

	order := "updated_at DESC, id"
	if opts.Order == SortByUpdatedAsc {
		order = "updated_at ASC, id"
	}
	query := `SELECT id, agent_id, owner, recipient, amount, token, chain, status,
        budget_refs, tx_ref, strategy, last_error, error_code, created_at, updated_at
        FROM payment_proposals` + clause + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) selectOne(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT id, agent_id, owner, recipient, amount, token, chain, status,
        budget_refs, tx_ref, strategy, last_error, error_code, created_at, updated_at
        FROM payment_proposals WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return task, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task   Task
		amount string
		status string
		refs   sql.NullString
	)
	err := row.Scan(&task.ID, &task.AgentID, &task.Owner, &task.Recipient, &amount,
		&task.Token, &task.Chain, &status, &refs, &task.TxRef, &task.Strategy,
		&task.LastError, &task.ErrorCode, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取支付记录失败")
	}
	task.Status = Status(status)
	if task.Amount, err = money.Parse(amount); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付金额失败")
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &task.BudgetRefs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预算引用失败")
		}
	}
	return &task, nil
}

func encodeBudgetRefs(refs []string) (sql.NullString, error) {
	if len(refs) == 0 {
		return sql.NullString{}, nil
	}
	payload, err := json.Marshal(refs)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码预算引用失败")
	}
	return sql.NullString{String: string(payload), Valid: true}, nil
}
