// Package store 提供基于 SQLite 的单元注册表、执行台账与执行头存储
// 正确性依赖短事务加存储层唯一约束，而不是进程内锁
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // 纯 Go 的 SQLite 驱动，无需 CGO
)

//go:embed schema.sql
var schemaSQL string

// 模式版本，通过 PRAGMA user_version 追踪
// 1 - 初始模式（含四个条件唯一索引）
const currentSchemaVersion = 1

var (
	// ErrNotFound 查询目标不存在
	ErrNotFound = errors.New("store: not found")
	// ErrConflict 唯一约束冲突
	// 并发竞争时由条件唯一索引兜底，调用方应将其视为"操作已生效"而非数据损坏
	ErrConflict = errors.New("store: conflict")
)

// Store 封装 SQLite 连接，持有全部注册表与台账操作
type Store struct {
	db *sql.DB
}

// Querier 抽象 *sql.DB 与 *sql.Tx 的公共读写能力
// 所有具体的读写助手都以 Querier 为第一参数，便于在事务内外复用
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open 创建或打开指定路径的数据库，并应用模式
// 幂等，可重复调用
func Open(path string) (*Store, error) {
	// WAL 模式提升并发读能力，busy_timeout 缓解写锁竞争
	// 事务以 IMMEDIATE 方式开启，避免读事务升级写锁时互相死锁
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite 同一时刻只支持一个写入者，限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 暴露底层连接，供集成测试直接查询
func (s *Store) DB() *sql.DB { return s.db }

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// WithTx 在单个事务内执行 fn，提交或回滚保持原子性
// 前置条件读取与写入必须发生在同一个事务中，决策时刻总是重读台账
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// mapConstraintErr 将 SQLite 唯一约束错误映射为 ErrConflict
// 只识别唯一约束，CHECK 等其他约束类错误代表真实的数据问题，原样上抛
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// 时间统一以 RFC3339Nano 文本存储，读取时解析
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// JSON 负载的编解码助手，空值归一化为 {} / []
func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	// 带类型的 nil map/slice 序列化为 null，统一归一化为空值
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func jsonUnmarshal(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func unmarshalMap(data string) (map[string]interface{}, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
