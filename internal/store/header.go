package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mes-unit-tracker/internal/types"
)

// OpenHeader 开启一个工站批次会话
// 同一 (工站, 批次, 工序) 已有 OPEN 执行头时由条件唯一索引拒绝，映射为 ErrConflict
func OpenHeader(ctx context.Context, q Querier, stationID, batchID string, processID int64, paramSnap, hwSnap map[string]interface{}, now time.Time) (types.ExecutionHeader, error) {
	params, err := marshalJSON(paramSnap, "{}")
	if err != nil {
		return types.ExecutionHeader{}, err
	}
	hw, err := marshalJSON(hwSnap, "{}")
	if err != nil {
		return types.ExecutionHeader{}, err
	}

	id := uuid.NewString()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO process_headers (id, station_id, batch_id, process_id, status, parameter_snapshot, hardware_snapshot, opened_at)
		 VALUES (?, ?, ?, ?, 'OPEN', ?, ?, ?)`,
		id, stationID, batchID, processID, params, hw, fmtTime(now)); err != nil {
		return types.ExecutionHeader{}, mapConstraintErr(err)
	}
	return types.ExecutionHeader{
		ID: id, StationID: stationID, BatchID: batchID, ProcessID: processID,
		Status: types.HeaderOpen, ParameterSnapshot: paramSnap, HardwareSnapshot: hwSnap,
		OpenedAt: now.UTC(),
	}, nil
}

// HeaderByID 查询执行头
func HeaderByID(ctx context.Context, q Querier, headerID string) (types.ExecutionHeader, error) {
	var (
		h                  types.ExecutionHeader
		params, hw, opened string
		closed             sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, station_id, batch_id, process_id, status, parameter_snapshot, hardware_snapshot,
		        opened_at, closed_at, total_count, pass_count, fail_count
		 FROM process_headers WHERE id = ?`, headerID).
		Scan(&h.ID, &h.StationID, &h.BatchID, &h.ProcessID, &h.Status, &params, &hw,
			&opened, &closed, &h.TotalCount, &h.PassCount, &h.FailCount)
	if err == sql.ErrNoRows {
		return types.ExecutionHeader{}, ErrNotFound
	}
	if err != nil {
		return types.ExecutionHeader{}, fmt.Errorf("select header %s: %w", headerID, err)
	}
	if h.ParameterSnapshot, err = unmarshalMap(params); err != nil {
		return types.ExecutionHeader{}, err
	}
	if h.HardwareSnapshot, err = unmarshalMap(hw); err != nil {
		return types.ExecutionHeader{}, err
	}
	if h.OpenedAt, err = parseTime(opened); err != nil {
		return types.ExecutionHeader{}, err
	}
	if h.ClosedAt, err = parseTimePtr(closed); err != nil {
		return types.ExecutionHeader{}, err
	}
	return h, nil
}

// FinishHeader 将执行头置为 CLOSED 或 CANCELLED 并记录关闭时间
// 只有 OPEN 状态可以被关闭；closed_at 不早于 opened_at
func FinishHeader(ctx context.Context, q Querier, headerID string, status types.HeaderStatus, now time.Time) (types.ExecutionHeader, error) {
	h, err := HeaderByID(ctx, q, headerID)
	if err != nil {
		return types.ExecutionHeader{}, err
	}
	if h.Status != types.HeaderOpen {
		return types.ExecutionHeader{}, fmt.Errorf("%w: header %s is %s", ErrConflict, headerID, h.Status)
	}
	closedAt := now.UTC()
	if closedAt.Before(h.OpenedAt) {
		closedAt = h.OpenedAt
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE process_headers SET status = ?, closed_at = ? WHERE id = ? AND status = 'OPEN'`,
		status, fmtTime(closedAt), headerID); err != nil {
		return types.ExecutionHeader{}, fmt.Errorf("finish header: %w", err)
	}
	h.Status = status
	h.ClosedAt = &closedAt
	return h, nil
}

// incrementHeaderCounters 在完成事务内递增执行头计数
// 计数只在这里更新，台账是事实来源，计数允许落后但绝不领先
func incrementHeaderCounters(ctx context.Context, q Querier, headerID string, result types.ExecResult) error {
	pass, fail := 0, 0
	switch result {
	case types.ResultPass:
		pass = 1
	case types.ResultFail, types.ResultRework:
		fail = 1
	}
	res, err := q.ExecContext(ctx,
		`UPDATE process_headers
		 SET total_count = total_count + 1, pass_count = pass_count + ?, fail_count = fail_count + ?
		 WHERE id = ? AND status = 'OPEN'`,
		pass, fail, headerID)
	if err != nil {
		return fmt.Errorf("increment header counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("header counter rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: header %s is not open", ErrConflict, headerID)
	}
	return nil
}
