// Package engine 将验证引擎、存储与状态机编排为对外的业务动作
// 每个动作在单个事务内完成前置读取与写入，违例时单元保持原有合法状态
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mes-unit-tracker/internal/event"
	"mes-unit-tracker/internal/fsm"
	"mes-unit-tracker/internal/printer"
	"mes-unit-tracker/internal/rules"
	"mes-unit-tracker/internal/store"
	"mes-unit-tracker/internal/types"
	"mes-unit-tracker/internal/util"
)

// LabelPrinter 转换成功后打印序列号标签的外部协作方
// 打印失败只记录日志，绝不影响已提交的转换事务
type LabelPrinter interface {
	Print(ctx context.Context, label printer.Label) error
}

// Tracker 工序执行追踪器，系统的对外门面
type Tracker struct {
	store   *store.Store
	rules   *rules.Engine
	bus     *event.Bus
	logger  *slog.Logger
	printer LabelPrinter // 可选，为 nil 时跳过打印
}

// NewTracker 创建追踪器实例
func NewTracker(st *store.Store, re *rules.Engine, bus *event.Bus, logger *slog.Logger, p LabelPrinter) *Tracker {
	return &Tracker{
		store:   st,
		rules:   re,
		bus:     bus,
		logger:  logger.With("component", "tracker"),
		printer: p,
	}
}

// StartRequest 开始工序的请求
type StartRequest struct {
	Unit        types.UnitRef
	ProcessSeq  int
	OperatorID  string
	EquipmentID *string
	HeaderID    *string
	StartedAt   *time.Time // 为空时取当前时间
}

// CompleteRequest 完成工序的请求
type CompleteRequest struct {
	Unit         types.UnitRef
	ProcessSeq   int
	OperatorID   string
	EquipmentID  *string
	Result       types.ExecResult
	Measurements types.Measurements
	Defects      []types.Defect
	CompletedAt  *time.Time // 为空时取当前时间
}

// CreateLot 创建新批次
func (t *Tracker) CreateLot(ctx context.Context, lotCode string, capacity int) (types.Lot, error) {
	if err := types.ValidateLotCode(lotCode); err != nil {
		return types.Lot{}, rules.New(rules.CodeQuantityOutOfRange, "%v", err)
	}
	if capacity < 1 || capacity > types.MaxLotSeq {
		return types.Lot{}, rules.New(rules.CodeQuantityOutOfRange,
			"lot capacity %d out of range [1,%d]", capacity, types.MaxLotSeq)
	}
	var lot types.Lot
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		lot, err = store.CreateLot(ctx, tx, lotCode, capacity, time.Now())
		return err
	})
	if err != nil {
		return types.Lot{}, err
	}
	t.bus.Publish(event.Event{Type: event.LotCreated, LotCode: lotCode})
	t.logger.Info("批次已创建", "lot_code", lotCode, "capacity", capacity)
	return lot, nil
}

// GenerateWIPBatch 在批次内发放一批在制品单元
// 批次必须处于 CREATED 或 IN_PROGRESS，数量受 [1,100] 与批次容量约束
func (t *Tracker) GenerateWIPBatch(ctx context.Context, lotCode string, qty int) ([]types.WIPItem, error) {
	logger := t.reqLogger(ctx).With("lot_code", lotCode)

	var items []types.WIPItem
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		lot, err := store.LotByCode(ctx, tx, lotCode)
		if errors.Is(err, store.ErrNotFound) {
			return rules.New(rules.CodeUnitNotFound, "lot %s not found", lotCode)
		}
		if err != nil {
			return err
		}
		existing, err := store.CountWIPInLot(ctx, tx, lot.ID)
		if err != nil {
			return err
		}
		if err := t.rules.CheckLotEligibility(lot, qty, existing); err != nil {
			return err
		}
		now := time.Now()
		for seq := existing + 1; seq <= existing+qty; seq++ {
			item, err := store.InsertWIPItem(ctx, tx, lot, seq, now)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		if lot.Status == types.LotCreated {
			return store.UpdateLotStatus(ctx, tx, lot.ID, types.LotInProgress)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		t.bus.Publish(event.Event{Type: event.WIPGenerated, UnitID: item.WIPID, Level: types.LevelWIP,
			LotCode: lotCode, Status: string(item.Status), Count: len(items)})
	}
	logger.Info("已发放在制品单元", "count", len(items))
	return items, nil
}

// StartProcess 为单元开始一道工序
// 验证引擎先检查状态与前序工序结果，通过后台账就地写入或刷新在制记录，
// 单元状态在同一事务内转移。对同一 (单元, 工序) 的重复调用是幂等的状态刷新
func (t *Tracker) StartProcess(ctx context.Context, req StartRequest) (int64, error) {
	logger := t.reqLogger(ctx).With("unit_id", req.Unit.ID, "process_seq", req.ProcessSeq)
	startedAt := timeOrNow(req.StartedAt)

	var (
		recordID int64
		evt      event.Event
	)
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		def, err := t.lookupProcess(ctx, tx, req.ProcessSeq)
		if err != nil {
			return err
		}
		if req.HeaderID != nil {
			if err := t.checkHeaderUsable(ctx, tx, *req.HeaderID, def.ID); err != nil {
				return err
			}
		}

		switch req.Unit.Level {
		case types.LevelSerial:
			recordID, evt, err = t.startSerial(ctx, tx, req, def, startedAt)
		default:
			recordID, evt, err = t.startWIP(ctx, tx, req, def, startedAt)
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	t.bus.Publish(evt)
	logger.Info("工序已开始", "record_id", recordID, "operator", req.OperatorID)
	return recordID, nil
}

func (t *Tracker) startWIP(ctx context.Context, tx *sql.Tx, req StartRequest, def types.ProcessDefinition, startedAt time.Time) (int64, event.Event, error) {
	w, err := store.WIPByID(ctx, tx, req.Unit.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, event.Event{}, rules.New(rules.CodeUnitNotFound, "WIP unit %s not found", req.Unit.ID)
	}
	if err != nil {
		return 0, event.Event{}, err
	}

	prevPassed, err := t.prevPassedWIP(ctx, tx, w, def)
	if err != nil {
		return 0, event.Event{}, err
	}
	if err := t.rules.CheckStartWIP(w, def, prevPassed); err != nil {
		return 0, event.Event{}, err
	}

	// FAILED 状态的重启计为一次返工
	rework := w.ReworkCount
	if w.Status == types.WIPFailed {
		rework++
	}

	recordID, refreshed, err := store.StartProcess(ctx, tx, store.StartParams{
		Unit: store.WIPKey(w), ProcessID: def.ID, OperatorID: req.OperatorID,
		EquipmentID: req.EquipmentID, HeaderID: req.HeaderID,
		StartedAt: startedAt, ReworkCount: rework,
	})
	if err != nil {
		return 0, event.Event{}, err
	}
	if err := fsm.CheckWIP(w.Status, types.WIPInProgress); err != nil {
		return 0, event.Event{}, err
	}
	if err := store.UpdateWIPState(ctx, tx, w.ID, types.WIPInProgress, &def.ID, rework, startedAt); err != nil {
		return 0, event.Event{}, err
	}

	lot, err := store.LotByID(ctx, tx, w.LotID)
	if err != nil {
		return 0, event.Event{}, err
	}
	return recordID, event.Event{
		Type: event.ProcessStarted, UnitID: w.WIPID, Level: types.LevelWIP, LotCode: lot.LotCode,
		ProcessSeq: def.SeqNo, ProcessCode: def.Code, Status: string(types.WIPInProgress),
		Refresh: refreshed,
	}, nil
}

func (t *Tracker) startSerial(ctx context.Context, tx *sql.Tx, req StartRequest, def types.ProcessDefinition, startedAt time.Time) (int64, event.Event, error) {
	u, err := store.SerialByNumber(ctx, tx, req.Unit.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, event.Event{}, rules.New(rules.CodeUnitNotFound, "serial %s not found", req.Unit.ID)
	}
	if err != nil {
		return 0, event.Event{}, err
	}

	prevPassed, err := t.prevPassedSerial(ctx, tx, u, def)
	if err != nil {
		return 0, event.Event{}, err
	}
	if err := t.rules.CheckStartSerial(u, def, prevPassed); err != nil {
		return 0, event.Event{}, err
	}

	rework := u.ReworkCount
	if u.Status == types.SerialFailed {
		rework++
	}

	recordID, refreshed, err := store.StartProcess(ctx, tx, store.StartParams{
		Unit: store.SerialKey(u), ProcessID: def.ID, OperatorID: req.OperatorID,
		EquipmentID: req.EquipmentID, HeaderID: req.HeaderID,
		StartedAt: startedAt, ReworkCount: rework,
	})
	if err != nil {
		return 0, event.Event{}, err
	}
	if err := fsm.CheckSerial(u.Status, types.SerialInProgress); err != nil {
		return 0, event.Event{}, err
	}
	if err := store.UpdateSerialState(ctx, tx, u.ID, types.SerialInProgress, rework, nil, startedAt); err != nil {
		return 0, event.Event{}, err
	}

	lot, err := store.LotByID(ctx, tx, u.LotID)
	if err != nil {
		return 0, event.Event{}, err
	}
	return recordID, event.Event{
		Type: event.ProcessStarted, UnitID: u.SerialNumber, Level: types.LevelSerial, LotCode: lot.LotCode,
		ProcessSeq: def.SeqNo, ProcessCode: def.Code, Status: string(types.SerialInProgress),
		Refresh: refreshed,
	}, nil
}

// CompleteProcess 完成一道工序
// 重复合格在写入前被拒绝；台账将在制记录转为完成事实，从不插入第二行；
// 关联执行头的计数器在同一事务内递增
func (t *Tracker) CompleteProcess(ctx context.Context, req CompleteRequest) (types.ExecutionRecord, error) {
	logger := t.reqLogger(ctx).With("unit_id", req.Unit.ID, "process_seq", req.ProcessSeq)
	completedAt := timeOrNow(req.CompletedAt)

	var (
		rec    types.ExecutionRecord
		events []event.Event
	)
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		def, err := t.lookupProcess(ctx, tx, req.ProcessSeq)
		if err != nil {
			return err
		}

		result := req.Result
		defects := req.Defects
		// 配置了判定表达式的工序，以测量负载评估结果
		// 表达式不通过时合格申报降级为不合格，并附加缺陷说明
		if result == types.ResultPass {
			pass, err := t.rules.EvaluateLimitRule(def, req.Measurements)
			if err != nil {
				return err
			}
			if !pass {
				result = types.ResultFail
				defects = append(defects, types.Defect{
					"type": "limit_rule", "rule": def.LimitRule, "process": def.Code,
				})
			}
		}

		switch req.Unit.Level {
		case types.LevelSerial:
			rec, events, err = t.completeSerial(ctx, tx, req, def, result, defects, completedAt)
		default:
			rec, events, err = t.completeWIP(ctx, tx, req, def, result, defects, completedAt)
		}
		return err
	})
	if err != nil {
		return types.ExecutionRecord{}, err
	}

	for _, e := range events {
		t.bus.Publish(e)
	}
	logger.Info("工序已完成", "record_id", rec.ID, "result", rec.Result)
	return rec, nil
}

func (t *Tracker) completeWIP(ctx context.Context, tx *sql.Tx, req CompleteRequest, def types.ProcessDefinition, result types.ExecResult, defects []types.Defect, completedAt time.Time) (types.ExecutionRecord, []event.Event, error) {
	w, err := store.WIPByID(ctx, tx, req.Unit.ID)
	if errors.Is(err, store.ErrNotFound) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeUnitNotFound, "WIP unit %s not found", req.Unit.ID)
	}
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	if fsm.TerminalWIP(w.Status) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeUnitConverted, "unit %s is converted and immutable", w.WIPID)
	}
	unit := store.WIPKey(w)

	passAlready, err := store.PassExists(ctx, tx, unit, def.ID)
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	if err := t.rules.CheckCompleteAllowed(result, passAlready); err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	rec, err := store.CompleteProcess(ctx, tx, store.CompleteParams{
		Unit: unit, ProcessID: def.ID, OperatorID: req.OperatorID, EquipmentID: req.EquipmentID,
		Result: result, Measurements: req.Measurements, Defects: defects, CompletedAt: completedAt,
	})
	if errors.Is(err, store.ErrNotFound) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeNotStarted,
			"no in-flight attempt for unit %s process %d", w.WIPID, def.SeqNo)
	}
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	lot, err := store.LotByID(ctx, tx, w.LotID)
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	events := []event.Event{{
		Type: event.ProcessCompleted, UnitID: w.WIPID, Level: types.LevelWIP, LotCode: lot.LotCode,
		ProcessSeq: def.SeqNo, ProcessCode: def.Code, Result: result,
		DurationSec: completedAt.Sub(rec.StartedAt).Seconds(),
	}}

	// 结果决定单元状态走向：末道转换前工序合格 -> COMPLETED，不合格 -> FAILED
	next := types.WIPInProgress
	if result == types.ResultPass {
		done, err := t.allPreConversionPassed(ctx, tx, unit)
		if err != nil {
			return types.ExecutionRecord{}, nil, err
		}
		if done {
			next = types.WIPCompleted
		}
	} else {
		next = types.WIPFailed
	}
	// 并行在制记录可能让单元在完成前进入 FAILED，此时拒绝为具名违例
	if !fsm.CanTransitionWIP(w.Status, next) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeInvalidStatus,
			"unit %s in status %s cannot move to %s", w.WIPID, w.Status, next)
	}
	if err := store.UpdateWIPState(ctx, tx, w.ID, next, nil, w.ReworkCount, completedAt); err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	switch next {
	case types.WIPCompleted:
		events = append(events, event.Event{Type: event.UnitCompleted, UnitID: w.WIPID, Level: types.LevelWIP,
			LotCode: lot.LotCode, Status: string(next)})
	case types.WIPFailed:
		events = append(events, event.Event{Type: event.UnitFailed, UnitID: w.WIPID, Level: types.LevelWIP,
			LotCode: lot.LotCode, Status: string(next),
			Err: fmt.Errorf("process %d (%s) failed", def.SeqNo, def.Code)})
	}
	return rec, events, nil
}

func (t *Tracker) completeSerial(ctx context.Context, tx *sql.Tx, req CompleteRequest, def types.ProcessDefinition, result types.ExecResult, defects []types.Defect, completedAt time.Time) (types.ExecutionRecord, []event.Event, error) {
	u, err := store.SerialByNumber(ctx, tx, req.Unit.ID)
	if errors.Is(err, store.ErrNotFound) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeUnitNotFound, "serial %s not found", req.Unit.ID)
	}
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	unit := store.SerialKey(u)

	passAlready, err := store.PassExists(ctx, tx, unit, def.ID)
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	if err := t.rules.CheckCompleteAllowed(result, passAlready); err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	rec, err := store.CompleteProcess(ctx, tx, store.CompleteParams{
		Unit: unit, ProcessID: def.ID, OperatorID: req.OperatorID, EquipmentID: req.EquipmentID,
		Result: result, Measurements: req.Measurements, Defects: defects, CompletedAt: completedAt,
	})
	if errors.Is(err, store.ErrNotFound) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeNotStarted,
			"no in-flight attempt for serial %s process %d", u.SerialNumber, def.SeqNo)
	}
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	lot, err := store.LotByID(ctx, tx, u.LotID)
	if err != nil {
		return types.ExecutionRecord{}, nil, err
	}
	events := []event.Event{{
		Type: event.ProcessCompleted, UnitID: u.SerialNumber, Level: types.LevelSerial, LotCode: lot.LotCode,
		ProcessSeq: def.SeqNo, ProcessCode: def.Code, Result: result,
		DurationSec: completedAt.Sub(rec.StartedAt).Seconds(),
	}}

	next := types.SerialInProgress
	var failureReason *string
	if result == types.ResultPass {
		done, err := t.allPostConversionPassed(ctx, tx, unit)
		if err != nil {
			return types.ExecutionRecord{}, nil, err
		}
		if done {
			next = types.SerialPassed
		}
	} else {
		next = types.SerialFailed
		reason := fmt.Sprintf("process %d (%s) failed", def.SeqNo, def.Code)
		failureReason = &reason
	}
	// 与在制品路径相同，非法的完成转移是业务违例而非基础设施错误
	if !fsm.CanTransitionSerial(u.Status, next) {
		return types.ExecutionRecord{}, nil, rules.New(rules.CodeInvalidStatus,
			"serial %s in status %s cannot move to %s", u.SerialNumber, u.Status, next)
	}
	if err := store.UpdateSerialState(ctx, tx, u.ID, next, u.ReworkCount, failureReason, completedAt); err != nil {
		return types.ExecutionRecord{}, nil, err
	}

	switch next {
	case types.SerialPassed:
		events = append(events, event.Event{Type: event.UnitCompleted, UnitID: u.SerialNumber,
			Level: types.LevelSerial, LotCode: lot.LotCode, Status: string(next)})
	case types.SerialFailed:
		events = append(events, event.Event{Type: event.UnitFailed, UnitID: u.SerialNumber,
			Level: types.LevelSerial, LotCode: lot.LotCode, Status: string(next),
			Err: fmt.Errorf("process %d (%s) failed", def.SeqNo, def.Code)})
	}
	return rec, events, nil
}

// ConvertToSerial 将完成全部转换前工序的在制品转为正式序列号
// 转换恰好发生一次，之后单元不可变；serialNumber 为空时按默认格式生成
func (t *Tracker) ConvertToSerial(ctx context.Context, wipID, serialNumber string) (types.SerialUnit, error) {
	logger := t.reqLogger(ctx).With("wip_id", wipID)

	var (
		serial types.SerialUnit
		lot    types.Lot
	)
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		w, err := store.WIPByID(ctx, tx, wipID)
		if errors.Is(err, store.ErrNotFound) {
			return rules.New(rules.CodeUnitNotFound, "WIP unit %s not found", wipID)
		}
		if err != nil {
			return err
		}
		defs, err := store.ActiveProcesses(ctx, tx)
		if err != nil {
			return err
		}
		passed, err := store.PassedProcessSeqs(ctx, tx, store.WIPKey(w))
		if err != nil {
			return err
		}
		if err := t.rules.CheckConversion(w, defs, passed); err != nil {
			return err
		}
		if err := fsm.CheckWIP(w.Status, types.WIPConverted); err != nil {
			return err
		}
		if lot, err = store.LotByID(ctx, tx, w.LotID); err != nil {
			return err
		}
		sn := serialNumber
		if sn == "" {
			sn = types.FormatSerialNumber(lot.LotCode, w.SeqInLot)
		}
		serial, err = store.ConvertWIP(ctx, tx, w, sn, time.Now())
		return err
	})
	if err != nil {
		return types.SerialUnit{}, err
	}

	t.bus.Publish(event.Event{
		Type: event.UnitConverted, UnitID: wipID, Level: types.LevelWIP, LotCode: lot.LotCode,
		SerialNumber: serial.SerialNumber, Status: string(types.WIPConverted),
	})
	logger.Info("单元已转序列号", "serial_number", serial.SerialNumber)

	// 标签打印是纯消费方，异步尽力而为，失败不影响已提交的转换
	if t.printer != nil {
		label := printer.Label{SerialNumber: serial.SerialNumber, LotCode: lot.LotCode, SeqInLot: serial.SeqInLot}
		go func() {
			printCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.printer.Print(printCtx, label); err != nil {
				t.logger.Warn("标签打印失败", "serial_number", serial.SerialNumber, "error", err)
			}
		}()
	}
	return serial, nil
}

// ---- 派生查询 ----

// UnitView 面向工站与看板的单元状态视图
type UnitView struct {
	UnitID             string           `json:"unit_id"`
	Level              types.UnitLevel  `json:"level"`
	LotCode            string           `json:"lot_code"`
	Status             string           `json:"status"`
	ReworkCount        int              `json:"rework_count"`
	CompletedProcesses []int            `json:"completed_processes"`
	NextProcess        *int             `json:"next_process"` // 为空表示全部完成
	SerialNumber       string           `json:"serial_number,omitempty"`
	Records            []types.ExecutionRecord `json:"records,omitempty"`
}

// CompletedProcesses 返回单元已有合格记录的工序顺序号
// 序列号层级合并转换前在 WIP 层留下的合格记录
func (t *Tracker) CompletedProcesses(ctx context.Context, ref types.UnitRef) ([]int, error) {
	var seqs []int
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		seqs, err = t.passedSeqsMerged(ctx, tx, ref)
		return err
	})
	return seqs, err
}

// NextRequiredProcess 返回最小的尚未通过的工序顺序号，全部通过时为 nil
func (t *Tracker) NextRequiredProcess(ctx context.Context, ref types.UnitRef) (*int, error) {
	var next *int
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		defs, err := store.ActiveProcesses(ctx, tx)
		if err != nil {
			return err
		}
		seqs, err := t.passedSeqsMerged(ctx, tx, ref)
		if err != nil {
			return err
		}
		next = rules.NextRequiredProcess(defs, seqs)
		return nil
	})
	return next, err
}

// UnitStatus 返回单元的完整状态视图
func (t *Tracker) UnitStatus(ctx context.Context, ref types.UnitRef) (UnitView, error) {
	var view UnitView
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		defs, err := store.ActiveProcesses(ctx, tx)
		if err != nil {
			return err
		}
		switch ref.Level {
		case types.LevelSerial:
			u, err := store.SerialByNumber(ctx, tx, ref.ID)
			if errors.Is(err, store.ErrNotFound) {
				return rules.New(rules.CodeUnitNotFound, "serial %s not found", ref.ID)
			}
			if err != nil {
				return err
			}
			lot, err := store.LotByID(ctx, tx, u.LotID)
			if err != nil {
				return err
			}
			recs, err := store.RecordsForUnit(ctx, tx, store.SerialKey(u))
			if err != nil {
				return err
			}
			view = UnitView{UnitID: u.SerialNumber, Level: types.LevelSerial, LotCode: lot.LotCode,
				Status: string(u.Status), ReworkCount: u.ReworkCount, SerialNumber: u.SerialNumber, Records: recs}
		default:
			w, err := store.WIPByID(ctx, tx, ref.ID)
			if errors.Is(err, store.ErrNotFound) {
				return rules.New(rules.CodeUnitNotFound, "WIP unit %s not found", ref.ID)
			}
			if err != nil {
				return err
			}
			lot, err := store.LotByID(ctx, tx, w.LotID)
			if err != nil {
				return err
			}
			recs, err := store.RecordsForUnit(ctx, tx, store.WIPKey(w))
			if err != nil {
				return err
			}
			view = UnitView{UnitID: w.WIPID, Level: types.LevelWIP, LotCode: lot.LotCode,
				Status: string(w.Status), ReworkCount: w.ReworkCount, Records: recs}
			if w.SerialUnitID != nil {
				// 已转换单元补充指向的序列号，看板从 WIP 侧也能看到分配结果
				su, err := store.SerialByID(ctx, tx, *w.SerialUnitID)
				if err != nil {
					return err
				}
				view.SerialNumber = su.SerialNumber
			}
		}
		seqs, err := t.passedSeqsMerged(ctx, tx, ref)
		if err != nil {
			return err
		}
		view.CompletedProcesses = seqs
		view.NextProcess = rules.NextRequiredProcess(defs, seqs)
		return nil
	})
	return view, err
}

// ---- 执行头 ----

// OpenHeader 开启工站批次会话
// 同一 (工站, 批次, 工序) 已有 OPEN 会话时返回 HEADER_ALREADY_OPEN
func (t *Tracker) OpenHeader(ctx context.Context, stationID, batchID string, processSeq int, paramSnap, hwSnap map[string]interface{}) (types.ExecutionHeader, error) {
	var header types.ExecutionHeader
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		def, err := t.lookupProcess(ctx, tx, processSeq)
		if err != nil {
			return err
		}
		header, err = store.OpenHeader(ctx, tx, stationID, batchID, def.ID, paramSnap, hwSnap, time.Now())
		if errors.Is(err, store.ErrConflict) {
			return rules.New(rules.CodeHeaderAlreadyOpen,
				"an open session already exists for station %s batch %s process %d", stationID, batchID, processSeq)
		}
		return err
	})
	if err != nil {
		return types.ExecutionHeader{}, err
	}
	t.bus.Publish(event.Event{Type: event.HeaderOpened, HeaderID: header.ID, ProcessSeq: processSeq})
	t.logger.Info("执行头已开启", "header_id", header.ID, "station_id", stationID, "batch_id", batchID)
	return header, nil
}

// CloseHeader 正常关闭会话
func (t *Tracker) CloseHeader(ctx context.Context, headerID string) (types.ExecutionHeader, error) {
	return t.finishHeader(ctx, headerID, types.HeaderClosed)
}

// CancelHeader 取消会话
func (t *Tracker) CancelHeader(ctx context.Context, headerID string) (types.ExecutionHeader, error) {
	return t.finishHeader(ctx, headerID, types.HeaderCancelled)
}

func (t *Tracker) finishHeader(ctx context.Context, headerID string, status types.HeaderStatus) (types.ExecutionHeader, error) {
	var header types.ExecutionHeader
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		header, err = store.FinishHeader(ctx, tx, headerID, status, time.Now())
		if errors.Is(err, store.ErrNotFound) {
			return rules.New(rules.CodeUnitNotFound, "header %s not found", headerID)
		}
		if errors.Is(err, store.ErrConflict) {
			return rules.New(rules.CodeHeaderNotOpen, "header %s is not open", headerID)
		}
		return err
	})
	if err != nil {
		return types.ExecutionHeader{}, err
	}
	t.bus.Publish(event.Event{Type: event.HeaderClosed, HeaderID: header.ID})
	t.logger.Info("执行头已关闭", "header_id", headerID, "status", status,
		"total", header.TotalCount, "pass", header.PassCount, "fail", header.FailCount)
	return header, nil
}

// HeaderSummary 查询执行头与其计数器
func (t *Tracker) HeaderSummary(ctx context.Context, headerID string) (types.ExecutionHeader, error) {
	header, err := store.HeaderByID(ctx, t.store.DB(), headerID)
	if errors.Is(err, store.ErrNotFound) {
		return types.ExecutionHeader{}, rules.New(rules.CodeUnitNotFound, "header %s not found", headerID)
	}
	return header, err
}

// ---- 内部助手 ----

func (t *Tracker) reqLogger(ctx context.Context) *slog.Logger {
	logger := t.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}

func (t *Tracker) lookupProcess(ctx context.Context, tx *sql.Tx, seqNo int) (types.ProcessDefinition, error) {
	def, err := store.ProcessBySeq(ctx, tx, seqNo)
	if errors.Is(err, store.ErrNotFound) {
		return types.ProcessDefinition{}, rules.New(rules.CodeProcessNotFound, "process %d not found", seqNo)
	}
	return def, err
}

// checkHeaderUsable 校验执行头存在、OPEN 且工序匹配
func (t *Tracker) checkHeaderUsable(ctx context.Context, tx *sql.Tx, headerID string, processID int64) error {
	h, err := store.HeaderByID(ctx, tx, headerID)
	if errors.Is(err, store.ErrNotFound) {
		return rules.New(rules.CodeUnitNotFound, "header %s not found", headerID)
	}
	if err != nil {
		return err
	}
	if h.Status != types.HeaderOpen {
		return rules.New(rules.CodeHeaderNotOpen, "header %s is %s", headerID, h.Status)
	}
	if h.ProcessID != processID {
		return rules.New(rules.CodeHeaderNotOpen, "header %s belongs to a different process", headerID)
	}
	return nil
}

// prevPassedWIP 判断前一道工序是否已通过（工序 1 恒为真）
func (t *Tracker) prevPassedWIP(ctx context.Context, tx *sql.Tx, w types.WIPItem, def types.ProcessDefinition) (bool, error) {
	if def.SeqNo <= 1 {
		return true, nil
	}
	prev, err := store.ProcessBySeq(ctx, tx, def.SeqNo-1)
	if errors.Is(err, store.ErrNotFound) {
		return false, rules.New(rules.CodeProcessNotFound, "process %d not found", def.SeqNo-1)
	}
	if err != nil {
		return false, err
	}
	return store.PassExists(ctx, tx, store.WIPKey(w), prev.ID)
}

// prevPassedSerial 同上，但转换前的前序工序记录落在来源 WIP 单元上
func (t *Tracker) prevPassedSerial(ctx context.Context, tx *sql.Tx, u types.SerialUnit, def types.ProcessDefinition) (bool, error) {
	if def.SeqNo <= 1 {
		return true, nil
	}
	prev, err := store.ProcessBySeq(ctx, tx, def.SeqNo-1)
	if errors.Is(err, store.ErrNotFound) {
		return false, rules.New(rules.CodeProcessNotFound, "process %d not found", def.SeqNo-1)
	}
	if err != nil {
		return false, err
	}
	key := store.SerialKey(u)
	if !prev.PostConversion {
		wipID := u.WIPItemID
		key = store.UnitKey{Level: types.LevelWIP, LotID: u.LotID, WIPItemID: &wipID}
	}
	return store.PassExists(ctx, tx, key, prev.ID)
}

// allPreConversionPassed 判断转换前工序是否已全部通过
func (t *Tracker) allPreConversionPassed(ctx context.Context, tx *sql.Tx, unit store.UnitKey) (bool, error) {
	defs, err := store.ActiveProcesses(ctx, tx)
	if err != nil {
		return false, err
	}
	passed, err := store.PassedProcessSeqs(ctx, tx, unit)
	if err != nil {
		return false, err
	}
	set := make(map[int]bool, len(passed))
	for _, s := range passed {
		set[s] = true
	}
	for _, def := range defs {
		if def.PostConversion {
			continue
		}
		if !set[def.SeqNo] {
			return false, nil
		}
	}
	return true, nil
}

// allPostConversionPassed 判断转换后工序是否已全部通过
func (t *Tracker) allPostConversionPassed(ctx context.Context, tx *sql.Tx, unit store.UnitKey) (bool, error) {
	defs, err := store.ActiveProcesses(ctx, tx)
	if err != nil {
		return false, err
	}
	passed, err := store.PassedProcessSeqs(ctx, tx, unit)
	if err != nil {
		return false, err
	}
	set := make(map[int]bool, len(passed))
	for _, s := range passed {
		set[s] = true
	}
	for _, def := range defs {
		if !def.PostConversion {
			continue
		}
		if !set[def.SeqNo] {
			return false, nil
		}
	}
	return true, nil
}

// passedSeqsMerged 合并单元在两个层级留下的合格工序号
func (t *Tracker) passedSeqsMerged(ctx context.Context, tx *sql.Tx, ref types.UnitRef) ([]int, error) {
	switch ref.Level {
	case types.LevelSerial:
		u, err := store.SerialByNumber(ctx, tx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, rules.New(rules.CodeUnitNotFound, "serial %s not found", ref.ID)
		}
		if err != nil {
			return nil, err
		}
		serialSeqs, err := store.PassedProcessSeqs(ctx, tx, store.SerialKey(u))
		if err != nil {
			return nil, err
		}
		wipID := u.WIPItemID
		wipSeqs, err := store.PassedProcessSeqs(ctx, tx,
			store.UnitKey{Level: types.LevelWIP, LotID: u.LotID, WIPItemID: &wipID})
		if err != nil {
			return nil, err
		}
		return mergeSeqs(wipSeqs, serialSeqs), nil
	default:
		w, err := store.WIPByID(ctx, tx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, rules.New(rules.CodeUnitNotFound, "WIP unit %s not found", ref.ID)
		}
		if err != nil {
			return nil, err
		}
		return store.PassedProcessSeqs(ctx, tx, store.WIPKey(w))
	}
}

func mergeSeqs(a, b []int) []int {
	set := make(map[int]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	merged := make([]int, 0, len(set))
	for s := range set {
		merged = append(merged, s)
	}
	sort.Ints(merged)
	return merged
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
