// Package rules 实现无状态的业务规则验证引擎
// 所有函数都是对已读取数据的纯决策，不持有状态，也不触达存储；
// 引擎在同一事务内先读取前置条件，再调用这里的检查，最后写入
package rules

import (
	"fmt"
	"sort"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"mes-unit-tracker/internal/fsm"
	"mes-unit-tracker/internal/types"
)

// Engine 验证引擎，持有返工策略与编译好的测量判定规则
// 规则程序在构造时编译一次，之后的评估是只读的
type Engine struct {
	reworkLimit int
	limitRules  map[int]*vm.Program // 工序顺序号 -> 编译后的判定表达式
}

// NewEngine 构造验证引擎并编译各工序的测量判定规则
func NewEngine(reworkLimit int, defs []types.ProcessDefinition) (*Engine, error) {
	e := &Engine{
		reworkLimit: reworkLimit,
		limitRules:  make(map[int]*vm.Program),
	}
	for _, def := range defs {
		if def.LimitRule == "" {
			continue
		}
		program, err := expr.Compile(def.LimitRule, expr.Env(limitEnv(nil)))
		if err != nil {
			return nil, fmt.Errorf("compile limit rule for process %d: %w", def.SeqNo, err)
		}
		e.limitRules[def.SeqNo] = program
	}
	return e, nil
}

// ReworkLimit 返回配置的返工次数上限
func (e *Engine) ReworkLimit() int { return e.reworkLimit }

func limitEnv(m types.Measurements) map[string]interface{} {
	if m == nil {
		m = types.Measurements{}
	}
	return map[string]interface{}{"m": map[string]interface{}(m)}
}

// CheckLotEligibility 批次发放规则
// 批次必须处于 CREATED 或 IN_PROGRESS；数量在 [1,100] 且不超过批次容量
func (e *Engine) CheckLotEligibility(lot types.Lot, qty, existing int) error {
	if lot.Status != types.LotCreated && lot.Status != types.LotInProgress {
		return violation(CodeLotNotEligible, "lot %s is %s, cannot issue WIP units", lot.LotCode, lot.Status)
	}
	if qty < 1 || qty > types.MaxLotSeq {
		return violation(CodeQuantityOutOfRange, "quantity %d out of range [1,%d]", qty, types.MaxLotSeq)
	}
	if existing+qty > lot.Capacity {
		return violation(CodeQuantityOutOfRange, "lot %s holds %d units, capacity %d cannot fit %d more",
			lot.LotCode, existing, lot.Capacity, qty)
	}
	return nil
}

// CheckStartWIP 在制品层级的工序启动规则
// 工序 1 在 CREATED / IN_PROGRESS / FAILED 状态下可启动（FAILED 为返工重启）；
// 工序 k>1 还要求前一道工序已有合格记录；CONVERTED 终态永远拒绝
func (e *Engine) CheckStartWIP(w types.WIPItem, def types.ProcessDefinition, prevPassed bool) error {
	if fsm.TerminalWIP(w.Status) {
		return violation(CodeUnitConverted, "unit %s is converted and immutable", w.WIPID)
	}
	if def.PostConversion {
		return violation(CodeProcessOutOfOrder, "process %d (%s) runs after conversion, unit %s is still WIP",
			def.SeqNo, def.Code, w.WIPID)
	}
	if !fsm.CanTransitionWIP(w.Status, types.WIPInProgress) {
		return violation(CodeInvalidStatus, "unit %s in status %s cannot start a process", w.WIPID, w.Status)
	}
	if w.Status == types.WIPFailed && w.ReworkCount >= e.reworkLimit {
		return violation(CodeReworkLimit, "unit %s exhausted rework limit %d", w.WIPID, e.reworkLimit)
	}
	if def.SeqNo > 1 && !prevPassed {
		return violation(CodeProcessOutOfOrder, "process %d requires a pass record for process %d on unit %s",
			def.SeqNo, def.SeqNo-1, w.WIPID)
	}
	return nil
}

// CheckStartSerial 序列号层级的工序启动规则
// PASSED 为终态；FAILED 重启受返工计数 (0..3) 限制
func (e *Engine) CheckStartSerial(u types.SerialUnit, def types.ProcessDefinition, prevPassed bool) error {
	if fsm.TerminalSerial(u.Status) {
		return violation(CodeInvalidStatus, "serial %s already passed, no further processes", u.SerialNumber)
	}
	if !def.PostConversion {
		return violation(CodeProcessOutOfOrder, "process %d (%s) runs before conversion, unit %s is already serialized",
			def.SeqNo, def.Code, u.SerialNumber)
	}
	if !fsm.CanTransitionSerial(u.Status, types.SerialInProgress) {
		return violation(CodeInvalidStatus, "serial %s in status %s cannot start a process", u.SerialNumber, u.Status)
	}
	if u.Status == types.SerialFailed && u.ReworkCount >= e.reworkLimit {
		return violation(CodeReworkLimit, "serial %s exhausted rework limit %d", u.SerialNumber, e.reworkLimit)
	}
	if def.SeqNo > 1 && !prevPassed {
		return violation(CodeProcessOutOfOrder, "process %d requires a pass record for process %d on serial %s",
			def.SeqNo, def.SeqNo-1, u.SerialNumber)
	}
	return nil
}

// CheckCompleteAllowed 完成规则：重复合格在任何写入发生之前被拒绝
// 存储层的条件唯一索引仍作为竞争下的兜底
func (e *Engine) CheckCompleteAllowed(result types.ExecResult, passAlready bool) error {
	if !result.Valid() || result == types.ResultPending {
		return violation(CodeInvalidResult, "result %q is not a valid completion result", result)
	}
	if result == types.ResultPass && passAlready {
		return violation(CodeDuplicatePass, "a pass record already exists for this unit and process")
	}
	return nil
}

// CheckConversion 转换资格规则
// 单元必须为 COMPLETED 且尚未关联序列号，并且所有转换前工序都有合格记录
func (e *Engine) CheckConversion(w types.WIPItem, required []types.ProcessDefinition, passedSeqs []int) error {
	if fsm.TerminalWIP(w.Status) {
		return violation(CodeUnitConverted, "unit %s is already converted", w.WIPID)
	}
	if w.Status != types.WIPCompleted {
		return violation(CodeConversionBlocked, "unit %s is %s, conversion requires COMPLETED", w.WIPID, w.Status)
	}
	if w.SerialUnitID != nil {
		return violation(CodeConversionBlocked, "unit %s already has a serial assigned", w.WIPID)
	}
	passed := make(map[int]bool, len(passedSeqs))
	for _, s := range passedSeqs {
		passed[s] = true
	}
	for _, def := range required {
		if def.PostConversion {
			continue
		}
		if !passed[def.SeqNo] {
			return violation(CodeConversionBlocked, "unit %s missing pass record for process %d (%s)",
				w.WIPID, def.SeqNo, def.Code)
		}
	}
	return nil
}

// EvaluateLimitRule 对测量负载评估工序的判定表达式
// 未配置规则时视为通过；表达式结果必须是布尔值
func (e *Engine) EvaluateLimitRule(def types.ProcessDefinition, m types.Measurements) (bool, error) {
	program, ok := e.limitRules[def.SeqNo]
	if !ok {
		return true, nil
	}
	result, err := expr.Run(program, limitEnv(m))
	if err != nil {
		return false, fmt.Errorf("evaluate limit rule for process %d: %w", def.SeqNo, err)
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("limit rule for process %d did not yield a boolean", def.SeqNo)
	}
	return pass, nil
}

// NextRequiredProcess 返回最小的尚无合格记录的工序顺序号
// 全部通过时返回 nil；与启动排序规则保持一致：
// 低序号工序未通过时，高序号工序不可能成为"下一道"
func NextRequiredProcess(required []types.ProcessDefinition, passedSeqs []int) *int {
	passed := make(map[int]bool, len(passedSeqs))
	for _, s := range passedSeqs {
		passed[s] = true
	}
	seqs := make([]int, 0, len(required))
	for _, def := range required {
		seqs = append(seqs, def.SeqNo)
	}
	sort.Ints(seqs)
	for _, s := range seqs {
		if !passed[s] {
			next := s
			return &next
		}
	}
	return nil
}
