package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-unit-tracker/internal/rules"
	"mes-unit-tracker/internal/types"
)

func newEngine(t *testing.T, defs []types.ProcessDefinition) *rules.Engine {
	t.Helper()
	e, err := rules.NewEngine(3, defs)
	require.NoError(t, err)
	return e
}

func routeOf3() []types.ProcessDefinition {
	return []types.ProcessDefinition{
		{ID: 1, SeqNo: 1, Code: "SMT"},
		{ID: 2, SeqNo: 2, Code: "AOI"},
		{ID: 3, SeqNo: 3, Code: "FQC", PostConversion: true},
	}
}

func TestCheckLotEligibility(t *testing.T) {
	e := newEngine(t, nil)
	lot := types.Lot{LotCode: "KR01PSA2511", Status: types.LotCreated, Capacity: 10}

	assert.NoError(t, e.CheckLotEligibility(lot, 5, 0))

	err := e.CheckLotEligibility(lot, 0, 0)
	assert.True(t, rules.IsCode(err, rules.CodeQuantityOutOfRange))

	err = e.CheckLotEligibility(lot, 101, 0)
	assert.True(t, rules.IsCode(err, rules.CodeQuantityOutOfRange))

	// 超出批次容量
	err = e.CheckLotEligibility(lot, 6, 5)
	assert.True(t, rules.IsCode(err, rules.CodeQuantityOutOfRange))

	lot.Status = types.LotClosed
	err = e.CheckLotEligibility(lot, 1, 0)
	assert.True(t, rules.IsCode(err, rules.CodeLotNotEligible))
}

func TestCheckStartWIP(t *testing.T) {
	e := newEngine(t, nil)
	defs := routeOf3()
	w := types.WIPItem{WIPID: "WIP-KR01PSA2511-001", Status: types.WIPCreated}

	// 首道工序随时可启动
	assert.NoError(t, e.CheckStartWIP(w, defs[0], true))

	// 前序未通过时拒绝
	err := e.CheckStartWIP(w, defs[1], false)
	assert.True(t, rules.IsCode(err, rules.CodeProcessOutOfOrder))

	// 前序已通过时允许
	w.Status = types.WIPInProgress
	assert.NoError(t, e.CheckStartWIP(w, defs[1], true))

	// 转换后工序不允许在 WIP 层执行
	err = e.CheckStartWIP(w, defs[2], true)
	assert.True(t, rules.IsCode(err, rules.CodeProcessOutOfOrder))

	// CONVERTED 终态永远拒绝
	w.Status = types.WIPConverted
	err = e.CheckStartWIP(w, defs[0], true)
	assert.True(t, rules.IsCode(err, rules.CodeUnitConverted))

	// FAILED 的返工重启受次数限制
	w.Status = types.WIPFailed
	w.ReworkCount = 2
	assert.NoError(t, e.CheckStartWIP(w, defs[0], true))
	w.ReworkCount = 3
	err = e.CheckStartWIP(w, defs[0], true)
	assert.True(t, rules.IsCode(err, rules.CodeReworkLimit))

	// COMPLETED 不允许再启动工序
	w.Status = types.WIPCompleted
	err = e.CheckStartWIP(w, defs[0], true)
	assert.True(t, rules.IsCode(err, rules.CodeInvalidStatus))
}

func TestCheckStartSerial(t *testing.T) {
	e := newEngine(t, nil)
	defs := routeOf3()
	u := types.SerialUnit{SerialNumber: "SER-KR01PSA2511-001", Status: types.SerialCreated}

	// 转换前工序不允许在序列号层执行
	err := e.CheckStartSerial(u, defs[0], true)
	assert.True(t, rules.IsCode(err, rules.CodeProcessOutOfOrder))

	// 转换后工序允许
	assert.NoError(t, e.CheckStartSerial(u, defs[2], true))

	// PASSED 是终态
	u.Status = types.SerialPassed
	err = e.CheckStartSerial(u, defs[2], true)
	assert.True(t, rules.IsCode(err, rules.CodeInvalidStatus))

	// FAILED 返工受限
	u.Status = types.SerialFailed
	u.ReworkCount = 3
	err = e.CheckStartSerial(u, defs[2], true)
	assert.True(t, rules.IsCode(err, rules.CodeReworkLimit))
}

func TestCheckCompleteAllowed(t *testing.T) {
	e := newEngine(t, nil)

	assert.NoError(t, e.CheckCompleteAllowed(types.ResultPass, false))
	assert.NoError(t, e.CheckCompleteAllowed(types.ResultFail, true))
	assert.NoError(t, e.CheckCompleteAllowed(types.ResultRework, false))

	// pending 不是合法的完成结果
	err := e.CheckCompleteAllowed(types.ResultPending, false)
	assert.True(t, rules.IsCode(err, rules.CodeInvalidResult))

	err = e.CheckCompleteAllowed(types.ExecResult("bogus"), false)
	assert.True(t, rules.IsCode(err, rules.CodeInvalidResult))

	// 重复合格在任何写入之前被拒绝
	err = e.CheckCompleteAllowed(types.ResultPass, true)
	assert.True(t, rules.IsCode(err, rules.CodeDuplicatePass))
}

func TestCheckConversion(t *testing.T) {
	e := newEngine(t, nil)
	defs := routeOf3()
	w := types.WIPItem{WIPID: "WIP-KR01PSA2511-001", Status: types.WIPCompleted}

	// 全部转换前工序通过 (seq 3 是转换后工序，不要求)
	assert.NoError(t, e.CheckConversion(w, defs, []int{1, 2}))

	// 缺少合格记录
	err := e.CheckConversion(w, defs, []int{1})
	assert.True(t, rules.IsCode(err, rules.CodeConversionBlocked))

	// 非 COMPLETED 状态
	w.Status = types.WIPInProgress
	err = e.CheckConversion(w, defs, []int{1, 2})
	assert.True(t, rules.IsCode(err, rules.CodeConversionBlocked))

	// 已经转换
	w.Status = types.WIPConverted
	err = e.CheckConversion(w, defs, []int{1, 2})
	assert.True(t, rules.IsCode(err, rules.CodeUnitConverted))

	// 已关联序列号
	w.Status = types.WIPCompleted
	serialID := int64(7)
	w.SerialUnitID = &serialID
	err = e.CheckConversion(w, defs, []int{1, 2})
	assert.True(t, rules.IsCode(err, rules.CodeConversionBlocked))
}

func TestEvaluateLimitRule(t *testing.T) {
	defs := []types.ProcessDefinition{
		{SeqNo: 1, Code: "SMT"},
		{SeqNo: 2, Code: "ICT", LimitRule: "m.voltage >= 4.75 && m.voltage <= 5.25"},
	}
	e := newEngine(t, defs)

	// 未配置规则的工序视为通过
	pass, err := e.EvaluateLimitRule(defs[0], types.Measurements{"anything": 1})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = e.EvaluateLimitRule(defs[1], types.Measurements{"voltage": 5.0})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = e.EvaluateLimitRule(defs[1], types.Measurements{"voltage": 6.3})
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestEvaluateLimitRuleRejectsNonBoolean(t *testing.T) {
	defs := []types.ProcessDefinition{{SeqNo: 1, Code: "ICT", LimitRule: "m.voltage"}}
	e := newEngine(t, defs)

	_, err := e.EvaluateLimitRule(defs[0], types.Measurements{"voltage": 5.0})
	assert.Error(t, err)
}

func TestNewEngineRejectsBadRule(t *testing.T) {
	_, err := rules.NewEngine(3, []types.ProcessDefinition{{SeqNo: 1, LimitRule: "m.voltage >="}})
	assert.Error(t, err)
}

func TestNextRequiredProcess(t *testing.T) {
	defs := routeOf3()

	next := rules.NextRequiredProcess(defs, nil)
	require.NotNil(t, next)
	assert.Equal(t, 1, *next)

	next = rules.NextRequiredProcess(defs, []int{1})
	require.NotNil(t, next)
	assert.Equal(t, 2, *next)

	// 低序号未通过时，下一道永远是最小缺口
	next = rules.NextRequiredProcess(defs, []int{2, 3})
	require.NotNil(t, next)
	assert.Equal(t, 1, *next)

	assert.Nil(t, rules.NextRequiredProcess(defs, []int{1, 2, 3}))
}
