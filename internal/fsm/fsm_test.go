package fsm_test

import (
	"testing"

	"mes-unit-tracker/internal/fsm"
	"mes-unit-tracker/internal/types"
)

func TestWIPTransitions(t *testing.T) {
	allowed := []struct {
		from, to types.WIPStatus
	}{
		{types.WIPCreated, types.WIPInProgress},
		{types.WIPInProgress, types.WIPInProgress},
		{types.WIPInProgress, types.WIPCompleted},
		{types.WIPInProgress, types.WIPFailed},
		{types.WIPFailed, types.WIPInProgress},
		{types.WIPCompleted, types.WIPConverted},
	}
	for _, tr := range allowed {
		if !fsm.CanTransitionWIP(tr.from, tr.to) {
			t.Errorf("预期允许转移 %s -> %s", tr.from, tr.to)
		}
	}

	denied := []struct {
		from, to types.WIPStatus
	}{
		{types.WIPCreated, types.WIPCompleted},
		{types.WIPCreated, types.WIPConverted},
		{types.WIPConverted, types.WIPInProgress},
		{types.WIPConverted, types.WIPCompleted},
		{types.WIPFailed, types.WIPCompleted},
		{types.WIPCompleted, types.WIPInProgress},
	}
	for _, tr := range denied {
		if fsm.CanTransitionWIP(tr.from, tr.to) {
			t.Errorf("预期拒绝转移 %s -> %s", tr.from, tr.to)
		}
	}
}

func TestSerialTransitions(t *testing.T) {
	if !fsm.CanTransitionSerial(types.SerialCreated, types.SerialInProgress) {
		t.Error("预期允许 CREATED -> IN_PROGRESS")
	}
	if !fsm.CanTransitionSerial(types.SerialFailed, types.SerialInProgress) {
		t.Error("预期允许 FAILED -> IN_PROGRESS (返工)")
	}
	if fsm.CanTransitionSerial(types.SerialPassed, types.SerialInProgress) {
		t.Error("PASSED 是终态，预期拒绝任何后续转移")
	}
	if fsm.CanTransitionSerial(types.SerialCreated, types.SerialPassed) {
		t.Error("预期拒绝跳过 IN_PROGRESS 直接 PASSED")
	}
}

func TestTerminalStates(t *testing.T) {
	if !fsm.TerminalWIP(types.WIPConverted) {
		t.Error("CONVERTED 应为在制品终态")
	}
	if fsm.TerminalWIP(types.WIPCompleted) {
		t.Error("COMPLETED 不是终态，还可以转换")
	}
	if !fsm.TerminalSerial(types.SerialPassed) {
		t.Error("PASSED 应为序列号终态")
	}
	if fsm.TerminalSerial(types.SerialFailed) {
		t.Error("FAILED 不是终态，返工未超限时可重启")
	}
}

func TestCheckReturnsError(t *testing.T) {
	if err := fsm.CheckWIP(types.WIPConverted, types.WIPInProgress); err == nil {
		t.Error("预期非法转移返回错误")
	}
	if err := fsm.CheckSerial(types.SerialInProgress, types.SerialPassed); err != nil {
		t.Errorf("预期合法转移无错误, 得到 %v", err)
	}
}
