package fsm

import (
	"fmt"

	"mes-unit-tracker/internal/types"
)

// 本包以显式转移表的形式定义两类单元的生命周期合法性
// 所有写库操作之前都必须先通过 CanTransition 检查，非法转移在触达存储前被拒绝

// wipTransitions 定义在制品单元的状态转移表: 当前状态 -> 允许进入的状态集合
var wipTransitions = map[types.WIPStatus]map[types.WIPStatus]bool{}

// serialTransitions 定义序列号单元的状态转移表
var serialTransitions = map[types.SerialStatus]map[types.SerialStatus]bool{}

func init() {
	// 在制品: CREATED -> IN_PROGRESS (首道工序启动)
	// IN_PROGRESS 自环 (后续工序的启动与完成)
	// IN_PROGRESS -> COMPLETED (末道必经工序通过)
	// IN_PROGRESS -> FAILED (工序失败)
	// FAILED -> IN_PROGRESS (返工重启，次数受策略限制)
	// COMPLETED -> CONVERTED (转序列号)，CONVERTED 为终态
	addWIP(types.WIPCreated, types.WIPInProgress)
	addWIP(types.WIPInProgress, types.WIPInProgress)
	addWIP(types.WIPInProgress, types.WIPCompleted)
	addWIP(types.WIPInProgress, types.WIPFailed)
	addWIP(types.WIPFailed, types.WIPInProgress)
	addWIP(types.WIPCompleted, types.WIPConverted)

	// 序列号单元: CREATED -> IN_PROGRESS -> {PASSED | FAILED}
	// FAILED -> IN_PROGRESS 在返工计数未超限时允许，PASSED 为终态
	addSerial(types.SerialCreated, types.SerialInProgress)
	addSerial(types.SerialInProgress, types.SerialInProgress)
	addSerial(types.SerialInProgress, types.SerialPassed)
	addSerial(types.SerialInProgress, types.SerialFailed)
	addSerial(types.SerialFailed, types.SerialInProgress)
}

func addWIP(from, to types.WIPStatus) {
	if _, ok := wipTransitions[from]; !ok {
		wipTransitions[from] = make(map[types.WIPStatus]bool)
	}
	wipTransitions[from][to] = true
}

func addSerial(from, to types.SerialStatus) {
	if _, ok := serialTransitions[from]; !ok {
		serialTransitions[from] = make(map[types.SerialStatus]bool)
	}
	serialTransitions[from][to] = true
}

// CanTransitionWIP 判断在制品单元能否从 from 转移到 to
func CanTransitionWIP(from, to types.WIPStatus) bool {
	return wipTransitions[from][to]
}

// CanTransitionSerial 判断序列号单元能否从 from 转移到 to
func CanTransitionSerial(from, to types.SerialStatus) bool {
	return serialTransitions[from][to]
}

// CheckWIP 与 CanTransitionWIP 相同，但在非法时返回带说明的错误
func CheckWIP(from, to types.WIPStatus) error {
	if !CanTransitionWIP(from, to) {
		return fmt.Errorf("invalid transition: WIP unit cannot move from %s to %s", from, to)
	}
	return nil
}

// CheckSerial 与 CanTransitionSerial 相同，但在非法时返回带说明的错误
func CheckSerial(from, to types.SerialStatus) error {
	if !CanTransitionSerial(from, to) {
		return fmt.Errorf("invalid transition: serial unit cannot move from %s to %s", from, to)
	}
	return nil
}

// TerminalWIP 判断在制品状态是否为终态
// CONVERTED 之后单元不可变，任何工序转移都不再允许
func TerminalWIP(s types.WIPStatus) bool {
	return s == types.WIPConverted
}

// TerminalSerial 判断序列号状态是否为终态
func TerminalSerial(s types.SerialStatus) bool {
	return s == types.SerialPassed
}
