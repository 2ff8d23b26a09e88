package web

import (
	"sync"

	"mes-unit-tracker/internal/types"
)

// UnitState 定义了用于看板展示的单元状态
// 这是一个简化的视图，只包含前端需要的数据
type UnitState struct {
	UnitID      string          `json:"unit_id"`
	Level       types.UnitLevel `json:"level"`
	LotCode     string          `json:"lot_code"`
	Status      string          `json:"status"`
	ProcessSeq  int             `json:"process_seq,omitempty"`  // 当前/最近执行的工序
	ProcessCode string          `json:"process_code,omitempty"` // 工序代码
}

// GlobalState 代表整个产线的实时状态快照
type GlobalState struct {
	Units map[string]UnitState `json:"units"`
}

// StateTracker 负责追踪所有单元的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
// 同时把自身的快照注册为新连接的初始帧来源
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: GlobalState{Units: make(map[string]UnitState)},
		hub:   hub,
	}
	hub.OnConnect(func() interface{} { return st.GetStateSnapshot() })
	return st
}

// AddUnit 将一个新单元添加到状态追踪器中，并广播
func (st *StateTracker) AddUnit(unitID string, level types.UnitLevel, lotCode, status string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.state.Units[unitID] = UnitState{
		UnitID:  unitID,
		Level:   level,
		LotCode: lotCode,
		Status:  status,
	}
	st.hub.BroadcastState(st.state)
}

// UpdateUnitState 更新单个单元的状态，并向所有客户端广播最新的全局状态
// 单元不存在时静默忽略，新单元通过 AddUnit 添加
func (st *StateTracker) UpdateUnitState(unitID string, processSeq int, processCode, status string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if unit, ok := st.state.Units[unitID]; ok {
		if processSeq > 0 {
			unit.ProcessSeq = processSeq
			unit.ProcessCode = processCode
		}
		unit.Status = status
		st.state.Units[unitID] = unit
	}

	st.hub.BroadcastState(st.state)
}

// RenameUnit 在在制品转为序列号时用新标识替换旧条目，并广播
func (st *StateTracker) RenameUnit(oldID, newID string, level types.UnitLevel, status string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	unit, ok := st.state.Units[oldID]
	if !ok {
		st.hub.BroadcastState(st.state)
		return
	}
	delete(st.state.Units, oldID)
	unit.UnitID = newID
	unit.Level = level
	unit.Status = status
	unit.ProcessSeq = 0
	unit.ProcessCode = ""
	st.state.Units[newID] = unit
	st.hub.BroadcastState(st.state)
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	newState := GlobalState{Units: make(map[string]UnitState)}
	for id, u := range st.state.Units {
		newState.Units[id] = u
	}
	return newState
}
