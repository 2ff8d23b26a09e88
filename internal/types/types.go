package types

import (
	"fmt"
	"time"
)

// UnitLevel 区分单元的追踪层级
// 转序列号之前按 WIP 追踪，之后按序列号追踪
type UnitLevel string

const (
	LevelWIP    UnitLevel = "WIP"    // 转换前的在制品层级
	LevelSerial UnitLevel = "SERIAL" // 赋予正式序列号之后的层级
)

// LotStatus 批次状态
type LotStatus string

const (
	LotCreated    LotStatus = "CREATED"     // 批次已创建，尚未投产
	LotInProgress LotStatus = "IN_PROGRESS" // 批次已开始发放 WIP 单元
	LotCompleted  LotStatus = "COMPLETED"   // 批次内单元全部完成
	LotClosed     LotStatus = "CLOSED"      // 批次已关闭，不再发放单元
)

// WIPStatus 在制品单元的生命周期状态
type WIPStatus string

const (
	WIPCreated    WIPStatus = "CREATED"     // 随批次创建，等待首道工序
	WIPInProgress WIPStatus = "IN_PROGRESS" // 正在执行工序
	WIPCompleted  WIPStatus = "COMPLETED"   // 全部必经工序已通过
	WIPFailed     WIPStatus = "FAILED"      // 工序失败，等待返工或报废
	WIPConverted  WIPStatus = "CONVERTED"   // 已转为正式序列号，终态，不可再变更
)

// SerialStatus 序列号单元的生命周期状态
type SerialStatus string

const (
	SerialCreated    SerialStatus = "CREATED"     // 转换时创建
	SerialInProgress SerialStatus = "IN_PROGRESS" // 正在执行转换后的工序
	SerialPassed     SerialStatus = "PASSED"      // 终态，全部工序通过
	SerialFailed     SerialStatus = "FAILED"      // 工序失败，返工次数受限
)

// ExecResult 单次工序执行的结果
type ExecResult string

const (
	ResultPending ExecResult = "pending" // 在制中，尚未完成
	ResultPass    ExecResult = "pass"    // 合格
	ResultFail    ExecResult = "fail"    // 不合格
	ResultRework  ExecResult = "rework"  // 以返工方式结束本次尝试
)

// Valid 判断结果值是否属于闭合枚举
func (r ExecResult) Valid() bool {
	switch r {
	case ResultPending, ResultPass, ResultFail, ResultRework:
		return true
	}
	return false
}

// HeaderStatus 执行头（工站批次会话）状态
type HeaderStatus string

const (
	HeaderOpen      HeaderStatus = "OPEN"      // 会话进行中，接收执行记录
	HeaderClosed    HeaderStatus = "CLOSED"    // 会话正常结束
	HeaderCancelled HeaderStatus = "CANCELLED" // 会话被取消
)

// ProcessDefinition 工序定义，发布后不可变的参考数据
// SeqNo 在激活的工序中必须连续且唯一 (1..N)
type ProcessDefinition struct {
	ID             int64  `json:"id"`
	SeqNo          int    `json:"seq_no"`          // 工艺路线中的顺序号
	Code           string `json:"code"`            // 工序代码 (e.g. SMT, AOI, FQC)
	PostConversion bool   `json:"post_conversion"` // 是否在转序列号之后执行
	LimitRule      string `json:"limit_rule"`      // 可选的测量值判定表达式 (expr 语法)
	Active         bool   `json:"active"`
}

// Lot 生产批次，约束批内顺序号的范围
type Lot struct {
	ID        int64     `json:"id"`
	LotCode   string    `json:"lot_code"` // 固定 11 位批次码
	Status    LotStatus `json:"status"`
	Capacity  int       `json:"capacity"` // 批次容量，1..100
	CreatedAt time.Time `json:"created_at"`
}

// WIPItem 在制品单元，转序列号之前的追踪实体
type WIPItem struct {
	ID               int64     `json:"id"`
	WIPID            string    `json:"wip_id"` // 固定格式 WIP-<批次码>-<三位顺序号>
	LotID            int64     `json:"lot_id"`
	SeqInLot         int       `json:"seq_in_lot"` // 批内顺序号，1..批次容量
	Status           WIPStatus `json:"status"`
	CurrentProcessID *int64    `json:"current_process_id,omitempty"` // 正在执行的工序，空闲时为空
	SerialUnitID     *int64    `json:"serial_unit_id,omitempty"`     // 转换后指向序列号单元
	ReworkCount      int       `json:"rework_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SerialUnit 序列号单元，转换之后的追踪实体
// FailureReason 仅在状态为 FAILED 时必填
type SerialUnit struct {
	ID            int64        `json:"id"`
	SerialNumber  string       `json:"serial_number"`
	LotID         int64        `json:"lot_id"`
	SeqInLot      int          `json:"seq_in_lot"`
	Status        SerialStatus `json:"status"`
	ReworkCount   int          `json:"rework_count"` // 0..3
	FailureReason *string      `json:"failure_reason,omitempty"`
	WIPItemID     int64        `json:"wip_item_id"` // 来源在制品单元，一对一
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Measurements 工序测量数据，各工序结构不同，保持无模式的键值负载
type Measurements map[string]interface{}

// Defect 单条缺陷信息，同样保持无模式
type Defect map[string]interface{}

// ExecutionRecord 工序执行台账中的一行，对应一次 (单元, 工序) 尝试
// CompletedAt 为空表示在制中；同一 (单元, 工序) 最多存在一条在制记录
type ExecutionRecord struct {
	ID           int64        `json:"id"`
	LotID        int64        `json:"lot_id"`
	WIPItemID    *int64       `json:"wip_item_id,omitempty"`
	SerialUnitID *int64       `json:"serial_unit_id,omitempty"`
	Level        UnitLevel    `json:"level"` // 判别字段：WIP 或 SERIAL
	ProcessID    int64        `json:"process_id"`
	OperatorID   string       `json:"operator_id"`
	EquipmentID  *string      `json:"equipment_id,omitempty"`
	HeaderID     *string      `json:"header_id,omitempty"` // 可选关联的执行头
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	DurationMs   *int64       `json:"duration_ms,omitempty"` // 完成时计算 = completed - started
	Result       ExecResult   `json:"result"`
	Measurements Measurements `json:"measurements,omitempty"`
	Defects      []Defect     `json:"defects,omitempty"`
	ReworkCount  int          `json:"rework_count"`
}

// ExecutionHeader 执行头，聚合一个工站批次会话内的执行记录
// 同一 (工站, 批次, 工序) 最多存在一个 OPEN 状态的执行头
type ExecutionHeader struct {
	ID                string                 `json:"id"` // UUID
	StationID         string                 `json:"station_id"`
	BatchID           string                 `json:"batch_id"`
	ProcessID         int64                  `json:"process_id"`
	Status            HeaderStatus           `json:"status"`
	ParameterSnapshot map[string]interface{} `json:"parameter_snapshot,omitempty"` // 开站时的工艺参数快照
	HardwareSnapshot  map[string]interface{} `json:"hardware_snapshot,omitempty"`  // 开站时的设备快照
	OpenedAt          time.Time              `json:"opened_at"`
	ClosedAt          *time.Time             `json:"closed_at,omitempty"` // 不变式: closed_at >= opened_at
	TotalCount        int                    `json:"total_count"`
	PassCount         int                    `json:"pass_count"`
	FailCount         int                    `json:"fail_count"`
}

// UnitRef 通过外部标识引用一个单元（WIP ID 或序列号）
type UnitRef struct {
	Level UnitLevel `json:"level"`
	ID    string    `json:"id"`
}

// 批次码与批内顺序号的边界约束
const (
	LotCodeLength = 11  // 批次码固定长度
	MaxLotSeq     = 100 // 批内顺序号上限
)

// FormatWIPID 生成固定 19 位的 WIP 标识
// 格式: WIP-<11位批次码>-<3位零填充顺序号>，例如 WIP-KR01PSA2511-001
func FormatWIPID(lotCode string, seq int) string {
	return fmt.Sprintf("WIP-%s-%03d", lotCode, seq)
}

// FormatSerialNumber 生成默认的序列号，与 WIP 标识格式平行
func FormatSerialNumber(lotCode string, seq int) string {
	return fmt.Sprintf("SER-%s-%03d", lotCode, seq)
}

// ValidateLotCode 校验批次码长度
func ValidateLotCode(code string) error {
	if len(code) != LotCodeLength {
		return fmt.Errorf("lot code must be %d characters, got %d", LotCodeLength, len(code))
	}
	return nil
}
