package rules

import (
	"errors"
	"fmt"
)

// 业务规则违例的稳定代码
// 每种违例都是具名条件，携带可读说明，调用方据此区分处理而不是解析消息文本
const (
	CodeLotNotEligible     = "LOT_NOT_ELIGIBLE"     // 批次状态不允许发放单元
	CodeQuantityOutOfRange = "QUANTITY_OUT_OF_RANGE"
	CodeUnitConverted      = "UNIT_CONVERTED"     // 单元已转序列号，不可再执行工序
	CodeProcessOutOfOrder  = "PROCESS_OUT_OF_ORDER"
	CodeNotStarted         = "NOT_STARTED"        // 完成时找不到在制记录
	CodeDuplicatePass      = "DUPLICATE_PASS"     // 同一 (单元, 工序) 已存在合格记录
	CodeReworkLimit        = "REWORK_LIMIT"       // 返工次数超限
	CodeConversionBlocked  = "CONVERSION_BLOCKED" // 转换前置条件不满足
	CodeUnitNotFound       = "UNIT_NOT_FOUND"
	CodeProcessNotFound    = "PROCESS_NOT_FOUND"
	CodeHeaderNotOpen      = "HEADER_NOT_OPEN"
	CodeHeaderAlreadyOpen  = "HEADER_ALREADY_OPEN" // 同一 (工站, 批次, 工序) 已有 OPEN 会话
	CodeInvalidStatus      = "INVALID_STATUS" // 单元状态不允许该转移
	CodeInvalidResult      = "INVALID_RESULT"
)

// Violation 具名的业务规则违例
// 违例不会破坏状态：引擎要么完整应用一次转移，要么完整拒绝
type Violation struct {
	Code    string // 稳定代码，见上方常量
	Message string // 面向人的说明
}

func (v *Violation) Error() string {
	return v.Code + ": " + v.Message
}

func violation(code, format string, args ...interface{}) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...)}
}

// New 构造一个业务违例，供编排层在规则函数之外使用（如单元不存在）
func New(code, format string, args ...interface{}) *Violation {
	return violation(code, format, args...)
}

// AsViolation 从错误链中提取业务违例
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsCode 判断错误是否为指定代码的业务违例
func IsCode(err error, code string) bool {
	v, ok := AsViolation(err)
	return ok && v.Code == code
}
