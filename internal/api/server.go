// Package api 暴露追踪器的 HTTP 接口
// 业务违例按稳定代码映射为 4xx 状态，基础设施错误一律 500
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mes-unit-tracker/internal/engine"
	"mes-unit-tracker/internal/rules"
	"mes-unit-tracker/internal/store"
	"mes-unit-tracker/internal/types"
	"mes-unit-tracker/internal/util"
	"mes-unit-tracker/internal/web"
)

// Server 持有处理请求所需的协作方
type Server struct {
	tracker *engine.Tracker
	hub     *web.Hub
	state   *web.StateTracker
	logger  *slog.Logger
}

// NewServer 创建 API 服务器
func NewServer(tracker *engine.Tracker, hub *web.Hub, st *web.StateTracker, logger *slog.Logger) *Server {
	return &Server{tracker: tracker, hub: hub, state: st, logger: logger.With("component", "api")}
}

// NewMux 注册全部路由并返回 mux
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.ServeWs)
	mux.HandleFunc("GET /api/state", s.handleState)

	mux.HandleFunc("POST /api/lots", s.handleCreateLot)
	mux.HandleFunc("POST /api/lots/{code}/wip", s.handleGenerateWIP)
	mux.HandleFunc("POST /api/process/start", s.handleStartProcess)
	mux.HandleFunc("POST /api/process/complete", s.handleCompleteProcess)
	mux.HandleFunc("POST /api/convert", s.handleConvert)
	mux.HandleFunc("GET /api/units/{id}", s.handleUnitStatus)

	mux.HandleFunc("POST /api/headers", s.handleOpenHeader)
	mux.HandleFunc("GET /api/headers/{id}", s.handleGetHeader)
	mux.HandleFunc("POST /api/headers/{id}/close", s.handleCloseHeader)
	mux.HandleFunc("POST /api/headers/{id}/cancel", s.handleCancelHeader)
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.GetStateSnapshot())
}

type createLotRequest struct {
	LotCode  string `json:"lot_code"`
	Capacity int    `json:"capacity"`
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req createLotRequest
	if !s.decode(w, r, &req) {
		return
	}
	lot, err := s.tracker.CreateLot(ctx, req.LotCode, req.Capacity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

type generateWIPRequest struct {
	Qty int `json:"qty"`
}

func (s *Server) handleGenerateWIP(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req generateWIPRequest
	if !s.decode(w, r, &req) {
		return
	}
	items, err := s.tracker.GenerateWIPBatch(ctx, r.PathValue("code"), req.Qty)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, items)
}

type startProcessRequest struct {
	Unit        types.UnitRef `json:"unit"`
	ProcessSeq  int           `json:"process_seq"`
	OperatorID  string        `json:"operator_id"`
	EquipmentID *string       `json:"equipment_id,omitempty"`
	HeaderID    *string       `json:"header_id,omitempty"`
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req startProcessRequest
	if !s.decode(w, r, &req) {
		return
	}
	recordID, err := s.tracker.StartProcess(ctx, engine.StartRequest{
		Unit: req.Unit, ProcessSeq: req.ProcessSeq, OperatorID: req.OperatorID,
		EquipmentID: req.EquipmentID, HeaderID: req.HeaderID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"record_id": recordID})
}

type completeProcessRequest struct {
	Unit         types.UnitRef      `json:"unit"`
	ProcessSeq   int                `json:"process_seq"`
	OperatorID   string             `json:"operator_id"`
	EquipmentID  *string            `json:"equipment_id,omitempty"`
	Result       types.ExecResult   `json:"result"`
	Measurements types.Measurements `json:"measurements,omitempty"`
	Defects      []types.Defect     `json:"defects,omitempty"`
}

func (s *Server) handleCompleteProcess(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req completeProcessRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.tracker.CompleteProcess(ctx, engine.CompleteRequest{
		Unit: req.Unit, ProcessSeq: req.ProcessSeq, OperatorID: req.OperatorID,
		EquipmentID: req.EquipmentID, Result: req.Result,
		Measurements: req.Measurements, Defects: req.Defects,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type convertRequest struct {
	WIPID        string `json:"wip_id"`
	SerialNumber string `json:"serial_number,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req convertRequest
	if !s.decode(w, r, &req) {
		return
	}
	serial, err := s.tracker.ConvertToSerial(ctx, req.WIPID, req.SerialNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, serial)
}

func (s *Server) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	level := types.LevelWIP
	if r.URL.Query().Get("level") == string(types.LevelSerial) {
		level = types.LevelSerial
	}
	view, err := s.tracker.UnitStatus(ctx, types.UnitRef{Level: level, ID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type openHeaderRequest struct {
	StationID         string                 `json:"station_id"`
	BatchID           string                 `json:"batch_id"`
	ProcessSeq        int                    `json:"process_seq"`
	ParameterSnapshot map[string]interface{} `json:"parameter_snapshot,omitempty"`
	HardwareSnapshot  map[string]interface{} `json:"hardware_snapshot,omitempty"`
}

func (s *Server) handleOpenHeader(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	var req openHeaderRequest
	if !s.decode(w, r, &req) {
		return
	}
	header, err := s.tracker.OpenHeader(ctx, req.StationID, req.BatchID, req.ProcessSeq,
		req.ParameterSnapshot, req.HardwareSnapshot)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, header)
}

func (s *Server) handleGetHeader(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	header, err := s.tracker.HeaderSummary(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (s *Server) handleCloseHeader(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	header, err := s.tracker.CloseHeader(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (s *Server) handleCancelHeader(w http.ResponseWriter, r *http.Request) {
	ctx := util.ContextFromRequest(r)
	header, err := s.tracker.CancelHeader(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("解析请求体失败", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError 将业务违例映射为 HTTP 状态码
// 并发冲突与重复性违例返回 409，不存在返回 404，参数问题返回 400，
// 其余业务违例统一 422，基础设施错误 500
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if v, ok := rules.AsViolation(err); ok {
		status := http.StatusUnprocessableEntity
		switch v.Code {
		case rules.CodeDuplicatePass, rules.CodeHeaderAlreadyOpen:
			status = http.StatusConflict
		case rules.CodeUnitNotFound, rules.CodeProcessNotFound:
			status = http.StatusNotFound
		case rules.CodeQuantityOutOfRange, rules.CodeInvalidResult:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"code": v.Code, "error": v.Message})
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"code": "CONFLICT", "error": err.Error()})
		return
	}
	s.logger.Error("请求处理失败", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
