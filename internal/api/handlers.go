package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
	"github.com/sreeram77/gpu-collector/internal/watch"
)

// maxHistoryLimit caps the samples returned by one history request.
const maxHistoryLimit = 1000

// Largest periods and ages that still fit in a time.Duration.
const (
	maxPeriodUs   = math.MaxInt64 / int64(time.Microsecond)
	maxKeepAgeSec = float64(math.MaxInt64 / int64(time.Second))
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SampleResponse is one cached sample of a field.
type SampleResponse struct {
	Device    uint32          `json:"device"`
	Field     string          `json:"field"`
	Timestamp uint64          `json:"timestamp"`
	Value     telemetry.Value `json:"value"`
}

// HistoryResponse is a page of samples. Pass Next as since to continue.
type HistoryResponse struct {
	Samples []SampleResponse `json:"samples"`
	Next    uint64           `json:"next"`
}

// CreateGroupRequest creates a device group.
type CreateGroupRequest struct {
	Name    string   `json:"name" binding:"required"`
	Devices []uint32 `json:"devices"`
}

// AddDeviceRequest adds a device to a group.
type AddDeviceRequest struct {
	Device *uint32 `json:"device" binding:"required"`
}

// CreateFieldGroupRequest creates a field group. Fields are ids or names.
type CreateFieldGroupRequest struct {
	Name   string   `json:"name" binding:"required"`
	Fields []string `json:"fields" binding:"required"`
}

// WatchRequest registers a watch. Units follow the collector's external
// interface: microseconds for the period and seconds for the age.
type WatchRequest struct {
	GroupID        uint32  `json:"group_id"`
	FieldGroupID   uint32  `json:"field_group_id"`
	PeriodUs       int64   `json:"period_us"`
	MaxKeepAgeSec  float64 `json:"max_keep_age_s"`
	MaxKeepSamples int     `json:"max_keep_samples"`
}

// StartJobRequest starts job accounting.
type StartJobRequest struct {
	JobID    string `json:"job_id"`
	GroupID  uint32 `json:"group_id"`
	PeriodUs int64  `json:"period_us"`
}

// IDResponse reports the id of a created resource.
type IDResponse struct {
	ID uint32 `json:"id"`
}

// listFields handles GET /fields
func (s *Server) listFields(c *gin.Context) {
	c.JSON(http.StatusOK, telemetry.AllFields())
}

// listDevices handles GET /devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.collector.Devices()
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// getLatest handles GET /devices/:device/fields/:field/latest
func (s *Server) getLatest(c *gin.Context) {
	device, field, err := parseFieldKey(c)
	if err != nil {
		s.sendError(c, err)
		return
	}

	sample, err := s.collector.GetLatest(device, field)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSampleResponse(device, field, sample))
}

// getHistory handles GET /devices/:device/fields/:field/history?since=&limit=
func (s *Server) getHistory(c *gin.Context) {
	device, field, err := parseFieldKey(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	since, err := queryUint(c, "since", 0)
	if err != nil {
		s.sendError(c, err)
		return
	}
	limit, err := queryUint(c, "limit", 100)
	if err != nil {
		s.sendError(c, err)
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		s.sendError(c, fmt.Errorf("%w: limit must be between 1 and %d", telemetry.ErrBadParameter, maxHistoryLimit))
		return
	}

	resp := HistoryResponse{Samples: []SampleResponse{}, Next: since}
	for range limit {
		sample, next, err := s.collector.GetSince(device, field, resp.Next)
		if errors.Is(err, telemetry.ErrNotFound) {
			break
		}
		if err != nil {
			s.sendError(c, err)
			return
		}
		resp.Samples = append(resp.Samples, toSampleResponse(device, field, sample))
		resp.Next = next
	}
	c.JSON(http.StatusOK, resp)
}

// listGroups handles GET /groups
func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.groups.Groups()
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// createGroup handles POST /groups
func (s *Server) createGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	id, err := s.groups.CreateGroup(req.Name, req.Devices)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// addGroupDevice handles POST /groups/:id/devices
func (s *Server) addGroupDevice(c *gin.Context) {
	id, err := pathUint32(c, "id")
	if err != nil {
		s.sendError(c, err)
		return
	}
	var req AddDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	if err := s.groups.AddDevice(id, *req.Device); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteGroup handles DELETE /groups/:id
func (s *Server) deleteGroup(c *gin.Context) {
	id, err := pathUint32(c, "id")
	if err != nil {
		s.sendError(c, err)
		return
	}
	if err := s.groups.DeleteGroup(id); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listFieldGroups handles GET /field-groups
func (s *Server) listFieldGroups(c *gin.Context) {
	c.JSON(http.StatusOK, s.groups.FieldGroups())
}

// createFieldGroup handles POST /field-groups
func (s *Server) createFieldGroup(c *gin.Context) {
	var req CreateFieldGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	fields := make([]telemetry.FieldID, 0, len(req.Fields))
	for _, name := range req.Fields {
		field, err := parseField(name)
		if err != nil {
			s.sendError(c, err)
			return
		}
		fields = append(fields, field)
	}
	id, err := s.groups.CreateFieldGroup(req.Name, fields)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// deleteFieldGroup handles DELETE /field-groups/:id
func (s *Server) deleteFieldGroup(c *gin.Context) {
	id, err := pathUint32(c, "id")
	if err != nil {
		s.sendError(c, err)
		return
	}
	if err := s.groups.DeleteFieldGroup(id); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listWatches handles GET /watches
func (s *Server) listWatches(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Requests())
}

// createWatch handles POST /watches
func (s *Server) createWatch(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	period, err := periodFromMicros(req.PeriodUs)
	if err != nil {
		s.sendError(c, err)
		return
	}
	if req.MaxKeepAgeSec > maxKeepAgeSec {
		s.sendError(c, fmt.Errorf("%w: max_keep_age_s %g is out of range", telemetry.ErrBadParameter, req.MaxKeepAgeSec))
		return
	}
	opts := watch.Options{
		Period:         period,
		MaxKeepAge:     time.Duration(req.MaxKeepAgeSec * float64(time.Second)),
		MaxKeepSamples: req.MaxKeepSamples,
	}
	if err := s.collector.Watch(req.GroupID, req.FieldGroupID, opts); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// deleteWatch handles DELETE /watches/:group/:fieldGroup
func (s *Server) deleteWatch(c *gin.Context) {
	groupID, err := pathUint32(c, "group")
	if err != nil {
		s.sendError(c, err)
		return
	}
	fieldGroupID, err := pathUint32(c, "fieldGroup")
	if err != nil {
		s.sendError(c, err)
		return
	}
	if err := s.collector.Unwatch(groupID, fieldGroupID); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// updateAll handles POST /update?wait=true
func (s *Server) updateAll(c *gin.Context) {
	wait, err := strconv.ParseBool(c.DefaultQuery("wait", "false"))
	if err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	s.collector.UpdateAll(wait)
	c.Status(http.StatusAccepted)
}

// listJobs handles GET /jobs
func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.JobIDs())
}

// startJob handles POST /jobs
func (s *Server) startJob(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, badRequest(err))
		return
	}
	period, err := periodFromMicros(req.PeriodUs)
	if err != nil {
		s.sendError(c, err)
		return
	}
	id, err := s.collector.JobStart(req.JobID, req.GroupID, period)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

// getJobStats handles GET /jobs/:id
func (s *Server) getJobStats(c *gin.Context) {
	info, err := s.collector.JobGetStats(c.Param("id"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// stopJob handles POST /jobs/:id/stop
func (s *Server) stopJob(c *gin.Context) {
	if err := s.collector.JobStop(c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// removeJob handles DELETE /jobs/:id
func (s *Server) removeJob(c *gin.Context) {
	if err := s.collector.JobRemove(c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// removeAllJobs handles DELETE /jobs
func (s *Server) removeAllJobs(c *gin.Context) {
	s.collector.JobRemoveAll()
	c.Status(http.StatusNoContent)
}

func toSampleResponse(device uint32, field telemetry.FieldID, s telemetry.Sample) SampleResponse {
	return SampleResponse{
		Device:    device,
		Field:     field.String(),
		Timestamp: s.Timestamp,
		Value:     s.Value,
	}
}

func parseFieldKey(c *gin.Context) (uint32, telemetry.FieldID, error) {
	device, err := pathUint32(c, "device")
	if err != nil {
		return 0, 0, err
	}
	field, err := parseField(c.Param("field"))
	if err != nil {
		return 0, 0, err
	}
	return device, field, nil
}

// parseField accepts a numeric field id or a field name.
func parseField(s string) (telemetry.FieldID, error) {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		field := telemetry.FieldID(id)
		if !field.Valid() {
			return 0, fmt.Errorf("%w: unknown field id %d", telemetry.ErrBadParameter, id)
		}
		return field, nil
	}
	info, ok := telemetry.FieldByName(s)
	if !ok {
		return 0, fmt.Errorf("%w: unknown field %q", telemetry.ErrBadParameter, s)
	}
	return info.ID, nil
}

func pathUint32(c *gin.Context, name string) (uint32, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", telemetry.ErrBadParameter, name, c.Param(name))
	}
	return uint32(v), nil
}

func queryUint(c *gin.Context, name string, def uint64) (uint64, error) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", telemetry.ErrBadParameter, name, raw)
	}
	return v, nil
}

func periodFromMicros(us int64) (time.Duration, error) {
	if us > maxPeriodUs {
		return 0, fmt.Errorf("%w: period_us %d is out of range", telemetry.ErrBadParameter, us)
	}
	return time.Duration(us) * time.Microsecond, nil
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", telemetry.ErrBadParameter, err)
}

// httpStatus maps a collector status to an HTTP status code.
func httpStatus(status telemetry.Status) int {
	switch status {
	case telemetry.StatusOK:
		return http.StatusOK
	case telemetry.StatusBadParameter:
		return http.StatusBadRequest
	case telemetry.StatusNotFound:
		return http.StatusNotFound
	case telemetry.StatusConflict, telemetry.StatusAlreadyExist:
		return http.StatusConflict
	case telemetry.StatusMaxLimit:
		return http.StatusTooManyRequests
	case telemetry.StatusUnsupported:
		return http.StatusNotImplemented
	case telemetry.StatusHardwareError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError sends an error response
func (s *Server) sendError(c *gin.Context, err error) {
	status := telemetry.StatusOf(err)
	code := httpStatus(status)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, ErrorResponse{
		Code:    code,
		Status:  status.String(),
		Message: err.Error(),
	})
}
