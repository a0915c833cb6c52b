package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"planboard/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 项目自动化规则的 HTTP 接口
type AutomationHandler struct {
	service *services.AutomationService
	feed    *services.RunFeed
}

func NewAutomationHandler(service *services.AutomationService, feed *services.RunFeed) *AutomationHandler {
	return &AutomationHandler{service: service, feed: feed}
}

// TaskEventRequest 任务变更事件（由任务 CRUD 调用方推送）
type TaskEventRequest struct {
	TaskID uint   `json:"task_id" binding:"required"`
	Event  string `json:"event" binding:"required"`
}

// ListAutomations 获取项目下的自动化规则
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	list, err := h.service.ListAutomations(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, "Failed to list automations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// CreateAutomation 创建自动化规则
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.service.CreateAutomation(c.Request.Context(), projectID, &req)
	if err != nil {
		respondError(c, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.service.GetAutomation(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// UpdateAutomation 更新自动化规则（统计字段保持不变）
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.service.UpdateAutomation(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteAutomation(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) ToggleAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.service.ToggleAutomation(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to toggle automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// TestAutomation 试运行，不写入任何统计
func (h *AutomationHandler) TestAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.service.TestAutomation(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to test automation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExecuteAutomation 立即执行并记录统计
func (h *AutomationHandler) ExecuteAutomation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.service.ExecuteAutomation(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to execute automation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProcessProject 提交项目扫描任务
func (h *AutomationHandler) ProcessProject(c *gin.Context) {
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	job, err := h.service.ProcessProject(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, "Failed to process project", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted", Data: job})
}

// HandleTaskEvent 任务创建/更新事件入口
func (h *AutomationHandler) HandleTaskEvent(c *gin.Context) {
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	var req TaskEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	// unknown kinds come back as a validation error from the service
	kind, _ := services.ParseEventKind(req.Event)
	results, err := h.service.HandleTaskEvent(c.Request.Context(), projectID, req.TaskID, kind)
	if err != nil {
		respondError(c, "Failed to handle task event", err)
		return
	}
	if results == nil {
		results = []*services.RunResult{}
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "processed", Data: results})
}

func (h *AutomationHandler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListWorkflowTemplates())
}

// ListRuns 自动化执行记录（分页）
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	runs, total, err := h.service.ListRuns(c.Request.Context(), id, page, pageSize)
	if err != nil {
		respondError(c, "Failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    int(math.Ceil(float64(total) / float64(pageSize))),
	})
}

// Feed 订阅项目的运行结果（WebSocket）
func (h *AutomationHandler) Feed(c *gin.Context) {
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Feed unavailable", Message: "run feed is not enabled"})
		return
	}
	h.feed.HandleWebSocket(c, projectID)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	projects := r.Group("/projects/:project_id")
	{
		projects.GET("/automations", handler.ListAutomations)
		projects.POST("/automations", handler.CreateAutomation)
		projects.POST("/automations/process", handler.ProcessProject)
		projects.GET("/automations/feed", handler.Feed)
		projects.POST("/events", handler.HandleTaskEvent)
	}

	r.GET("/automation-templates", handler.ListTemplates)

	auto := r.Group("/automations")
	{
		auto.GET("/:id", handler.GetAutomation)
		auto.PUT("/:id", handler.UpdateAutomation)
		auto.DELETE("/:id", handler.DeleteAutomation)
		auto.POST("/:id/toggle", handler.ToggleAutomation)
		auto.POST("/:id/test", handler.TestAutomation)
		auto.POST("/:id/execute", handler.ExecuteAutomation)
		auto.GET("/:id/runs", handler.ListRuns)
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		msg := "must be a positive integer"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid " + name, Message: msg})
		return 0, false
	}
	return uint(id), true
}

// respondError maps service errors onto status codes: validation 422,
// missing resources 404, a project locked by a running sweep 409, anything
// else 500.
func respondError(c *gin.Context, title string, err error) {
	status := http.StatusInternalServerError
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, services.ErrValidation):
		status = http.StatusUnprocessableEntity
	case services.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrProjectBusy):
		status = http.StatusConflict
	}
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error(), Code: status})
}
