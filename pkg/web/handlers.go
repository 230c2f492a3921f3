package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/services"
)

type APIHandlers struct {
	runService        *services.Run
	definitionService *services.Definition
	namespaceService  *services.Namespace
	validator         *validator.Validate
}

func NewAPIHandlers(
	runService *services.Run,
	definitionService *services.Definition,
	namespaceService *services.Namespace,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		runService:        runService,
		definitionService: definitionService,
		namespaceService:  namespaceService,
		validator:         validator,
	}
}

// RegisterRoutes attaches every endpoint to the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	definitions := app.Group("/definitions")
	definitions.Post("/", h.RegisterDefinition)
	definitions.Get("/", h.GetDefinitions)
	definitions.Get("/:id", h.GetDefinition)

	runs := app.Group("/runs")
	runs.Post("/", h.StartRun)
	runs.Get("/", h.GetRuns)
	runs.Get("/:id", h.GetRun)
	runs.Get("/:id/approvals", h.GetPendingApprovals)
	runs.Post("/:id/approvals/:approvalId", h.SignalApproval)
	runs.Post("/:id/cancel", h.CancelRun)

	namespaces := app.Group("/namespaces")
	namespaces.Post("/", h.SaveNamespace)
	namespaces.Get("/", h.GetNamespaces)
	namespaces.Get("/:name", h.GetNamespace)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.runService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) RegisterDefinition(c fiber.Ctx) error {
	var req services.RegisterDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	def, result, err := h.definitionService.RegisterDefinition(c.Context(), req)
	if err != nil {
		if result != nil && !result.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      err.Error(),
				"violations": result.Violations,
			})
		}

		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	defs, err := h.definitionService.ListDefinitions(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": defs})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.definitionService.GetDefinition(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.StartRun(c.Context(), services.StartRunRequest{
		DefinitionID: req.DefinitionID,
		Namespace:    req.Namespace,
		Input:        req.Input,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(newRunResponse(run))
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	req, err := h.parseListRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.runService.ListRuns(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, newRunResponse(run))
	}

	return c.JSON(fiber.Map{
		"runs": responses,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) parseListRunsRequest(c fiber.Ctx) (*services.ListRunsRequest, error) {
	req := &services.ListRunsRequest{
		Namespace: c.Query("namespace"),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		req.Status = &status
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	return req, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runService.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(newRunResponse(run))
}

func (h *APIHandlers) GetPendingApprovals(c fiber.Ctx) error {
	approvals, err := h.runService.ListPendingApprovals(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"approvals": approvals})
}

func (h *APIHandlers) SignalApproval(c fiber.Ctx) error {
	var req SignalApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	resolved, err := h.runService.SignalApproval(c.Context(), services.SignalApprovalRequest{
		RunID:      c.Params("id"),
		ApprovalID: c.Params("approvalId"),
		Decision:   req.Decision,
		DecidedBy:  req.DecidedBy,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(resolved)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.runService.CancelRun(c.Context(), c.Params("id"), req.Reason, req.RequestedBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) SaveNamespace(c fiber.Ctx) error {
	var req SaveNamespaceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ns, err := h.namespaceService.SaveNamespace(c.Context(), services.SaveNamespaceRequest{
		Name:          req.Name,
		Description:   req.Description,
		MaxConcurrent: req.MaxConcurrent,
		Retention:     time.Duration(req.RetentionSeconds) * time.Second,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(ns)
}

func (h *APIHandlers) GetNamespaces(c fiber.Ctx) error {
	namespaces, err := h.namespaceService.ListNamespaces(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"namespaces": namespaces})
}

func (h *APIHandlers) GetNamespace(c fiber.Ctx) error {
	status, err := h.namespaceService.GetNamespace(c.Context(), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}
