package echoapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
)

type (
	intakeResponse struct {
		Success bool `json:"success"`
		attendance.IngestResult
	}

	// reportQuery holds the query params shared by the report endpoints.
	reportQuery struct {
		Date    string `json:"date" validate:"required,datekey"`
		Grade   string `json:"grade" validate:"max=32"`
		Section string `json:"section" validate:"max=32"`
		Period  *int   `json:"period" validate:"omitempty,min=0,max=24"`
	}

	finalizeRequest struct {
		Date string `json:"date" validate:"required,datekey"`
	}
)

func (q *reportQuery) Bind(ctx echo.Context) error {
	q.Date = strings.TrimSpace(ctx.QueryParam("date"))
	q.Grade = strings.TrimSpace(ctx.QueryParam("grade"))
	q.Section = strings.TrimSpace(ctx.QueryParam("section"))
	if p := strings.TrimSpace(ctx.QueryParam("period")); p != "" {
		period, err := strconv.Atoi(p)
		if err != nil {
			return core.NewFieldValidationError("period", "period must be a number")
		}
		q.Period = &period
	}
	return nil
}

type attendanceApi struct {
	svc      *attendance.Service
	validate *validator.Validate
}

func registerAttendanceAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := attendanceApi{
		svc:      deps.Attendance,
		validate: deps.Validate,
	}

	// capture devices authenticate with the school's intake key
	g.POST("/schools/:school/attendance/events", api.ingest, intakeMiddleware(api.svc, deps.Conf.Attendance.IntakeKeyHeader))

	ag := g.Group("/attendance", jwt, staffMiddleware())
	ag.POST("/marks", api.recordMarks)
	ag.GET("/reconciliation", api.reconciliation)
	ag.GET("/days", api.days)
	ag.POST("/finalize", api.finalize, adminMiddleware())
	ag.PATCH("/events/:eventId", api.triage, adminMiddleware())
}

// Handlers

func (api *attendanceApi) ingest(ctx echo.Context) error {
	sch, err := getContextSchool(ctx)
	if err != nil {
		return err
	}

	var data attendance.CapturePayload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CapturePayload")
	}
	// self-tests from devices are acknowledged whatever they carry
	if !data.Test {
		if err = api.validate.Struct(data); err != nil {
			return err
		}
	}

	res, err := api.svc.IngestEvent(ctx.Request().Context(), sch, data)
	if err != nil {
		return errors.Wrap(err, "ingesting attendance event")
	}
	return ctx.JSON(http.StatusOK, intakeResponse{Success: true, IngestResult: res})
}

func (api *attendanceApi) recordMarks(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data attendance.NewMarks
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMarks")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.svc.RecordTeacherMarks(ctx.Request().Context(), actor, data)
	if err != nil {
		return errors.Wrap(err, "recording teacher marks")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceApi) reconciliation(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var q reportQuery
	if err = q.Bind(ctx); err != nil {
		return err
	}
	if err = api.validate.Struct(q); err != nil {
		return err
	}

	report, err := api.svc.Reconcile(ctx.Request().Context(), attendance.ReconcileQuery{
		SchoolID: actor.SchoolID,
		DateKey:  q.Date,
		Grade:    q.Grade,
		Section:  q.Section,
		Period:   q.Period,
	})
	if err != nil {
		return errors.Wrap(err, "reconciling attendance")
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *attendanceApi) days(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var q reportQuery
	if err = q.Bind(ctx); err != nil {
		return err
	}
	if err = api.validate.Struct(q); err != nil {
		return err
	}

	days, err := api.svc.DayStatuses(ctx.Request().Context(), actor.SchoolID, q.Date, q.Grade, q.Section)
	if err != nil {
		return errors.Wrap(err, "querying day statuses")
	}
	return ctx.JSON(http.StatusOK, days)
}

func (api *attendanceApi) finalize(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data finalizeRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to finalizeRequest")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.svc.Finalizer().FinalizeSchool(ctx.Request().Context(), actor.SchoolID, data.Date)
	if err != nil {
		return errors.Wrap(err, "finalizing attendance day")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceApi) triage(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data attendance.EventTriage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EventTriage")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	evt, err := api.svc.TriageEvent(ctx.Request().Context(), actor.SchoolID, ctx.Param("eventId"), data)
	if err != nil {
		return errors.Wrap(err, "triaging attendance event")
	}
	return ctx.JSON(http.StatusOK, evt)
}
