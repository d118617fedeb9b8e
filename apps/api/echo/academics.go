package echoapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/user"
)

type academicsApi struct {
	svc      academics.ServiceInterface
	userSvc  user.ServiceInterface
	validate *validator.Validate
}

func registerAcademicsAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := academicsApi{
		svc:      opts.AcademicsSvc,
		userSvc:  opts.UserSvc,
		validate: opts.Validate,
	}

	ag := g.Group("/academics", jwt)

	ag.POST("/attendance", api.recordAttendance, teachingStaffMiddleware())
	ag.GET("/attendance", api.queryAttendance)
	ag.GET("/attendance/stats", api.attendanceStats)

	ag.POST("/evaluations", api.createEvaluation, teachingStaffMiddleware())
	ag.POST("/evaluations/:id/publish", api.publishEvaluation, teachingStaffMiddleware())
	ag.POST("/evaluations/mark-late", api.markLateEvaluations, staffMiddleware())
	ag.GET("/evaluations", api.queryEvaluations)

	ag.POST("/grades", api.recordGrade, teachingStaffMiddleware())
	ag.GET("/grades", api.queryGrades)

	ag.POST("/observations", api.recordObservation, teachingStaffMiddleware())
	ag.POST("/observations/:id/resolve", api.resolveObservation, teachingStaffMiddleware())
	ag.GET("/observations", api.queryObservations)

	ag.POST("/alerts", api.createAlert, staffMiddleware())
	ag.POST("/alerts/:id/close", api.closeAlert, staffMiddleware())
	ag.POST("/alerts/scan", api.scanForRisk, staffMiddleware())
	ag.GET("/alerts", api.queryAlerts, teachingStaffMiddleware())

	ag.POST("/reports/generate", api.generateReports, staffMiddleware())
	ag.GET("/reports", api.retrieveReport)
	ag.GET("/reports/export.csv", api.exportReportCSV, teachingStaffMiddleware())
}

// scopeStudentID narrows a requested student to what the caller may see.
// Students only see themselves; guardians only their linked students.
func (api *academicsApi) scopeStudentID(ctx echo.Context, requested int) (int, error) {
	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return 0, errors.Wrap(err, "getting context user")
	}

	switch {
	case ctxUsr.IsStudent():
		if requested != 0 && requested != ctxUsr.ID {
			return 0, errHttpForbidden
		}
		return ctxUsr.ID, nil
	case ctxUsr.IsGuardian():
		if requested == 0 {
			return 0, errHttpForbidden
		}
		students, err := api.userSvc.Students(ctx.Request().Context(), ctxUsr.ID)
		if err != nil {
			return 0, errors.Wrap(err, "querying linked students")
		}
		for _, s := range students {
			if s.ID == requested {
				return requested, nil
			}
		}
		return 0, errHttpForbidden
	default:
		return requested, nil
	}
}

func (api *academicsApi) recordAttendance(ctx echo.Context) error {
	var data academics.NewAttendance
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAttendance")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	record, err := api.svc.RecordAttendance(ctx.Request().Context(), data, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "recording attendance")
	}
	return ctx.JSON(http.StatusCreated, record)
}

func (api *academicsApi) queryAttendance(ctx echo.Context) error {
	filter := new(academics.AttendanceFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []academics.Attendance{})
	}

	studentID, err := api.scopeStudentID(ctx, filter.StudentID)
	if err != nil {
		return err
	}
	filter.StudentID = studentID

	records, err := api.svc.Attendance(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying attendance")
	}
	return ctx.JSON(http.StatusOK, records)
}

func (api *academicsApi) attendanceStats(ctx echo.Context) error {
	requested, _ := strconv.Atoi(ctx.QueryParam("student_id"))
	courseID, _ := strconv.Atoi(ctx.QueryParam("course_id"))

	studentID, err := api.scopeStudentID(ctx, requested)
	if err != nil {
		return err
	}
	if studentID == 0 {
		return errHttpNotFound
	}

	from, _ := time.Parse("2006-01-02", ctx.QueryParam("from"))
	to, _ := time.Parse("2006-01-02", ctx.QueryParam("to"))

	stats, err := api.svc.StudentAttendanceStats(ctx.Request().Context(), studentID, courseID, from, to)
	if err != nil {
		return errors.Wrap(err, "computing attendance stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *academicsApi) createEvaluation(ctx echo.Context) error {
	var data academics.NewEvaluation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewEvaluation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	eval, err := api.svc.CreateEvaluation(ctx.Request().Context(), data, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "creating evaluation")
	}
	return ctx.JSON(http.StatusCreated, eval)
}

func (api *academicsApi) publishEvaluation(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	eval, err := api.svc.PublishEvaluation(ctx.Request().Context(), id, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "publishing evaluation")
	}
	return ctx.JSON(http.StatusOK, eval)
}

func (api *academicsApi) markLateEvaluations(ctx echo.Context) error {
	n, err := api.svc.MarkLateEvaluations(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "marking late evaluations")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *academicsApi) queryEvaluations(ctx echo.Context) error {
	filter := new(academics.EvaluationFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []academics.Evaluation{})
	}

	// students and guardians only see published evaluations
	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if ctxUsr.IsStudent() || ctxUsr.IsGuardian() {
		filter.Status = academics.EvalPublished
	}

	evals, err := api.svc.Evaluations(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying evaluations")
	}
	return ctx.JSON(http.StatusOK, evals)
}

func (api *academicsApi) recordGrade(ctx echo.Context) error {
	var data academics.NewGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGrade")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	grade, err := api.svc.RecordGrade(ctx.Request().Context(), data, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "recording grade")
	}
	return ctx.JSON(http.StatusCreated, grade)
}

func (api *academicsApi) queryGrades(ctx echo.Context) error {
	filter := new(academics.GradeFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []academics.Grade{})
	}

	studentID, err := api.scopeStudentID(ctx, filter.StudentID)
	if err != nil {
		return err
	}
	filter.StudentID = studentID

	grades, err := api.svc.Grades(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying grades")
	}
	return ctx.JSON(http.StatusOK, grades)
}

func (api *academicsApi) recordObservation(ctx echo.Context) error {
	var data academics.NewObservation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewObservation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	obs, err := api.svc.RecordObservation(ctx.Request().Context(), data, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "recording observation")
	}
	return ctx.JSON(http.StatusCreated, obs)
}

func (api *academicsApi) resolveObservation(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	var data academics.ObservationResolution
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ObservationResolution")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	obs, err := api.svc.ResolveObservation(ctx.Request().Context(), id, data, ctxUsr)
	if err != nil {
		return errors.Wrap(err, "resolving observation")
	}
	return ctx.JSON(http.StatusOK, obs)
}

func (api *academicsApi) queryObservations(ctx echo.Context) error {
	filter := new(academics.ObservationFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []academics.Observation{})
	}

	studentID, err := api.scopeStudentID(ctx, filter.StudentID)
	if err != nil {
		return err
	}
	filter.StudentID = studentID

	observations, err := api.svc.Observations(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying observations")
	}
	return ctx.JSON(http.StatusOK, observations)
}

func (api *academicsApi) createAlert(ctx echo.Context) error {
	var data academics.NewAlert
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAlert")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	alert, err := api.svc.CreateAlert(ctx.Request().Context(), data, &ctxUsr)
	if err != nil {
		return errors.Wrap(err, "creating alert")
	}
	return ctx.JSON(http.StatusCreated, alert)
}

func (api *academicsApi) closeAlert(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	alert, err := api.svc.CloseAlert(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "closing alert")
	}
	return ctx.JSON(http.StatusOK, alert)
}

func (api *academicsApi) scanForRisk(ctx echo.Context) error {
	termID, err := strconv.Atoi(ctx.QueryParam("term_id"))
	if err != nil {
		return errors.Wrap(err, "parsing term_id")
	}

	n, err := api.svc.ScanForRisk(ctx.Request().Context(), termID)
	if err != nil {
		return errors.Wrap(err, "scanning for risk")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *academicsApi) queryAlerts(ctx echo.Context) error {
	filter := new(academics.AlertFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []academics.EarlyAlert{})
	}

	alerts, err := api.svc.Alerts(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying alerts")
	}
	return ctx.JSON(http.StatusOK, alerts)
}

func (api *academicsApi) generateReports(ctx echo.Context) error {
	termID, err := strconv.Atoi(ctx.QueryParam("term_id"))
	if err != nil {
		return errors.Wrap(err, "parsing term_id")
	}
	reqCtx := ctx.Request().Context()

	if studentID, err := strconv.Atoi(ctx.QueryParam("student_id")); err == nil && studentID != 0 {
		report, err := api.svc.GenerateTermReport(reqCtx, studentID, termID)
		if err != nil {
			return errors.Wrap(err, "generating term report")
		}
		return ctx.JSON(http.StatusOK, report)
	}

	n, err := api.svc.GenerateTermReports(reqCtx, termID)
	if err != nil {
		return errors.Wrap(err, "generating term reports")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *academicsApi) retrieveReport(ctx echo.Context) error {
	requested, _ := strconv.Atoi(ctx.QueryParam("student_id"))
	termID, err := strconv.Atoi(ctx.QueryParam("term_id"))
	if err != nil {
		return errors.Wrap(err, "parsing term_id")
	}

	studentID, err := api.scopeStudentID(ctx, requested)
	if err != nil {
		return err
	}
	if studentID == 0 {
		return errHttpNotFound
	}

	report, err := api.svc.TermReportFor(ctx.Request().Context(), studentID, termID)
	if err != nil {
		return errors.Wrap(err, "getting term report")
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *academicsApi) exportReportCSV(ctx echo.Context) error {
	courseID, _ := strconv.Atoi(ctx.QueryParam("course_id"))
	subjectID, _ := strconv.Atoi(ctx.QueryParam("subject_id"))
	termID, err := strconv.Atoi(ctx.QueryParam("term_id"))
	if err != nil {
		return errors.Wrap(err, "parsing term_id")
	}

	data, err := api.svc.ExportTermReportCSV(ctx.Request().Context(), courseID, subjectID, termID)
	if err != nil {
		return errors.Wrap(err, "exporting report")
	}

	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="reporte_notas.csv"`)
	return ctx.Blob(http.StatusOK, "text/csv", data)
}

type CountResponse struct {
	Count int `json:"count"`
}
