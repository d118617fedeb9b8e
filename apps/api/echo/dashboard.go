package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

// latestGradeCount caps the grade feed on student/guardian dashboards.
const latestGradeCount = 10

type dashboardApi struct {
	userSvc      user.ServiceInterface
	schoolSvc    school.ServiceInterface
	academicsSvc academics.ServiceInterface
}

func registerDashboardAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := dashboardApi{
		userSvc:      opts.UserSvc,
		schoolSvc:    opts.SchoolSvc,
		academicsSvc: opts.AcademicsSvc,
	}

	dg := g.Group("/dashboard", jwt)
	dg.GET("/student", api.student, roleMiddleware(user.RoleStudent))
	dg.GET("/teacher", api.teacher, roleMiddleware(user.RoleTeacher))
	dg.GET("/guardian", api.guardian, roleMiddleware(user.RoleGuardian))
	dg.GET("/director", api.director, staffMiddleware())
}

type (
	StudentSummary struct {
		Student      user.User                 `json:"student"`
		Enrollments  []school.Enrollment       `json:"enrollments"`
		LatestGrades []academics.Grade         `json:"latest_grades"`
		Attendance   academics.AttendanceStats `json:"attendance"`
		Observations []academics.Observation   `json:"observations"`
	}

	TeacherDashboard struct {
		Assignments        []school.TeachingAssignment `json:"assignments"`
		PendingEvaluations []academics.Evaluation      `json:"pending_evaluations"`
		OpenAlerts         []academics.EarlyAlert      `json:"open_alerts"`
	}

	GuardianDashboard struct {
		Students []StudentSummary `json:"students"`
	}

	DirectorDashboard struct {
		ActiveYear  *school.AcademicYear   `json:"active_year,omitempty"`
		RoleCounts  map[string]int         `json:"role_counts"`
		CourseCount int                    `json:"course_count"`
		OpenAlerts  []academics.EarlyAlert `json:"open_alerts"`
	}
)

func (api *dashboardApi) studentSummary(ctx echo.Context, student user.User) (StudentSummary, error) {
	reqCtx := ctx.Request().Context()

	enrollments, err := api.schoolSvc.Enrollments(reqCtx, &school.EnrollmentFilter{StudentID: student.ID})
	if err != nil {
		return StudentSummary{}, errors.Wrap(err, "querying enrollments")
	}

	grades, err := api.academicsSvc.Grades(reqCtx, &academics.GradeFilter{StudentID: student.ID})
	if err != nil {
		return StudentSummary{}, errors.Wrap(err, "querying grades")
	}
	if len(grades) > latestGradeCount {
		grades = grades[len(grades)-latestGradeCount:]
	}

	to := time.Now()
	from := to.AddDate(0, 0, -30)
	stats, err := api.academicsSvc.StudentAttendanceStats(reqCtx, student.ID, 0, from, to)
	if err != nil {
		return StudentSummary{}, errors.Wrap(err, "computing attendance stats")
	}

	unresolved := false
	observations, err := api.academicsSvc.Observations(reqCtx, &academics.ObservationFilter{
		StudentID: student.ID,
		Resolved:  &unresolved,
	})
	if err != nil {
		return StudentSummary{}, errors.Wrap(err, "querying observations")
	}

	return StudentSummary{
		Student:      student,
		Enrollments:  enrollments,
		LatestGrades: grades,
		Attendance:   stats,
		Observations: observations,
	}, nil
}

func (api *dashboardApi) student(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	summary, err := api.studentSummary(ctx, ctxUsr)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, summary)
}

func (api *dashboardApi) teacher(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	reqCtx := ctx.Request().Context()

	assignments, err := api.schoolSvc.Assignments(reqCtx, 0, ctxUsr.ID)
	if err != nil {
		return errors.Wrap(err, "querying assignments")
	}

	pending := make([]academics.Evaluation, 0)
	courseIDs := make(map[int]struct{})
	for _, a := range assignments {
		courseIDs[a.CourseID] = struct{}{}
		evals, err := api.academicsSvc.Evaluations(reqCtx, &academics.EvaluationFilter{
			AssignmentID: a.ID,
			Status:       academics.EvalDraft,
		})
		if err != nil {
			return errors.Wrap(err, "querying evaluations")
		}
		pending = append(pending, evals...)
	}

	alerts := make([]academics.EarlyAlert, 0)
	for courseID := range courseIDs {
		open, err := api.academicsSvc.Alerts(reqCtx, &academics.AlertFilter{
			CourseID: courseID,
			Status:   academics.AlertOpen,
		})
		if err != nil {
			return errors.Wrap(err, "querying alerts")
		}
		alerts = append(alerts, open...)
	}

	return ctx.JSON(http.StatusOK, TeacherDashboard{
		Assignments:        assignments,
		PendingEvaluations: pending,
		OpenAlerts:         alerts,
	})
}

func (api *dashboardApi) guardian(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	students, err := api.userSvc.Students(ctx.Request().Context(), ctxUsr.ID)
	if err != nil {
		return errors.Wrap(err, "querying linked students")
	}

	summaries := make([]StudentSummary, 0, len(students))
	for _, student := range students {
		summary, err := api.studentSummary(ctx, student)
		if err != nil {
			return err
		}
		summaries = append(summaries, summary)
	}
	return ctx.JSON(http.StatusOK, GuardianDashboard{Students: summaries})
}

func (api *dashboardApi) director(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	dash := DirectorDashboard{RoleCounts: make(map[string]int, len(user.AllRoles))}

	year, err := api.schoolSvc.ActiveYear(reqCtx)
	switch errors.Cause(err) {
	case nil:
		dash.ActiveYear = &year
	case school.ErrNotFound:
	default:
		return errors.Wrap(err, "getting active year")
	}

	for _, role := range user.AllRoles {
		users, err := api.userSvc.Query(reqCtx, &user.QueryFilter{Role: role}, nil)
		if err != nil {
			return errors.Wrap(err, "querying users")
		}
		dash.RoleCounts[role] = len(users)
	}

	filter := &school.CourseFilter{}
	if dash.ActiveYear != nil {
		filter.YearID = dash.ActiveYear.ID
	}
	courses, err := api.schoolSvc.Courses(reqCtx, filter)
	if err != nil {
		return errors.Wrap(err, "querying courses")
	}
	dash.CourseCount = len(courses)

	alerts, err := api.academicsSvc.Alerts(reqCtx, &academics.AlertFilter{Status: academics.AlertOpen})
	if err != nil {
		return errors.Wrap(err, "querying alerts")
	}
	dash.OpenAlerts = alerts

	return ctx.JSON(http.StatusOK, dash)
}
