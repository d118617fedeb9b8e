package echoapi

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

type schoolApi struct {
	svc      school.ServiceInterface
	userSvc  user.ServiceInterface
	validate *validator.Validate
}

func registerSchoolAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := schoolApi{
		svc:      opts.SchoolSvc,
		userSvc:  opts.UserSvc,
		validate: opts.Validate,
	}

	sg := g.Group("/school", jwt)

	sg.POST("/years", api.createYear, staffMiddleware())
	sg.GET("/years", api.queryYears)
	sg.GET("/years/active", api.activeYear)

	sg.POST("/terms", api.createTerm, staffMiddleware())
	sg.GET("/terms", api.queryTerms)

	sg.POST("/levels", api.createLevel, staffMiddleware())
	sg.GET("/levels", api.queryLevels)

	sg.POST("/rooms", api.createRoom, staffMiddleware())
	sg.GET("/rooms", api.queryRooms)

	sg.POST("/subjects", api.createSubject, staffMiddleware())
	sg.GET("/subjects", api.querySubjects)

	sg.POST("/courses", api.createCourse, staffMiddleware())
	sg.GET("/courses", api.queryCourses)
	sg.GET("/courses/:id", api.retrieveCourse)
	sg.GET("/courses/:id/students", api.queryCourseStudents, teachingStaffMiddleware())

	sg.POST("/assignments", api.createAssignment, staffMiddleware())
	sg.GET("/assignments", api.queryAssignments)

	sg.POST("/enrollments", api.enroll, staffMiddleware())
	sg.GET("/enrollments", api.queryEnrollments, teachingStaffMiddleware())
	sg.POST("/enrollments/:id/withdraw", api.withdraw, staffMiddleware())

	sg.POST("/schedule", api.createScheduleBlock, staffMiddleware())
	sg.GET("/schedule", api.querySchedule)
}

func (api *schoolApi) createYear(ctx echo.Context) error {
	var data school.NewAcademicYear
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAcademicYear")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	year, err := api.svc.CreateYear(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating academic year")
	}
	return ctx.JSON(http.StatusCreated, year)
}

func (api *schoolApi) queryYears(ctx echo.Context) error {
	years, err := api.svc.Years(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying academic years")
	}
	return ctx.JSON(http.StatusOK, years)
}

func (api *schoolApi) activeYear(ctx echo.Context) error {
	year, err := api.svc.ActiveYear(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting active year")
	}
	return ctx.JSON(http.StatusOK, year)
}

func (api *schoolApi) createTerm(ctx echo.Context) error {
	var data school.NewTerm
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTerm")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	term, err := api.svc.CreateTerm(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating term")
	}
	return ctx.JSON(http.StatusCreated, term)
}

func (api *schoolApi) queryTerms(ctx echo.Context) error {
	yearID, _ := strconv.Atoi(ctx.QueryParam("year_id"))
	terms, err := api.svc.Terms(ctx.Request().Context(), yearID)
	if err != nil {
		return errors.Wrap(err, "querying terms")
	}
	return ctx.JSON(http.StatusOK, terms)
}

func (api *schoolApi) createLevel(ctx echo.Context) error {
	var data school.NewLevel
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewLevel")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	level, err := api.svc.CreateLevel(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating level")
	}
	return ctx.JSON(http.StatusCreated, level)
}

func (api *schoolApi) queryLevels(ctx echo.Context) error {
	levels, err := api.svc.Levels(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying levels")
	}
	return ctx.JSON(http.StatusOK, levels)
}

func (api *schoolApi) createRoom(ctx echo.Context) error {
	var data school.NewRoom
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRoom")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	room, err := api.svc.CreateRoom(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating room")
	}
	return ctx.JSON(http.StatusCreated, room)
}

func (api *schoolApi) queryRooms(ctx echo.Context) error {
	rooms, err := api.svc.Rooms(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying rooms")
	}
	return ctx.JSON(http.StatusOK, rooms)
}

func (api *schoolApi) createSubject(ctx echo.Context) error {
	var data school.NewSubject
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSubject")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	subject, err := api.svc.CreateSubject(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating subject")
	}
	return ctx.JSON(http.StatusCreated, subject)
}

func (api *schoolApi) querySubjects(ctx echo.Context) error {
	activeOnly, _ := strconv.ParseBool(ctx.QueryParam("active"))
	subjects, err := api.svc.Subjects(ctx.Request().Context(), activeOnly)
	if err != nil {
		return errors.Wrap(err, "querying subjects")
	}
	return ctx.JSON(http.StatusOK, subjects)
}

func (api *schoolApi) createCourse(ctx echo.Context) error {
	var data school.NewCourse
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewCourse")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	course, err := api.svc.CreateCourse(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating course")
	}
	return ctx.JSON(http.StatusCreated, course)
}

func (api *schoolApi) queryCourses(ctx echo.Context) error {
	filter := new(school.CourseFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []school.Course{})
	}

	courses, err := api.svc.Courses(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying courses")
	}
	return ctx.JSON(http.StatusOK, courses)
}

func (api *schoolApi) retrieveCourse(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	course, err := api.svc.GetCourse(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting course")
	}
	return ctx.JSON(http.StatusOK, course)
}

func (api *schoolApi) queryCourseStudents(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	reqCtx := ctx.Request().Context()
	enrollments, err := api.svc.Enrollments(reqCtx, &school.EnrollmentFilter{
		CourseID: id,
		Status:   school.EnrollmentActive,
	})
	if err != nil {
		return errors.Wrap(err, "querying enrollments")
	}

	students := make([]user.User, 0, len(enrollments))
	for _, enr := range enrollments {
		usr, err := api.userSvc.GetByID(reqCtx, enr.StudentID)
		if err != nil {
			return errors.Wrap(err, "finding student")
		}
		students = append(students, usr)
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *schoolApi) createAssignment(ctx echo.Context) error {
	var data school.NewAssignment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAssignment")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	assignment, err := api.svc.CreateAssignment(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating assignment")
	}
	return ctx.JSON(http.StatusCreated, assignment)
}

func (api *schoolApi) queryAssignments(ctx echo.Context) error {
	courseID, _ := strconv.Atoi(ctx.QueryParam("course_id"))
	teacherID, _ := strconv.Atoi(ctx.QueryParam("teacher_id"))

	assignments, err := api.svc.Assignments(ctx.Request().Context(), courseID, teacherID)
	if err != nil {
		return errors.Wrap(err, "querying assignments")
	}
	return ctx.JSON(http.StatusOK, assignments)
}

func (api *schoolApi) enroll(ctx echo.Context) error {
	var data school.NewEnrollment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewEnrollment")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	enrollment, err := api.svc.Enroll(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "enrolling student")
	}
	return ctx.JSON(http.StatusCreated, enrollment)
}

func (api *schoolApi) queryEnrollments(ctx echo.Context) error {
	filter := new(school.EnrollmentFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []school.Enrollment{})
	}

	enrollments, err := api.svc.Enrollments(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying enrollments")
	}
	return ctx.JSON(http.StatusOK, enrollments)
}

func (api *schoolApi) withdraw(ctx echo.Context) error {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return errHttpNotFound
	}

	enrollment, err := api.svc.Withdraw(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "withdrawing enrollment")
	}
	return ctx.JSON(http.StatusOK, enrollment)
}

func (api *schoolApi) createScheduleBlock(ctx echo.Context) error {
	var data school.NewScheduleBlock
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewScheduleBlock")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	block, err := api.svc.CreateScheduleBlock(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating schedule block")
	}
	return ctx.JSON(http.StatusCreated, block)
}

func (api *schoolApi) querySchedule(ctx echo.Context) error {
	filter := new(school.ScheduleFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []school.ScheduleBlock{})
	}

	blocks, err := api.svc.Schedule(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying schedule")
	}
	return ctx.JSON(http.StatusOK, blocks)
}
