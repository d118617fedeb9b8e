package school

import (
	"context"
	"errors"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/user"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrYearExists       = errors.New("an academic year with this name already exists")
	ErrTermOrderExists  = errors.New("a term with this order already exists for the year")
	ErrLevelExists      = errors.New("a level with this name already exists")
	ErrRoomExists       = errors.New("a room with this name already exists")
	ErrSubjectExists    = errors.New("a subject with this code already exists")
	ErrCourseExists     = errors.New("a course with this name already exists for the year")
	ErrAssignmentExists = errors.New("this subject is already assigned for the course")
	ErrAlreadyEnrolled  = errors.New("student is already enrolled in this course for the year")
	ErrNotATeacher      = errors.New("user is not a teacher")
	ErrNotAStudent      = errors.New("user is not a student")
)

type (
	Repository interface {
		CreateYear(ctx context.Context, y AcademicYear) (AcademicYear, error)
		GetYear(ctx context.Context, id int) (AcademicYear, error)
		GetActiveYear(ctx context.Context) (AcademicYear, error)
		QueryYears(ctx context.Context) ([]AcademicYear, error)
		UpdateYear(ctx context.Context, y AcademicYear) (AcademicYear, error)

		CreateTerm(ctx context.Context, t Term) (Term, error)
		GetTerm(ctx context.Context, id int) (Term, error)
		QueryTerms(ctx context.Context, yearID int) ([]Term, error)

		CreateLevel(ctx context.Context, l Level) (Level, error)
		QueryLevels(ctx context.Context) ([]Level, error)

		CreateRoom(ctx context.Context, r Room) (Room, error)
		QueryRooms(ctx context.Context) ([]Room, error)

		CreateSubject(ctx context.Context, s Subject) (Subject, error)
		GetSubject(ctx context.Context, id int) (Subject, error)
		QuerySubjects(ctx context.Context, activeOnly bool) ([]Subject, error)
		UpdateSubject(ctx context.Context, s Subject) (Subject, error)

		CreateCourse(ctx context.Context, c Course) (Course, error)
		GetCourse(ctx context.Context, id int) (Course, error)
		QueryCourses(ctx context.Context, filter *CourseFilter) ([]Course, error)
		UpdateCourse(ctx context.Context, c Course) (Course, error)

		CreateAssignment(ctx context.Context, a TeachingAssignment) (TeachingAssignment, error)
		GetAssignment(ctx context.Context, id int) (TeachingAssignment, error)
		QueryAssignments(ctx context.Context, courseID, teacherID int) ([]TeachingAssignment, error)

		CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
		GetEnrollment(ctx context.Context, id int) (Enrollment, error)
		QueryEnrollments(ctx context.Context, filter *EnrollmentFilter) ([]Enrollment, error)
		UpdateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
		CountEnrollments(ctx context.Context, courseID int, status string) (int, error)

		CreateScheduleBlock(ctx context.Context, b ScheduleBlock) (ScheduleBlock, error)
		QueryScheduleBlocks(ctx context.Context, filter *ScheduleFilter) ([]ScheduleBlock, error)
	}

	// UserGetter is the slice of the user service the catalog needs for
	// role checks.
	UserGetter interface {
		GetByID(ctx context.Context, id int) (user.User, error)
	}

	ServiceInterface interface {
		CreateYear(ctx context.Context, ny NewAcademicYear) (AcademicYear, error)
		Years(ctx context.Context) ([]AcademicYear, error)
		ActiveYear(ctx context.Context) (AcademicYear, error)

		CreateTerm(ctx context.Context, nt NewTerm) (Term, error)
		Term(ctx context.Context, id int) (Term, error)
		Terms(ctx context.Context, yearID int) ([]Term, error)

		CreateLevel(ctx context.Context, nl NewLevel) (Level, error)
		Levels(ctx context.Context) ([]Level, error)

		CreateRoom(ctx context.Context, nr NewRoom) (Room, error)
		Rooms(ctx context.Context) ([]Room, error)

		CreateSubject(ctx context.Context, ns NewSubject) (Subject, error)
		Subjects(ctx context.Context, activeOnly bool) ([]Subject, error)

		CreateCourse(ctx context.Context, nc NewCourse) (Course, error)
		GetCourse(ctx context.Context, id int) (Course, error)
		Courses(ctx context.Context, filter *CourseFilter) ([]Course, error)

		CreateAssignment(ctx context.Context, na NewAssignment) (TeachingAssignment, error)
		GetAssignment(ctx context.Context, id int) (TeachingAssignment, error)
		Assignments(ctx context.Context, courseID, teacherID int) ([]TeachingAssignment, error)

		Enroll(ctx context.Context, ne NewEnrollment) (Enrollment, error)
		Enrollments(ctx context.Context, filter *EnrollmentFilter) ([]Enrollment, error)
		Withdraw(ctx context.Context, enrollmentID int) (Enrollment, error)
		ActiveStudentCount(ctx context.Context, courseID int) (int, error)

		CreateScheduleBlock(ctx context.Context, nb NewScheduleBlock) (ScheduleBlock, error)
		Schedule(ctx context.Context, filter *ScheduleFilter) ([]ScheduleBlock, error)
	}

	service struct {
		repo  Repository
		users UserGetter
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(repo Repository, users UserGetter) *service {
	return &service{repo: repo, users: users}
}

func (svc *service) CreateYear(ctx context.Context, ny NewAcademicYear) (AcademicYear, error) {
	start, _ := time.Parse("2006-01-02", ny.StartDate)
	end, _ := time.Parse("2006-01-02", ny.EndDate)
	return svc.repo.CreateYear(ctx, AcademicYear{
		Name:      ny.Name,
		StartDate: start,
		EndDate:   end,
		IsActive:  ny.IsActive,
		CreatedAt: time.Now().UTC(),
	})
}

func (svc *service) Years(ctx context.Context) ([]AcademicYear, error) {
	return svc.repo.QueryYears(ctx)
}

func (svc *service) ActiveYear(ctx context.Context) (AcademicYear, error) {
	return svc.repo.GetActiveYear(ctx)
}

func (svc *service) CreateTerm(ctx context.Context, nt NewTerm) (Term, error) {
	if _, err := svc.repo.GetYear(ctx, nt.YearID); err != nil {
		return Term{}, err
	}
	start, _ := time.Parse("2006-01-02", nt.StartDate)
	end, _ := time.Parse("2006-01-02", nt.EndDate)
	return svc.repo.CreateTerm(ctx, Term{
		YearID:    nt.YearID,
		Name:      nt.Name,
		Type:      nt.Type,
		Order:     nt.Order,
		StartDate: start,
		EndDate:   end,
	})
}

func (svc *service) Term(ctx context.Context, id int) (Term, error) {
	return svc.repo.GetTerm(ctx, id)
}

func (svc *service) Terms(ctx context.Context, yearID int) ([]Term, error) {
	return svc.repo.QueryTerms(ctx, yearID)
}

func (svc *service) CreateLevel(ctx context.Context, nl NewLevel) (Level, error) {
	return svc.repo.CreateLevel(ctx, Level{Name: nl.Name, Order: nl.Order})
}

func (svc *service) Levels(ctx context.Context) ([]Level, error) {
	return svc.repo.QueryLevels(ctx)
}

func (svc *service) CreateRoom(ctx context.Context, nr NewRoom) (Room, error) {
	return svc.repo.CreateRoom(ctx, Room{Name: nr.Name, Location: nr.Location, Capacity: nr.Capacity})
}

func (svc *service) Rooms(ctx context.Context) ([]Room, error) {
	return svc.repo.QueryRooms(ctx)
}

func (svc *service) CreateSubject(ctx context.Context, ns NewSubject) (Subject, error) {
	return svc.repo.CreateSubject(ctx, Subject{
		Code:        ns.Code,
		Name:        ns.Name,
		WeeklyHours: ns.WeeklyHours,
		IsActive:    true,
	})
}

func (svc *service) Subjects(ctx context.Context, activeOnly bool) ([]Subject, error) {
	return svc.repo.QuerySubjects(ctx, activeOnly)
}

func (svc *service) CreateCourse(ctx context.Context, nc NewCourse) (Course, error) {
	course := Course{
		YearID:    nc.YearID,
		LevelID:   nc.LevelID,
		Name:      nc.Name,
		CreatedAt: time.Now().UTC(),
	}
	if nc.HeadTeacherID != 0 {
		teacher, err := svc.users.GetByID(ctx, nc.HeadTeacherID)
		if err != nil {
			return Course{}, err
		}
		if !teacher.IsTeacher() {
			return Course{}, core.NewValidationError(ErrNotATeacher,
				core.FieldError{Field: "head_teacher_id", Error: ErrNotATeacher.Error()})
		}
		course.HeadTeacherID = null.IntFrom(nc.HeadTeacherID)
	}
	return svc.repo.CreateCourse(ctx, course)
}

func (svc *service) GetCourse(ctx context.Context, id int) (Course, error) {
	return svc.repo.GetCourse(ctx, id)
}

func (svc *service) Courses(ctx context.Context, filter *CourseFilter) ([]Course, error) {
	return svc.repo.QueryCourses(ctx, filter)
}

func (svc *service) CreateAssignment(ctx context.Context, na NewAssignment) (TeachingAssignment, error) {
	teacher, err := svc.users.GetByID(ctx, na.TeacherID)
	if err != nil {
		return TeachingAssignment{}, err
	}
	if !teacher.IsTeacher() {
		return TeachingAssignment{}, core.NewValidationError(ErrNotATeacher,
			core.FieldError{Field: "teacher_id", Error: ErrNotATeacher.Error()})
	}
	if _, err = svc.repo.GetCourse(ctx, na.CourseID); err != nil {
		return TeachingAssignment{}, err
	}
	if _, err = svc.repo.GetSubject(ctx, na.SubjectID); err != nil {
		return TeachingAssignment{}, err
	}
	return svc.repo.CreateAssignment(ctx, TeachingAssignment{
		CourseID:  na.CourseID,
		SubjectID: na.SubjectID,
		TeacherID: na.TeacherID,
		CreatedAt: time.Now().UTC(),
	})
}

func (svc *service) GetAssignment(ctx context.Context, id int) (TeachingAssignment, error) {
	return svc.repo.GetAssignment(ctx, id)
}

func (svc *service) Assignments(ctx context.Context, courseID, teacherID int) ([]TeachingAssignment, error) {
	return svc.repo.QueryAssignments(ctx, courseID, teacherID)
}

func (svc *service) Enroll(ctx context.Context, ne NewEnrollment) (Enrollment, error) {
	student, err := svc.users.GetByID(ctx, ne.StudentID)
	if err != nil {
		return Enrollment{}, err
	}
	if !student.IsStudent() {
		return Enrollment{}, core.NewValidationError(ErrNotAStudent,
			core.FieldError{Field: "student_id", Error: ErrNotAStudent.Error()})
	}
	if _, err = svc.repo.GetCourse(ctx, ne.CourseID); err != nil {
		return Enrollment{}, err
	}
	if ne.Status == "" {
		ne.Status = EnrollmentActive
	}
	return svc.repo.CreateEnrollment(ctx, Enrollment{
		StudentID:  ne.StudentID,
		CourseID:   ne.CourseID,
		YearID:     ne.YearID,
		Status:     ne.Status,
		EnrolledAt: time.Now().UTC(),
	})
}

func (svc *service) Enrollments(ctx context.Context, filter *EnrollmentFilter) ([]Enrollment, error) {
	return svc.repo.QueryEnrollments(ctx, filter)
}

func (svc *service) Withdraw(ctx context.Context, enrollmentID int) (Enrollment, error) {
	enr, err := svc.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	enr.Status = EnrollmentWithdrawn
	return svc.repo.UpdateEnrollment(ctx, enr)
}

func (svc *service) ActiveStudentCount(ctx context.Context, courseID int) (int, error) {
	return svc.repo.CountEnrollments(ctx, courseID, EnrollmentActive)
}

// CreateScheduleBlock places a block on the grid, rejecting any overlap that
// would double-book the room, the teacher or the course. Conflicts come back
// as field errors keyed by category.
func (svc *service) CreateScheduleBlock(ctx context.Context, nb NewScheduleBlock) (ScheduleBlock, error) {
	asg, err := svc.repo.GetAssignment(ctx, nb.AssignmentID)
	if err != nil {
		return ScheduleBlock{}, err
	}

	block := ScheduleBlock{
		AssignmentID: nb.AssignmentID,
		Weekday:      nb.Weekday,
		StartTime:    nb.StartTime,
		EndTime:      nb.EndTime,
		CourseID:     asg.CourseID,
		TeacherID:    asg.TeacherID,
		SubjectID:    asg.SubjectID,
	}
	if nb.RoomID != 0 {
		block.RoomID = null.IntFrom(nb.RoomID)
	}

	existing, err := svc.repo.QueryScheduleBlocks(ctx, &ScheduleFilter{Weekday: nb.Weekday})
	if err != nil {
		return ScheduleBlock{}, err
	}

	var fieldErrs []core.FieldError
	var roomSeen, teacherSeen, courseSeen bool
	for _, other := range existing {
		if !block.Overlaps(other) {
			continue
		}
		if !roomSeen && block.RoomID.Valid && other.RoomID.Valid && block.RoomID.Int == other.RoomID.Int {
			fieldErrs = append(fieldErrs, core.FieldError{Field: "room_id", Error: "room is already booked in this time window"})
			roomSeen = true
		}
		if !teacherSeen && block.TeacherID == other.TeacherID {
			fieldErrs = append(fieldErrs, core.FieldError{Field: "teacher_id", Error: "teacher already has a block in this time window"})
			teacherSeen = true
		}
		if !courseSeen && block.CourseID == other.CourseID {
			fieldErrs = append(fieldErrs, core.FieldError{Field: "course_id", Error: "course already has a block in this time window"})
			courseSeen = true
		}
	}
	if len(fieldErrs) > 0 {
		return ScheduleBlock{}, core.NewValidationError(errors.New("schedule conflict"), fieldErrs...)
	}

	return svc.repo.CreateScheduleBlock(ctx, block)
}

func (svc *service) Schedule(ctx context.Context, filter *ScheduleFilter) ([]ScheduleBlock, error) {
	return svc.repo.QueryScheduleBlocks(ctx, filter)
}
