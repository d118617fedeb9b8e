package school

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
)

// Term types
const (
	TermSemester = "SEM"
	TermOther    = "OTRO"
)

// Enrollment statuses
const (
	EnrollmentActive    = "ACTIVO"
	EnrollmentWithdrawn = "RETIRADO"
	EnrollmentGraduated = "EGRESADO"
)

type (
	AcademicYear struct {
		ID        int       `db:"id" json:"id"`
		Name      string    `db:"name" json:"name"` // "2025"
		StartDate time.Time `db:"start_date" json:"start_date"`
		EndDate   time.Time `db:"end_date" json:"end_date"`
		IsActive  bool      `db:"is_active" json:"is_active"`
		CreatedAt time.Time `db:"created_at" json:"created_at"`
	}

	// Term is a grading period within an academic year ("Primer Semestre").
	Term struct {
		ID        int       `db:"id" json:"id"`
		YearID    int       `db:"year_id" json:"year_id"`
		Name      string    `db:"name" json:"name"`
		Type      string    `db:"type" json:"type"`
		Order     int       `db:"ord" json:"order"`
		StartDate time.Time `db:"start_date" json:"start_date"`
		EndDate   time.Time `db:"end_date" json:"end_date"`
	}

	Level struct {
		ID    int    `db:"id" json:"id"`
		Name  string `db:"name" json:"name"` // "Educación Básica"
		Order int    `db:"ord" json:"order"`
	}

	Room struct {
		ID       int    `db:"id" json:"id"`
		Name     string `db:"name" json:"name"`
		Location string `db:"location" json:"location"`
		Capacity int    `db:"capacity" json:"capacity"`
	}

	Subject struct {
		ID          int    `db:"id" json:"id"`
		Code        string `db:"code" json:"code"`
		Name        string `db:"name" json:"name"`
		WeeklyHours int    `db:"weekly_hours" json:"weekly_hours"`
		IsActive    bool   `db:"is_active" json:"is_active"`
	}

	// Course is a concrete class group ("1° Básico A") within a year.
	Course struct {
		ID            int       `db:"id" json:"id"`
		YearID        int       `db:"year_id" json:"year_id"`
		LevelID       int       `db:"level_id" json:"level_id"`
		Name          string    `db:"name" json:"name"`
		HeadTeacherID null.Int  `db:"head_teacher_id" json:"head_teacher_id,omitempty"`
		CreatedAt     time.Time `db:"created_at" json:"created_at"`
	}

	// TeachingAssignment binds a teacher to a subject within a course.
	TeachingAssignment struct {
		ID        int       `db:"id" json:"id"`
		CourseID  int       `db:"course_id" json:"course_id"`
		SubjectID int       `db:"subject_id" json:"subject_id"`
		TeacherID int       `db:"teacher_id" json:"teacher_id"`
		CreatedAt time.Time `db:"created_at" json:"created_at"`
	}

	Enrollment struct {
		ID         int       `db:"id" json:"id"`
		StudentID  int       `db:"student_id" json:"student_id"`
		CourseID   int       `db:"course_id" json:"course_id"`
		YearID     int       `db:"year_id" json:"year_id"`
		Status     string    `db:"status" json:"status"`
		EnrolledAt time.Time `db:"enrolled_at" json:"enrolled_at"`
	}

	// ScheduleBlock places an assignment on the weekly grid. CourseID,
	// TeacherID and SubjectID are denormalized from the assignment on reads.
	ScheduleBlock struct {
		ID           int      `db:"id" json:"id"`
		AssignmentID int      `db:"assignment_id" json:"assignment_id"`
		Weekday      int      `db:"weekday" json:"weekday"` // 1 = Monday .. 5 = Friday
		StartTime    string   `db:"start_time" json:"start_time"`
		EndTime      string   `db:"end_time" json:"end_time"`
		RoomID       null.Int `db:"room_id" json:"room_id,omitempty"`
		CourseID     int      `db:"course_id" json:"course_id"`
		TeacherID    int      `db:"teacher_id" json:"teacher_id"`
		SubjectID    int      `db:"subject_id" json:"subject_id"`
	}
)

// Overlaps reports whether the two blocks share any time on the same weekday.
// Times are "HH:MM" strings so lexical comparison is chronological.
func (b ScheduleBlock) Overlaps(other ScheduleBlock) bool {
	return b.Weekday == other.Weekday && b.StartTime < other.EndTime && other.StartTime < b.EndTime
}

type (
	NewAcademicYear struct {
		Name      string `json:"name" validate:"required"`
		StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
		EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02,gtfield=StartDate"`
		IsActive  bool   `json:"is_active"`
	}

	NewTerm struct {
		YearID    int    `json:"year_id" validate:"required"`
		Name      string `json:"name" validate:"required"`
		Type      string `json:"type" validate:"omitempty,oneof=SEM OTRO"`
		Order     int    `json:"order" validate:"required,min=1"`
		StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
		EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02,gtfield=StartDate"`
	}

	NewLevel struct {
		Name  string `json:"name" validate:"required"`
		Order int    `json:"order" validate:"required,min=1"`
	}

	NewRoom struct {
		Name     string `json:"name" validate:"required"`
		Location string `json:"location"`
		Capacity int    `json:"capacity" validate:"omitempty,min=1"`
	}

	NewSubject struct {
		Code        string `json:"code" validate:"required"`
		Name        string `json:"name" validate:"required"`
		WeeklyHours int    `json:"weekly_hours" validate:"required,min=1"`
	}

	NewCourse struct {
		YearID        int    `json:"year_id" validate:"required"`
		LevelID       int    `json:"level_id" validate:"required"`
		Name          string `json:"name" validate:"required"`
		HeadTeacherID int    `json:"head_teacher_id"`
	}

	NewAssignment struct {
		CourseID  int `json:"course_id" validate:"required"`
		SubjectID int `json:"subject_id" validate:"required"`
		TeacherID int `json:"teacher_id" validate:"required"`
	}

	NewEnrollment struct {
		StudentID int    `json:"student_id" validate:"required"`
		CourseID  int    `json:"course_id" validate:"required"`
		YearID    int    `json:"year_id" validate:"required"`
		Status    string `json:"status" validate:"omitempty,oneof=ACTIVO RETIRADO EGRESADO"`
	}

	NewScheduleBlock struct {
		AssignmentID int    `json:"assignment_id" validate:"required"`
		Weekday      int    `json:"weekday" validate:"required,min=1,max=5"`
		StartTime    string `json:"start_time" validate:"required,datetime=15:04"`
		EndTime      string `json:"end_time" validate:"required,datetime=15:04,gtfield=StartTime"`
		RoomID       int    `json:"room_id"`
	}
)

func (ny *NewAcademicYear) Validate(validate *validator.Validate) error {
	ny.Name = core.CleanString(ny.Name)
	return validate.Struct(ny)
}

func (nt *NewTerm) Validate(validate *validator.Validate) error {
	nt.Name = core.CleanString(nt.Name)
	if nt.Type == "" {
		nt.Type = TermSemester
	}
	return validate.Struct(nt)
}

func (nl *NewLevel) Validate(validate *validator.Validate) error {
	nl.Name = core.CleanString(nl.Name)
	return validate.Struct(nl)
}

func (nr *NewRoom) Validate(validate *validator.Validate) error {
	nr.Name = core.CleanString(nr.Name)
	nr.Location = core.CleanString(nr.Location)
	return validate.Struct(nr)
}

func (ns *NewSubject) Validate(validate *validator.Validate) error {
	ns.Code = core.CleanString(ns.Code)
	ns.Name = core.CleanString(ns.Name)
	return validate.Struct(ns)
}

func (nc *NewCourse) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	return validate.Struct(nc)
}

func (na *NewAssignment) Validate(validate *validator.Validate) error {
	return validate.Struct(na)
}

func (ne *NewEnrollment) Validate(validate *validator.Validate) error {
	if ne.Status == "" {
		ne.Status = EnrollmentActive
	}
	return validate.Struct(ne)
}

func (nb *NewScheduleBlock) Validate(validate *validator.Validate) error {
	return validate.Struct(nb)
}

type (
	CourseFilter struct {
		YearID        int `query:"year_id"`
		LevelID       int `query:"level_id"`
		HeadTeacherID int `query:"head_teacher_id"`
	}

	EnrollmentFilter struct {
		StudentID int    `query:"student_id"`
		CourseID  int    `query:"course_id"`
		YearID    int    `query:"year_id"`
		Status    string `query:"status"`
	}

	ScheduleFilter struct {
		CourseID  int `query:"course_id"`
		TeacherID int `query:"teacher_id"`
		RoomID    int `query:"room_id"`
		Weekday   int `query:"weekday"`
	}
)
