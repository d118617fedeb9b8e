package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/school"
)

// pq unique_violation
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	if pqErr, ok := pkgerrors.Cause(err).(*pq.Error); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}

type schoolRepository struct {
	db *sqlx.DB
}

func NewSchoolRepository(db *sqlx.DB) school.Repository {
	return &schoolRepository{db: db}
}

func (repo *schoolRepository) insertReturningID(ctx context.Context, query string, rec interface{}, id *int) error {
	rows, err := sqlx.NamedQueryContext(ctx, repo.db, query, rec)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(id)
	}
	return nil
}

func (repo *schoolRepository) CreateYear(ctx context.Context, y school.AcademicYear) (school.AcademicYear, error) {
	query := `
	INSERT INTO academic_years (name, start_date, end_date, is_active, created_at)
	VALUES (:name, :start_date, :end_date, :is_active, :created_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, y, &y.ID); err != nil {
		if isUniqueViolation(err) {
			return school.AcademicYear{}, school.ErrYearExists
		}
		return school.AcademicYear{}, pkgerrors.Wrap(err, "inserting academic year")
	}
	return y, nil
}

func (repo *schoolRepository) GetYear(ctx context.Context, id int) (school.AcademicYear, error) {
	var y school.AcademicYear
	err := repo.db.GetContext(ctx, &y,
		`SELECT id, name, start_date, end_date, is_active, created_at FROM academic_years WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.AcademicYear{}, school.ErrNotFound
	}
	return y, err
}

func (repo *schoolRepository) GetActiveYear(ctx context.Context) (school.AcademicYear, error) {
	var y school.AcademicYear
	err := repo.db.GetContext(ctx, &y,
		`SELECT id, name, start_date, end_date, is_active, created_at FROM academic_years WHERE is_active ORDER BY name DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return school.AcademicYear{}, school.ErrNotFound
	}
	return y, err
}

func (repo *schoolRepository) QueryYears(ctx context.Context) ([]school.AcademicYear, error) {
	years := make([]school.AcademicYear, 0)
	err := repo.db.SelectContext(ctx, &years,
		`SELECT id, name, start_date, end_date, is_active, created_at FROM academic_years ORDER BY name`)
	return years, err
}

func (repo *schoolRepository) UpdateYear(ctx context.Context, y school.AcademicYear) (school.AcademicYear, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE academic_years SET name = :name, start_date = :start_date, end_date = :end_date, is_active = :is_active
	WHERE id = :id`, y)
	if err != nil {
		return school.AcademicYear{}, pkgerrors.Wrap(err, "updating academic year")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return school.AcademicYear{}, school.ErrNotFound
	}
	return y, nil
}

func (repo *schoolRepository) CreateTerm(ctx context.Context, t school.Term) (school.Term, error) {
	query := `
	INSERT INTO terms (year_id, name, type, ord, start_date, end_date)
	VALUES (:year_id, :name, :type, :ord, :start_date, :end_date)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, t, &t.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Term{}, school.ErrTermOrderExists
		}
		return school.Term{}, pkgerrors.Wrap(err, "inserting term")
	}
	return t, nil
}

func (repo *schoolRepository) GetTerm(ctx context.Context, id int) (school.Term, error) {
	var t school.Term
	err := repo.db.GetContext(ctx, &t,
		`SELECT id, year_id, name, type, ord, start_date, end_date FROM terms WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.Term{}, school.ErrNotFound
	}
	return t, err
}

func (repo *schoolRepository) QueryTerms(ctx context.Context, yearID int) ([]school.Term, error) {
	query := `SELECT id, year_id, name, type, ord, start_date, end_date FROM terms`
	var args []interface{}
	if yearID != 0 {
		query += ` WHERE year_id = $1`
		args = append(args, yearID)
	}
	query += ` ORDER BY ord`

	terms := make([]school.Term, 0)
	err := repo.db.SelectContext(ctx, &terms, query, args...)
	return terms, err
}

func (repo *schoolRepository) CreateLevel(ctx context.Context, l school.Level) (school.Level, error) {
	query := `INSERT INTO levels (name, ord) VALUES (:name, :ord) RETURNING id`
	if err := repo.insertReturningID(ctx, query, l, &l.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Level{}, school.ErrLevelExists
		}
		return school.Level{}, pkgerrors.Wrap(err, "inserting level")
	}
	return l, nil
}

func (repo *schoolRepository) QueryLevels(ctx context.Context) ([]school.Level, error) {
	levels := make([]school.Level, 0)
	err := repo.db.SelectContext(ctx, &levels, `SELECT id, name, ord FROM levels ORDER BY ord`)
	return levels, err
}

func (repo *schoolRepository) CreateRoom(ctx context.Context, r school.Room) (school.Room, error) {
	query := `INSERT INTO rooms (name, location, capacity) VALUES (:name, :location, :capacity) RETURNING id`
	if err := repo.insertReturningID(ctx, query, r, &r.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Room{}, school.ErrRoomExists
		}
		return school.Room{}, pkgerrors.Wrap(err, "inserting room")
	}
	return r, nil
}

func (repo *schoolRepository) QueryRooms(ctx context.Context) ([]school.Room, error) {
	rooms := make([]school.Room, 0)
	err := repo.db.SelectContext(ctx, &rooms, `SELECT id, name, location, capacity FROM rooms ORDER BY name`)
	return rooms, err
}

func (repo *schoolRepository) CreateSubject(ctx context.Context, s school.Subject) (school.Subject, error) {
	query := `
	INSERT INTO subjects (code, name, weekly_hours, is_active)
	VALUES (:code, :name, :weekly_hours, :is_active)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, s, &s.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Subject{}, school.ErrSubjectExists
		}
		return school.Subject{}, pkgerrors.Wrap(err, "inserting subject")
	}
	return s, nil
}

func (repo *schoolRepository) GetSubject(ctx context.Context, id int) (school.Subject, error) {
	var s school.Subject
	err := repo.db.GetContext(ctx, &s,
		`SELECT id, code, name, weekly_hours, is_active FROM subjects WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.Subject{}, school.ErrNotFound
	}
	return s, err
}

func (repo *schoolRepository) QuerySubjects(ctx context.Context, activeOnly bool) ([]school.Subject, error) {
	query := `SELECT id, code, name, weekly_hours, is_active FROM subjects`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY code`

	subjects := make([]school.Subject, 0)
	err := repo.db.SelectContext(ctx, &subjects, query)
	return subjects, err
}

func (repo *schoolRepository) UpdateSubject(ctx context.Context, s school.Subject) (school.Subject, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE subjects SET code = :code, name = :name, weekly_hours = :weekly_hours, is_active = :is_active
	WHERE id = :id`, s)
	if err != nil {
		return school.Subject{}, pkgerrors.Wrap(err, "updating subject")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return school.Subject{}, school.ErrNotFound
	}
	return s, nil
}

func (repo *schoolRepository) CreateCourse(ctx context.Context, c school.Course) (school.Course, error) {
	query := `
	INSERT INTO courses (year_id, level_id, name, head_teacher_id, created_at)
	VALUES (:year_id, :level_id, :name, :head_teacher_id, :created_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, c, &c.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Course{}, school.ErrCourseExists
		}
		return school.Course{}, pkgerrors.Wrap(err, "inserting course")
	}
	return c, nil
}

func (repo *schoolRepository) GetCourse(ctx context.Context, id int) (school.Course, error) {
	var c school.Course
	err := repo.db.GetContext(ctx, &c,
		`SELECT id, year_id, level_id, name, head_teacher_id, created_at FROM courses WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.Course{}, school.ErrNotFound
	}
	return c, err
}

func (repo *schoolRepository) QueryCourses(ctx context.Context, filter *school.CourseFilter) ([]school.Course, error) {
	query := `SELECT id, year_id, level_id, name, head_teacher_id, created_at FROM courses`
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.YearID != 0 {
			conds = append(conds, "year_id = "+arg(filter.YearID))
		}
		if filter.LevelID != 0 {
			conds = append(conds, "level_id = "+arg(filter.LevelID))
		}
		if filter.HeadTeacherID != 0 {
			conds = append(conds, "head_teacher_id = "+arg(filter.HeadTeacherID))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	courses := make([]school.Course, 0)
	err := repo.db.SelectContext(ctx, &courses, query, args...)
	return courses, err
}

func (repo *schoolRepository) UpdateCourse(ctx context.Context, c school.Course) (school.Course, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE courses SET year_id = :year_id, level_id = :level_id, name = :name, head_teacher_id = :head_teacher_id
	WHERE id = :id`, c)
	if err != nil {
		return school.Course{}, pkgerrors.Wrap(err, "updating course")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return school.Course{}, school.ErrNotFound
	}
	return c, nil
}

func (repo *schoolRepository) CreateAssignment(ctx context.Context, a school.TeachingAssignment) (school.TeachingAssignment, error) {
	query := `
	INSERT INTO teaching_assignments (course_id, subject_id, teacher_id, created_at)
	VALUES (:course_id, :subject_id, :teacher_id, :created_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, a, &a.ID); err != nil {
		if isUniqueViolation(err) {
			return school.TeachingAssignment{}, school.ErrAssignmentExists
		}
		return school.TeachingAssignment{}, pkgerrors.Wrap(err, "inserting assignment")
	}
	return a, nil
}

func (repo *schoolRepository) GetAssignment(ctx context.Context, id int) (school.TeachingAssignment, error) {
	var a school.TeachingAssignment
	err := repo.db.GetContext(ctx, &a,
		`SELECT id, course_id, subject_id, teacher_id, created_at FROM teaching_assignments WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.TeachingAssignment{}, school.ErrNotFound
	}
	return a, err
}

func (repo *schoolRepository) QueryAssignments(ctx context.Context, courseID, teacherID int) ([]school.TeachingAssignment, error) {
	query := `SELECT id, course_id, subject_id, teacher_id, created_at FROM teaching_assignments`
	var conds []string
	var args []interface{}
	if courseID != 0 {
		args = append(args, courseID)
		conds = append(conds, fmt.Sprintf("course_id = $%d", len(args)))
	}
	if teacherID != 0 {
		args = append(args, teacherID)
		conds = append(conds, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	assignments := make([]school.TeachingAssignment, 0)
	err := repo.db.SelectContext(ctx, &assignments, query, args...)
	return assignments, err
}

func (repo *schoolRepository) CreateEnrollment(ctx context.Context, e school.Enrollment) (school.Enrollment, error) {
	query := `
	INSERT INTO enrollments (student_id, course_id, year_id, status, enrolled_at)
	VALUES (:student_id, :course_id, :year_id, :status, :enrolled_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, e, &e.ID); err != nil {
		if isUniqueViolation(err) {
			return school.Enrollment{}, school.ErrAlreadyEnrolled
		}
		return school.Enrollment{}, pkgerrors.Wrap(err, "inserting enrollment")
	}
	return e, nil
}

func (repo *schoolRepository) GetEnrollment(ctx context.Context, id int) (school.Enrollment, error) {
	var e school.Enrollment
	err := repo.db.GetContext(ctx, &e,
		`SELECT id, student_id, course_id, year_id, status, enrolled_at FROM enrollments WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return school.Enrollment{}, school.ErrNotFound
	}
	return e, err
}

func (repo *schoolRepository) QueryEnrollments(ctx context.Context, filter *school.EnrollmentFilter) ([]school.Enrollment, error) {
	query := `SELECT id, student_id, course_id, year_id, status, enrolled_at FROM enrollments`
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.StudentID != 0 {
			conds = append(conds, "student_id = "+arg(filter.StudentID))
		}
		if filter.CourseID != 0 {
			conds = append(conds, "course_id = "+arg(filter.CourseID))
		}
		if filter.YearID != 0 {
			conds = append(conds, "year_id = "+arg(filter.YearID))
		}
		if filter.Status != "" {
			conds = append(conds, "status = "+arg(filter.Status))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	enrollments := make([]school.Enrollment, 0)
	err := repo.db.SelectContext(ctx, &enrollments, query, args...)
	return enrollments, err
}

func (repo *schoolRepository) UpdateEnrollment(ctx context.Context, e school.Enrollment) (school.Enrollment, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db,
		`UPDATE enrollments SET status = :status WHERE id = :id`, e)
	if err != nil {
		return school.Enrollment{}, pkgerrors.Wrap(err, "updating enrollment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return school.Enrollment{}, school.ErrNotFound
	}
	return e, nil
}

func (repo *schoolRepository) CountEnrollments(ctx context.Context, courseID int, status string) (int, error) {
	query := `SELECT COUNT(*) FROM enrollments WHERE course_id = $1`
	args := []interface{}{courseID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	var n int
	err := repo.db.GetContext(ctx, &n, query, args...)
	return n, err
}

const scheduleColumns = `
	b.id, b.assignment_id, b.weekday, b.start_time, b.end_time, b.room_id,
	a.course_id AS course_id, a.teacher_id AS teacher_id, a.subject_id AS subject_id`

func (repo *schoolRepository) CreateScheduleBlock(ctx context.Context, b school.ScheduleBlock) (school.ScheduleBlock, error) {
	query := `
	INSERT INTO schedule_blocks (assignment_id, weekday, start_time, end_time, room_id)
	VALUES (:assignment_id, :weekday, :start_time, :end_time, :room_id)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, b, &b.ID); err != nil {
		return school.ScheduleBlock{}, pkgerrors.Wrap(err, "inserting schedule block")
	}
	return b, nil
}

func (repo *schoolRepository) QueryScheduleBlocks(ctx context.Context, filter *school.ScheduleFilter) ([]school.ScheduleBlock, error) {
	query := fmt.Sprintf(`
	SELECT %s
	FROM schedule_blocks b
	JOIN teaching_assignments a ON a.id = b.assignment_id`, scheduleColumns)

	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.CourseID != 0 {
			conds = append(conds, "a.course_id = "+arg(filter.CourseID))
		}
		if filter.TeacherID != 0 {
			conds = append(conds, "a.teacher_id = "+arg(filter.TeacherID))
		}
		if filter.RoomID != 0 {
			conds = append(conds, "b.room_id = "+arg(filter.RoomID))
		}
		if filter.Weekday != 0 {
			conds = append(conds, "b.weekday = "+arg(filter.Weekday))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY b.weekday, b.start_time"

	blocks := make([]school.ScheduleBlock, 0)
	err := repo.db.SelectContext(ctx, &blocks, query, args...)
	return blocks, err
}
