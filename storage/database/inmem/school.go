package inmemdb

import (
	"context"
	"sort"

	"github.com/ncastellan/escolar/core/school"
)

type schoolRepository struct {
	db *DB
}

func NewSchoolRepository(db *DB) school.Repository {
	return &schoolRepository{db: db}
}

func (repo *schoolRepository) CreateYear(ctx context.Context, y school.AcademicYear) (school.AcademicYear, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.years {
		if other.Name == y.Name {
			return school.AcademicYear{}, school.ErrYearExists
		}
	}
	y.ID = repo.db.nextPK()
	repo.db.years[y.ID] = &y
	return y, nil
}

func (repo *schoolRepository) GetYear(ctx context.Context, id int) (school.AcademicYear, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if y, ok := repo.db.years[id]; ok {
		return *y, nil
	}
	return school.AcademicYear{}, school.ErrNotFound
}

func (repo *schoolRepository) GetActiveYear(ctx context.Context) (school.AcademicYear, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, y := range repo.db.years {
		if y.IsActive {
			return *y, nil
		}
	}
	return school.AcademicYear{}, school.ErrNotFound
}

func (repo *schoolRepository) QueryYears(ctx context.Context) ([]school.AcademicYear, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]school.AcademicYear, 0, len(repo.db.years))
	for _, y := range repo.db.years {
		res = append(res, *y)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (repo *schoolRepository) UpdateYear(ctx context.Context, y school.AcademicYear) (school.AcademicYear, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.years[y.ID]; !ok {
		return school.AcademicYear{}, school.ErrNotFound
	}
	repo.db.years[y.ID] = &y
	return y, nil
}

func (repo *schoolRepository) CreateTerm(ctx context.Context, t school.Term) (school.Term, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.terms {
		if other.YearID == t.YearID && other.Order == t.Order {
			return school.Term{}, school.ErrTermOrderExists
		}
	}
	t.ID = repo.db.nextPK()
	repo.db.terms[t.ID] = &t
	return t, nil
}

func (repo *schoolRepository) GetTerm(ctx context.Context, id int) (school.Term, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if t, ok := repo.db.terms[id]; ok {
		return *t, nil
	}
	return school.Term{}, school.ErrNotFound
}

func (repo *schoolRepository) QueryTerms(ctx context.Context, yearID int) ([]school.Term, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []school.Term
	for _, t := range repo.db.terms {
		if yearID == 0 || t.YearID == yearID {
			res = append(res, *t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Order < res[j].Order })
	return res, nil
}

func (repo *schoolRepository) CreateLevel(ctx context.Context, l school.Level) (school.Level, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.levels {
		if other.Name == l.Name {
			return school.Level{}, school.ErrLevelExists
		}
	}
	l.ID = repo.db.nextPK()
	repo.db.levels[l.ID] = &l
	return l, nil
}

func (repo *schoolRepository) QueryLevels(ctx context.Context) ([]school.Level, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]school.Level, 0, len(repo.db.levels))
	for _, l := range repo.db.levels {
		res = append(res, *l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Order < res[j].Order })
	return res, nil
}

func (repo *schoolRepository) CreateRoom(ctx context.Context, r school.Room) (school.Room, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.rooms {
		if other.Name == r.Name {
			return school.Room{}, school.ErrRoomExists
		}
	}
	r.ID = repo.db.nextPK()
	repo.db.rooms[r.ID] = &r
	return r, nil
}

func (repo *schoolRepository) QueryRooms(ctx context.Context) ([]school.Room, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]school.Room, 0, len(repo.db.rooms))
	for _, r := range repo.db.rooms {
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (repo *schoolRepository) CreateSubject(ctx context.Context, s school.Subject) (school.Subject, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.subjects {
		if other.Code == s.Code {
			return school.Subject{}, school.ErrSubjectExists
		}
	}
	s.ID = repo.db.nextPK()
	repo.db.subjects[s.ID] = &s
	return s, nil
}

func (repo *schoolRepository) GetSubject(ctx context.Context, id int) (school.Subject, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if s, ok := repo.db.subjects[id]; ok {
		return *s, nil
	}
	return school.Subject{}, school.ErrNotFound
}

func (repo *schoolRepository) QuerySubjects(ctx context.Context, activeOnly bool) ([]school.Subject, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]school.Subject, 0, len(repo.db.subjects))
	for _, s := range repo.db.subjects {
		if activeOnly && !s.IsActive {
			continue
		}
		res = append(res, *s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (repo *schoolRepository) UpdateSubject(ctx context.Context, s school.Subject) (school.Subject, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.subjects[s.ID]; !ok {
		return school.Subject{}, school.ErrNotFound
	}
	repo.db.subjects[s.ID] = &s
	return s, nil
}

func (repo *schoolRepository) CreateCourse(ctx context.Context, c school.Course) (school.Course, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.courses {
		if other.YearID == c.YearID && other.Name == c.Name {
			return school.Course{}, school.ErrCourseExists
		}
	}
	c.ID = repo.db.nextPK()
	repo.db.courses[c.ID] = &c
	return c, nil
}

func (repo *schoolRepository) GetCourse(ctx context.Context, id int) (school.Course, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c, ok := repo.db.courses[id]; ok {
		return *c, nil
	}
	return school.Course{}, school.ErrNotFound
}

func (repo *schoolRepository) QueryCourses(ctx context.Context, filter *school.CourseFilter) ([]school.Course, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]school.Course, 0, len(repo.db.courses))
	for _, c := range repo.db.courses {
		if filter != nil {
			if filter.YearID != 0 && c.YearID != filter.YearID {
				continue
			}
			if filter.LevelID != 0 && c.LevelID != filter.LevelID {
				continue
			}
			if filter.HeadTeacherID != 0 && (!c.HeadTeacherID.Valid || c.HeadTeacherID.Int != filter.HeadTeacherID) {
				continue
			}
		}
		res = append(res, *c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (repo *schoolRepository) UpdateCourse(ctx context.Context, c school.Course) (school.Course, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.courses[c.ID]; !ok {
		return school.Course{}, school.ErrNotFound
	}
	repo.db.courses[c.ID] = &c
	return c, nil
}

func (repo *schoolRepository) CreateAssignment(ctx context.Context, a school.TeachingAssignment) (school.TeachingAssignment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.assignments {
		if other.CourseID == a.CourseID && other.SubjectID == a.SubjectID {
			return school.TeachingAssignment{}, school.ErrAssignmentExists
		}
	}
	a.ID = repo.db.nextPK()
	repo.db.assignments[a.ID] = &a
	return a, nil
}

func (repo *schoolRepository) GetAssignment(ctx context.Context, id int) (school.TeachingAssignment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if a, ok := repo.db.assignments[id]; ok {
		return *a, nil
	}
	return school.TeachingAssignment{}, school.ErrNotFound
}

func (repo *schoolRepository) QueryAssignments(ctx context.Context, courseID, teacherID int) ([]school.TeachingAssignment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []school.TeachingAssignment
	for _, a := range repo.db.assignments {
		if courseID != 0 && a.CourseID != courseID {
			continue
		}
		if teacherID != 0 && a.TeacherID != teacherID {
			continue
		}
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (repo *schoolRepository) CreateEnrollment(ctx context.Context, e school.Enrollment) (school.Enrollment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.enrollments {
		if other.StudentID == e.StudentID && other.CourseID == e.CourseID && other.YearID == e.YearID {
			return school.Enrollment{}, school.ErrAlreadyEnrolled
		}
	}
	e.ID = repo.db.nextPK()
	repo.db.enrollments[e.ID] = &e
	return e, nil
}

func (repo *schoolRepository) GetEnrollment(ctx context.Context, id int) (school.Enrollment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if e, ok := repo.db.enrollments[id]; ok {
		return *e, nil
	}
	return school.Enrollment{}, school.ErrNotFound
}

func (repo *schoolRepository) QueryEnrollments(ctx context.Context, filter *school.EnrollmentFilter) ([]school.Enrollment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []school.Enrollment
	for _, e := range repo.db.enrollments {
		if filter != nil {
			if filter.StudentID != 0 && e.StudentID != filter.StudentID {
				continue
			}
			if filter.CourseID != 0 && e.CourseID != filter.CourseID {
				continue
			}
			if filter.YearID != 0 && e.YearID != filter.YearID {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
		}
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (repo *schoolRepository) UpdateEnrollment(ctx context.Context, e school.Enrollment) (school.Enrollment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.enrollments[e.ID]; !ok {
		return school.Enrollment{}, school.ErrNotFound
	}
	repo.db.enrollments[e.ID] = &e
	return e, nil
}

func (repo *schoolRepository) CountEnrollments(ctx context.Context, courseID int, status string) (int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var n int
	for _, e := range repo.db.enrollments {
		if e.CourseID == courseID && (status == "" || e.Status == status) {
			n++
		}
	}
	return n, nil
}

func (repo *schoolRepository) CreateScheduleBlock(ctx context.Context, b school.ScheduleBlock) (school.ScheduleBlock, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	b.ID = repo.db.nextPK()
	repo.db.blocks[b.ID] = &b
	return b, nil
}

func (repo *schoolRepository) QueryScheduleBlocks(ctx context.Context, filter *school.ScheduleFilter) ([]school.ScheduleBlock, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []school.ScheduleBlock
	for _, b := range repo.db.blocks {
		if filter != nil {
			if filter.CourseID != 0 && b.CourseID != filter.CourseID {
				continue
			}
			if filter.TeacherID != 0 && b.TeacherID != filter.TeacherID {
				continue
			}
			if filter.RoomID != 0 && (!b.RoomID.Valid || b.RoomID.Int != filter.RoomID) {
				continue
			}
			if filter.Weekday != 0 && b.Weekday != filter.Weekday {
				continue
			}
		}
		res = append(res, *b)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Weekday != res[j].Weekday {
			return res[i].Weekday < res[j].Weekday
		}
		return res[i].StartTime < res[j].StartTime
	})
	return res, nil
}
