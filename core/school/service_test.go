package school_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
	inmemdb "github.com/ncastellan/escolar/storage/database/inmem"
)

type catalogFixture struct {
	svc     school.ServiceInterface
	usrRepo user.Repository

	teacher user.User
	student user.User
	year    school.AcademicYear
	level   school.Level
	subject school.Subject
	course  school.Course
}

func newCatalogFixture(t *testing.T) *catalogFixture {
	t.Helper()
	ctx := context.Background()

	db := inmemdb.NewDB()
	usrRepo := inmemdb.NewUserRepository(db)
	svc := school.NewService(inmemdb.NewSchoolRepository(db), userGetter{usrRepo})

	f := &catalogFixture{svc: svc, usrRepo: usrRepo}
	f.teacher = f.createUser(t, "Tamara", "Pinto", user.RoleTeacher)
	f.student = f.createUser(t, "Pedro", "Soto", user.RoleStudent)

	var err error
	f.year, err = svc.CreateYear(ctx, school.NewAcademicYear{Name: "2026", StartDate: "2026-03-01", EndDate: "2026-12-15", IsActive: true})
	require.NoError(t, err)
	f.level, err = svc.CreateLevel(ctx, school.NewLevel{Name: "1° Medio", Order: 9})
	require.NoError(t, err)
	f.subject, err = svc.CreateSubject(ctx, school.NewSubject{Code: "MAT", Name: "Matemática", WeeklyHours: 6})
	require.NoError(t, err)
	f.course, err = svc.CreateCourse(ctx, school.NewCourse{YearID: f.year.ID, LevelID: f.level.ID, Name: "1° Medio A"})
	require.NoError(t, err)
	return f
}

// userGetter adapts the repository to the role-check interface the catalog
// consumes, skipping the full user service.
type userGetter struct {
	repo user.Repository
}

func (g userGetter) GetByID(ctx context.Context, id int) (user.User, error) {
	return g.repo.GetUser(ctx, user.GetFilter{ID: id})
}

func (f *catalogFixture) createUser(t *testing.T, firstName, lastName, role string) user.User {
	t.Helper()
	usr, err := f.usrRepo.CreateUser(context.Background(), user.User{
		FirstName: firstName,
		LastName:  lastName,
		Username:  firstName,
		Email:     firstName + "@escolar.cl",
		Role:      role,
		IsActive:  true,
	})
	require.NoError(t, err)
	return usr
}

func (f *catalogFixture) newAssignment(t *testing.T, teacherID int) school.TeachingAssignment {
	t.Helper()
	asg, err := f.svc.CreateAssignment(context.Background(), school.NewAssignment{
		CourseID:  f.course.ID,
		SubjectID: f.subject.ID,
		TeacherID: teacherID,
	})
	require.NoError(t, err)
	return asg
}

func TestService_CreateCourse_headTeacherRole(t *testing.T) {
	f := newCatalogFixture(t)

	_, err := f.svc.CreateCourse(context.Background(), school.NewCourse{
		YearID:        f.year.ID,
		LevelID:       f.level.ID,
		Name:          "1° Medio B",
		HeadTeacherID: f.student.ID,
	})
	assert.EqualError(t, err, school.ErrNotATeacher.Error())

	course, err := f.svc.CreateCourse(context.Background(), school.NewCourse{
		YearID:        f.year.ID,
		LevelID:       f.level.ID,
		Name:          "1° Medio C",
		HeadTeacherID: f.teacher.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.teacher.ID, course.HeadTeacherID.Int)
}

func TestService_CreateAssignment_teacherRole(t *testing.T) {
	f := newCatalogFixture(t)

	_, err := f.svc.CreateAssignment(context.Background(), school.NewAssignment{
		CourseID:  f.course.ID,
		SubjectID: f.subject.ID,
		TeacherID: f.student.ID,
	})
	assert.EqualError(t, err, school.ErrNotATeacher.Error())
}

func TestService_Enroll(t *testing.T) {
	f := newCatalogFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enroll(ctx, school.NewEnrollment{StudentID: f.teacher.ID, CourseID: f.course.ID, YearID: f.year.ID})
	assert.EqualError(t, err, school.ErrNotAStudent.Error())

	enr, err := f.svc.Enroll(ctx, school.NewEnrollment{StudentID: f.student.ID, CourseID: f.course.ID, YearID: f.year.ID})
	require.NoError(t, err)
	assert.Equal(t, school.EnrollmentActive, enr.Status)

	_, err = f.svc.Enroll(ctx, school.NewEnrollment{StudentID: f.student.ID, CourseID: f.course.ID, YearID: f.year.ID})
	assert.Equal(t, school.ErrAlreadyEnrolled, err)

	count, err := f.svc.ActiveStudentCount(ctx, f.course.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	enr, err = f.svc.Withdraw(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, school.EnrollmentWithdrawn, enr.Status)

	count, err = f.svc.ActiveStudentCount(ctx, f.course.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestService_CreateScheduleBlock_conflicts(t *testing.T) {
	f := newCatalogFixture(t)
	ctx := context.Background()

	room, err := f.svc.CreateRoom(ctx, school.NewRoom{Name: "Sala 101", Capacity: 40})
	require.NoError(t, err)

	asg := f.newAssignment(t, f.teacher.ID)
	_, err = f.svc.CreateScheduleBlock(ctx, school.NewScheduleBlock{
		AssignmentID: asg.ID,
		Weekday:      1,
		StartTime:    "08:00",
		EndTime:      "09:30",
		RoomID:       room.ID,
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		block      school.NewScheduleBlock
		wantFields []string
	}{
		{
			name:       "same assignment overlapping",
			block:      school.NewScheduleBlock{AssignmentID: asg.ID, Weekday: 1, StartTime: "09:00", EndTime: "10:30", RoomID: room.ID},
			wantFields: []string{"room_id", "teacher_id", "course_id"},
		},
		{
			name:  "touching blocks do not overlap",
			block: school.NewScheduleBlock{AssignmentID: asg.ID, Weekday: 1, StartTime: "09:30", EndTime: "11:00", RoomID: room.ID},
		},
		{
			name:  "other weekday",
			block: school.NewScheduleBlock{AssignmentID: asg.ID, Weekday: 2, StartTime: "08:00", EndTime: "09:30", RoomID: room.ID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateScheduleBlock(ctx, tt.block)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			verr, ok := err.(*core.ValidationError)
			require.True(t, ok, "want *core.ValidationError, got %T", err)
			var fields []string
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
			}
			assert.ElementsMatch(t, tt.wantFields, fields)
		})
	}
}

func TestService_CreateScheduleBlock_teacherDoubleBooking(t *testing.T) {
	f := newCatalogFixture(t)
	ctx := context.Background()

	// same teacher, different course, no room on the second block
	otherCourse, err := f.svc.CreateCourse(ctx, school.NewCourse{YearID: f.year.ID, LevelID: f.level.ID, Name: "1° Medio B"})
	require.NoError(t, err)
	asg1 := f.newAssignment(t, f.teacher.ID)
	asg2, err := f.svc.CreateAssignment(ctx, school.NewAssignment{CourseID: otherCourse.ID, SubjectID: f.subject.ID, TeacherID: f.teacher.ID})
	require.NoError(t, err)

	_, err = f.svc.CreateScheduleBlock(ctx, school.NewScheduleBlock{AssignmentID: asg1.ID, Weekday: 3, StartTime: "10:00", EndTime: "11:30"})
	require.NoError(t, err)

	_, err = f.svc.CreateScheduleBlock(ctx, school.NewScheduleBlock{AssignmentID: asg2.ID, Weekday: 3, StartTime: "11:00", EndTime: "12:30"})
	verr, ok := err.(*core.ValidationError)
	require.True(t, ok, "want *core.ValidationError, got %T", err)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "teacher_id", verr.Fields[0].Field)
}
