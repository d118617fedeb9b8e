package academics_test

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
	emailsvc "github.com/ncastellan/escolar/services/email"
	logsvc "github.com/ncastellan/escolar/services/logger"
	inmemdb "github.com/ncastellan/escolar/storage/database/inmem"
)

type fixture struct {
	conf *core.Config

	usrSvc    user.ServiceInterface
	schoolSvc school.ServiceInterface
	svc       academics.ServiceInterface

	outboxRepo outbox.Repository

	teacher    user.User
	student    user.User
	year       school.AcademicYear
	term       school.Term
	course     school.Course
	subject    school.Subject
	assignment school.TeachingAssignment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	conf := core.NewConfig()
	conf.Debug = false
	conf.TestMode = true

	db := inmemdb.NewDB()
	usrRepo := inmemdb.NewUserRepository(db)
	schoolRepo := inmemdb.NewSchoolRepository(db)
	acadRepo := inmemdb.NewAcademicsRepository(db)
	outboxRepo := inmemdb.NewOutboxRepository(db)

	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags), conf)
	logger.Enable(false)
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	queue := outbox.NewQueue(outboxRepo)
	usrSvc := user.NewServiceMock(usrRepo, mailSvc, queue, logger, conf)
	schoolSvc := school.NewService(schoolRepo, usrSvc)
	svc := academics.NewService(acadRepo, schoolSvc, usrSvc, queue, logger, conf)

	f := &fixture{
		conf:       conf,
		usrSvc:     usrSvc,
		schoolSvc:  schoolSvc,
		svc:        svc,
		outboxRepo: outboxRepo,
	}

	f.teacher = f.createUser(t, "Tamara", "Pinto", "tpinto", user.RoleTeacher)
	f.student = f.createUser(t, "Pedro", "Soto", "psoto", user.RoleStudent)

	var err error
	f.year, err = schoolSvc.CreateYear(ctx, school.NewAcademicYear{Name: "2026", StartDate: "2026-03-01", EndDate: "2026-12-15"})
	require.NoError(t, err)
	f.term, err = schoolSvc.CreateTerm(ctx, school.NewTerm{YearID: f.year.ID, Name: "1er Semestre", Order: 1, StartDate: "2026-03-01", EndDate: "2026-07-15"})
	require.NoError(t, err)
	level, err := schoolSvc.CreateLevel(ctx, school.NewLevel{Name: "1° Medio", Order: 9})
	require.NoError(t, err)
	f.subject, err = schoolSvc.CreateSubject(ctx, school.NewSubject{Code: "MAT", Name: "Matemática", WeeklyHours: 6})
	require.NoError(t, err)
	f.course, err = schoolSvc.CreateCourse(ctx, school.NewCourse{YearID: f.year.ID, LevelID: level.ID, Name: "1° Medio A", HeadTeacherID: f.teacher.ID})
	require.NoError(t, err)
	f.assignment, err = schoolSvc.CreateAssignment(ctx, school.NewAssignment{CourseID: f.course.ID, SubjectID: f.subject.ID, TeacherID: f.teacher.ID})
	require.NoError(t, err)
	_, err = schoolSvc.Enroll(ctx, school.NewEnrollment{StudentID: f.student.ID, CourseID: f.course.ID, YearID: f.year.ID})
	require.NoError(t, err)

	return f
}

func (f *fixture) createUser(t *testing.T, firstName, lastName, uname, role string) user.User {
	t.Helper()
	usr, err := f.usrSvc.Create(context.Background(), user.NewUser{
		FirstName:       firstName,
		LastName:        lastName,
		Username:        uname,
		Email:           uname + "@escolar.cl",
		Role:            role,
		Password:        "LolC@t123",
		PasswordConfirm: "LolC@t123",
	})
	require.NoError(t, err)
	return usr
}

func (f *fixture) newEvaluation(t *testing.T, title, date string, maxScore, weight float64) academics.Evaluation {
	t.Helper()
	eval, err := f.svc.CreateEvaluation(context.Background(), academics.NewEvaluation{
		AssignmentID: f.assignment.ID,
		TermID:       f.term.ID,
		Type:         academics.EvalTypeTest,
		Title:        title,
		Date:         date,
		MaxScore:     maxScore,
		Weight:       weight,
	}, f.teacher)
	require.NoError(t, err)
	return eval
}

func TestGradeFromPercentage(t *testing.T) {
	tests := []struct {
		pct  float64
		want float64
	}{
		{pct: -10, want: 1.0},
		{pct: 0, want: 1.0},
		{pct: 30, want: 2.5},
		{pct: 60, want: 4.0},
		{pct: 80, want: 5.5},
		{pct: 100, want: 7.0},
		{pct: 150, want: 7.0},
	}
	for _, tt := range tests {
		if got := academics.GradeFromPercentage(tt.pct); got != tt.want {
			t.Errorf("GradeFromPercentage(%v) = %v, want %v", tt.pct, got, tt.want)
		}
	}
}

func TestService_GenerateTermReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two evaluations, weighted 60/40
	eval1 := f.newEvaluation(t, "Prueba 1", "2026-04-10", 100, 60)
	eval2 := f.newEvaluation(t, "Prueba 2", "2026-05-10", 100, 40)

	// 100% on the first, 60% on the second
	_, err := f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval1.ID, StudentID: f.student.ID, Score: 100}, f.teacher)
	require.NoError(t, err)
	_, err = f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval2.ID, StudentID: f.student.ID, Score: 60}, f.teacher)
	require.NoError(t, err)

	report, err := f.svc.GenerateTermReport(ctx, f.student.ID, f.term.ID)
	require.NoError(t, err)

	// weighted pct = 100*0.6 + 60*0.4 = 84% -> 4.0 + 3.0*24/40 = 5.8
	assert.Equal(t, 5.8, report.OverallAverage)
	assert.Equal(t, f.student.ID, report.StudentID)
	assert.Equal(t, f.term.ID, report.TermID)

	// no grades, no report
	_, err = f.svc.GenerateTermReport(ctx, 999, f.term.ID)
	assert.Equal(t, academics.ErrNotFound, err)
}

func TestService_GenerateTermReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.createUser(t, "Olga", "Lagos", "olagos", user.RoleStudent)
	_, err := f.schoolSvc.Enroll(ctx, school.NewEnrollment{StudentID: other.ID, CourseID: f.course.ID, YearID: f.year.ID})
	require.NoError(t, err)

	eval := f.newEvaluation(t, "Prueba 1", "2026-04-10", 70, 100)
	for _, studentID := range []int{f.student.ID, other.ID} {
		_, err = f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: studentID, Score: 42}, f.teacher)
		require.NoError(t, err)
	}

	n, err := f.svc.GenerateTermReports(ctx, f.term.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 42/70 = 60% -> exactly the passing mark
	report, err := f.svc.TermReportFor(ctx, f.student.ID, f.term.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, report.OverallAverage)
}

func TestService_ExportTermReportCSV_rowsOrderedByStudent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	students := []user.User{f.student}
	extra := []struct{ first, last, uname string }{
		{"Olga", "Lagos", "olagos"},
		{"Marta", "Reyes", "mreyes"},
		{"Juan", "Vidal", "jvidal"},
	}
	for _, e := range extra {
		s := f.createUser(t, e.first, e.last, e.uname, user.RoleStudent)
		_, err := f.schoolSvc.Enroll(ctx, school.NewEnrollment{StudentID: s.ID, CourseID: f.course.ID, YearID: f.year.ID})
		require.NoError(t, err)
		students = append(students, s)
	}

	eval := f.newEvaluation(t, "Prueba 1", "2026-04-10", 100, 100)
	for i, s := range students {
		_, err := f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: s.ID, Score: float64(65 + 5*i)}, f.teacher)
		require.NoError(t, err)
	}

	out, err := f.svc.ExportTermReportCSV(ctx, f.course.ID, f.subject.ID, f.term.ID)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var detail []string
	for i, line := range lines {
		if strings.HasPrefix(line, "DETALLE POR ESTUDIANTE") {
			detail = lines[i+2:] // skip the column header row
			break
		}
	}
	require.Len(t, detail, len(students))

	// per-student rows come out in ascending student ID order
	prev := 0
	for _, line := range detail {
		id, aerr := strconv.Atoi(strings.SplitN(line, ";", 2)[0])
		require.NoError(t, aerr)
		assert.Greater(t, id, prev)
		prev = id
	}

	// repeated exports are byte for byte identical
	again, err := f.svc.ExportTermReportCSV(ctx, f.course.ID, f.subject.ID, f.term.ID)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))
}

func TestService_RecordGrade_scoreBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eval := f.newEvaluation(t, "Prueba 1", "2026-04-10", 60, 100)

	_, err := f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: f.student.ID, Score: 61}, f.teacher)
	assert.EqualError(t, err, academics.ErrScoreOutOfRange.Error())

	_, err = f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: f.student.ID, Score: -1}, f.teacher)
	assert.EqualError(t, err, academics.ErrScoreOutOfRange.Error())

	// re-grading overwrites, not duplicates
	_, err = f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: f.student.ID, Score: 30}, f.teacher)
	require.NoError(t, err)
	_, err = f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: f.student.ID, Score: 45}, f.teacher)
	require.NoError(t, err)

	grades, err := f.svc.Grades(ctx, &academics.GradeFilter{EvaluationID: eval.ID})
	require.NoError(t, err)
	require.Len(t, grades, 1)
	assert.Equal(t, 45.0, grades[0].Score)
}

func TestService_MarkLateEvaluations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := f.newEvaluation(t, "Prueba atrasada", time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02"), 100, 50)
	f.newEvaluation(t, "Prueba futura", time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02"), 100, 50)

	n, err := f.svc.MarkLateEvaluations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evals, err := f.svc.Evaluations(ctx, &academics.EvaluationFilter{Status: academics.EvalLate})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, past.ID, evals[0].ID)
}

func TestService_ScanForRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a failing average: 30% -> 2.5
	eval := f.newEvaluation(t, "Prueba 1", "2026-04-10", 100, 100)
	_, err := f.svc.RecordGrade(ctx, academics.NewGrade{EvaluationID: eval.ID, StudentID: f.student.ID, Score: 30}, f.teacher)
	require.NoError(t, err)

	created, err := f.svc.ScanForRisk(ctx, f.term.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	alerts, err := f.svc.Alerts(ctx, &academics.AlertFilter{StudentID: f.student.ID, Status: academics.AlertOpen})
	require.NoError(t, err)
	var alert academics.EarlyAlert
	for _, a := range alerts {
		if a.Reason == "Rendimiento deficiente" {
			alert = a
		}
	}
	require.NotZero(t, alert.ID, "expected a risk alert for the student")
	assert.Equal(t, academics.AlertHigh, alert.Level)

	// a second scan does not duplicate the open alert
	created, err = f.svc.ScanForRisk(ctx, f.term.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestService_StudentAttendanceStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	days := []struct {
		date   string
		status string
	}{
		{"2026-03-02", academics.AttendancePresent},
		{"2026-03-03", academics.AttendancePresent},
		{"2026-03-04", academics.AttendanceAbsent},
		{"2026-03-05", academics.AttendanceTardy},
		{"2026-03-06", academics.AttendanceExcused},
	}
	for _, d := range days {
		na := academics.NewAttendance{
			StudentID: f.student.ID,
			CourseID:  f.course.ID,
			SubjectID: f.subject.ID,
			Date:      d.date,
			Status:    d.status,
		}
		if d.status == academics.AttendanceExcused {
			na.Justification = "Certificado médico"
		}
		_, err := f.svc.RecordAttendance(ctx, na, f.teacher)
		require.NoError(t, err)
	}

	stats, err := f.svc.StudentAttendanceStats(ctx, f.student.ID, f.course.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Present)
	assert.Equal(t, 1, stats.Absent)
	assert.Equal(t, 1, stats.Tardy)
	assert.Equal(t, 1, stats.Excused)
	assert.Equal(t, 40.0, stats.AbsencePct)
	assert.Equal(t, 20.0, stats.TardyPct)
}

func TestService_CreateAlert_notifiesHeadTeacher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.svc.CreateAlert(ctx, academics.NewAlert{
		StudentID: f.student.ID,
		CourseID:  f.course.ID,
		Reason:    "Convivencia escolar",
		Level:     academics.AlertMedium,
	}, nil)
	require.NoError(t, err)
	assert.True(t, alert.Notified)

	notifs, err := f.usrSvc.Notifications(ctx, f.teacher.ID, true)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Contains(t, notifs[0].Title, f.student.FullName())

	// the head teacher also gets a queued email
	msgs, err := f.outboxRepo.GetPendingMessages(ctx, f.conf.Outbox.BatchSize, f.conf.Outbox.MaxAttempts)
	require.NoError(t, err)

	var found bool
	for _, m := range msgs {
		if m.Kind == outbox.KindUser && m.UserID.Int == f.teacher.ID {
			found = true
		}
	}
	assert.True(t, found, "expected an outbox message for the head teacher")
}
