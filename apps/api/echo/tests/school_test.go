package tests

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

func Test_schoolApi_years(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)
	adminToken := getToken(t, admin)

	newYear := marchallObj(t, school.NewAcademicYear{Name: "2026", StartDate: "2026-03-01", EndDate: "2026-12-15"})

	tests := []httpTest{
		{name: "Auth required", method: http.MethodPost, path: "/v1/school/years", body: newYear, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", method: http.MethodPost, path: "/v1/school/years", body: newYear,
			token: getToken(t, student), wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{
			name: "required fields", method: http.MethodPost, path: "/v1/school/years", token: adminToken,
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{
				"name":       "this field is required",
				"start_date": "this field is required",
				"end_date":   "this field is required",
			}),
		},
		{name: "Created", method: http.MethodPost, path: "/v1/school/years", body: newYear, token: adminToken, wantCode: http.StatusCreated},
		{
			name: "Duplicate name rejected", method: http.MethodPost, path: "/v1/school/years", body: newYear,
			token: adminToken, wantCode: http.StatusBadRequest,
		},
		{name: "Anyone authed may list", method: http.MethodGet, path: "/v1/school/years", token: getToken(t, student), wantCode: http.StatusOK},
		{name: "Active year", method: http.MethodGet, path: "/v1/school/years/active", token: getToken(t, student), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			if tt.wantData == nil {
				if rec.Code != tt.wantCode {
					t.Errorf("failed! code = %v; wantCode %v; body = %s", rec.Code, tt.wantCode, rec.Body.String())
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

// seedSchool provisions the minimum structure for academic tests: an active
// year with one term, a level, a subject, a course and a teaching assignment.
type schoolSeed struct {
	year       school.AcademicYear
	term       school.Term
	level      school.Level
	subject    school.Subject
	course     school.Course
	assignment school.TeachingAssignment
	teacher    user.User
	student    user.User
	enrollment school.Enrollment
}

func seedSchool(t *testing.T) schoolSeed {
	t.Helper()

	teacher := createUser(t, "Tamara", "Pinto", "tpinto", "tpinto@escolar.cl", "", user.RoleTeacher, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)

	year, err := schoolSvc.CreateYear(ctx(), school.NewAcademicYear{Name: "2026", StartDate: "2026-03-01", EndDate: "2026-12-15"})
	if err != nil {
		t.Fatalf("CreateYear() failed: %v", err)
	}
	term, err := schoolSvc.CreateTerm(ctx(), school.NewTerm{YearID: year.ID, Name: "1er Semestre", Type: school.TermSemester, Order: 1, StartDate: "2026-03-01", EndDate: "2026-07-15"})
	if err != nil {
		t.Fatalf("CreateTerm() failed: %v", err)
	}
	level, err := schoolSvc.CreateLevel(ctx(), school.NewLevel{Name: "1° Medio", Order: 9})
	if err != nil {
		t.Fatalf("CreateLevel() failed: %v", err)
	}
	subject, err := schoolSvc.CreateSubject(ctx(), school.NewSubject{Code: "MAT", Name: "Matemática", WeeklyHours: 6})
	if err != nil {
		t.Fatalf("CreateSubject() failed: %v", err)
	}
	course, err := schoolSvc.CreateCourse(ctx(), school.NewCourse{YearID: year.ID, LevelID: level.ID, Name: "1° Medio A"})
	if err != nil {
		t.Fatalf("CreateCourse() failed: %v", err)
	}
	assignment, err := schoolSvc.CreateAssignment(ctx(), school.NewAssignment{CourseID: course.ID, SubjectID: subject.ID, TeacherID: teacher.ID})
	if err != nil {
		t.Fatalf("CreateAssignment() failed: %v", err)
	}
	enrollment, err := schoolSvc.Enroll(ctx(), school.NewEnrollment{StudentID: student.ID, CourseID: course.ID, YearID: year.ID})
	if err != nil {
		t.Fatalf("Enroll() failed: %v", err)
	}

	return schoolSeed{
		year:       year,
		term:       term,
		level:      level,
		subject:    subject,
		course:     course,
		assignment: assignment,
		teacher:    teacher,
		student:    student,
		enrollment: enrollment,
	}
}

func Test_schoolApi_enrollments(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	seed := seedSchool(t)
	adminToken := getToken(t, admin)

	// a teacher cannot be enrolled as a student
	body := marchallObj(t, school.NewEnrollment{StudentID: seed.teacher.ID, CourseID: seed.course.ID, YearID: seed.year.ID})
	req, rec := newAuthRequest(http.MethodPost, "/v1/school/enrollments", adminToken, body)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: school.ErrNotAStudent.Error()})}, rec)

	// enrolling the same student twice in the year fails
	body = marchallObj(t, school.NewEnrollment{StudentID: seed.student.ID, CourseID: seed.course.ID, YearID: seed.year.ID})
	req, rec = newAuthRequest(http.MethodPost, "/v1/school/enrollments", adminToken, body)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: school.ErrAlreadyEnrolled.Error()})}, rec)

	// course students listing is for teaching staff
	req, rec = newAuthRequest(http.MethodGet, "/v1/school/courses/"+strconv.Itoa(seed.course.ID)+"/students", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

	req, rec = newAuthRequest(http.MethodGet, "/v1/school/courses/"+strconv.Itoa(seed.course.ID)+"/students", getToken(t, seed.teacher))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallList(t, seed.student)}, rec)

	// withdraw
	req, rec = newAuthRequest(http.MethodPost, "/v1/school/enrollments/"+strconv.Itoa(seed.enrollment.ID)+"/withdraw", adminToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var withdrawn school.Enrollment
	if err := json.Unmarshal(rec.Body.Bytes(), &withdrawn); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if withdrawn.Status != school.EnrollmentWithdrawn {
		t.Errorf("failed! status = %s; want %s", withdrawn.Status, school.EnrollmentWithdrawn)
	}
}

func Test_schoolApi_scheduleConflicts(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	seed := seedSchool(t)
	adminToken := getToken(t, admin)

	block := func(weekday int, start, end string) []byte {
		return marchallObj(t, school.NewScheduleBlock{AssignmentID: seed.assignment.ID, Weekday: weekday, StartTime: start, EndTime: end})
	}

	// place a block
	req, rec := newAuthRequest(http.MethodPost, "/v1/school/schedule", adminToken, block(1, "08:00", "09:30"))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	// overlapping block on the same assignment is rejected
	req, rec = newAuthRequest(http.MethodPost, "/v1/school/schedule", adminToken, block(1, "09:00", "10:30"))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}

	// same times on another weekday are fine
	req, rec = newAuthRequest(http.MethodPost, "/v1/school/schedule", adminToken, block(2, "09:00", "10:30"))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	// schedule is visible to any authed user
	req, rec = newAuthRequest(http.MethodGet, "/v1/school/schedule?course_id="+strconv.Itoa(seed.course.ID), getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var blocks []school.ScheduleBlock
	if err := json.Unmarshal(rec.Body.Bytes(), &blocks); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Errorf("failed! len(blocks) = %d; want 2", len(blocks))
	}
}
