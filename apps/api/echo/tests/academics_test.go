package tests

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/user"
)

func Test_academicsApi_attendance(t *testing.T) {
	app := setup(t)

	seed := seedSchool(t)
	otherTeacher := createUser(t, "Olga", "Reyes", "oreyes", "oreyes@escolar.cl", "", user.RoleTeacher, true)

	record := func(studentID int, status string) []byte {
		return marchallObj(t, academics.NewAttendance{
			StudentID: studentID,
			CourseID:  seed.course.ID,
			SubjectID: seed.subject.ID,
			Date:      "2026-03-10",
			Status:    status,
		})
	}

	// students cannot record attendance
	req, rec := newAuthRequest(http.MethodPost, "/v1/academics/attendance", getToken(t, seed.student), record(seed.student.ID, academics.AttendancePresent))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

	// a teacher without the assignment cannot either
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/attendance", getToken(t, otherTeacher), record(seed.student.ID, academics.AttendancePresent))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrNotAssignedToYou.Error()})}, rec)

	// the assigned teacher records presence
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/attendance", getToken(t, seed.teacher), record(seed.student.ID, academics.AttendanceAbsent))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	// unenrolled students are rejected
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/attendance", getToken(t, seed.teacher), record(otherTeacher.ID, academics.AttendancePresent))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrNotEnrolled.Error()})}, rec)

	// the student sees their own record only
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/attendance", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var records []academics.Attendance
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(records) != 1 || records[0].StudentID != seed.student.ID {
		t.Errorf("failed! records = %+v", records)
	}

	// asking for someone else's records is forbidden
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/attendance?student_id=999", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)
}

func Test_academicsApi_evaluationsAndGrades(t *testing.T) {
	app := setup(t)

	seed := seedSchool(t)
	teacherToken := getToken(t, seed.teacher)

	newEval := func(title, date string) []byte {
		return marchallObj(t, academics.NewEvaluation{
			AssignmentID: seed.assignment.ID,
			TermID:       seed.term.ID,
			Type:         academics.EvalTypeTest,
			Title:        title,
			Date:         date,
			MaxScore:     100,
			Weight:       30,
		})
	}

	// evaluation outside the term window is rejected
	req, rec := newAuthRequest(http.MethodPost, "/v1/academics/evaluations", teacherToken, newEval("Prueba fuera de plazo", "2026-08-01"))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrDateOutsideTerm.Error()})}, rec)

	// create a draft evaluation
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/evaluations", teacherToken, newEval("Prueba 1", "2026-04-10"))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var eval academics.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &eval); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if eval.Status != academics.EvalDraft {
		t.Fatalf("failed! status = %s; want %s", eval.Status, academics.EvalDraft)
	}

	// drafts are hidden from students
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/evaluations", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	var evals []academics.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &evals); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(evals) != 0 {
		t.Errorf("failed! student sees %d draft evaluation(s)", len(evals))
	}

	// out-of-range scores are rejected
	badGrade := marchallObj(t, academics.NewGrade{EvaluationID: eval.ID, StudentID: seed.student.ID, Score: 150})
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/grades", teacherToken, badGrade)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrScoreOutOfRange.Error()})}, rec)

	// record a valid score
	goodGrade := marchallObj(t, academics.NewGrade{EvaluationID: eval.ID, StudentID: seed.student.ID, Score: 80})
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/grades", teacherToken, goodGrade)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	// publish
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/evaluations/"+strconv.Itoa(eval.ID)+"/publish", teacherToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// publishing twice fails
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/evaluations/"+strconv.Itoa(eval.ID)+"/publish", teacherToken)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrAlreadyPublished.Error()})}, rec)

	// now the student sees the evaluation and their grade
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/evaluations", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &evals); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(evals) != 1 {
		t.Errorf("failed! student sees %d evaluation(s); want 1", len(evals))
	}

	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/grades", getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	var grades []academics.Grade
	if err := json.Unmarshal(rec.Body.Bytes(), &grades); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if len(grades) != 1 || grades[0].Score != 80 {
		t.Errorf("failed! grades = %+v", grades)
	}
}

func Test_academicsApi_guardianScoping(t *testing.T) {
	app := setup(t)

	seed := seedSchool(t)
	guardian := createUser(t, "Gloria", "Soto", "gsoto", "gsoto@escolar.cl", "", user.RoleGuardian, true)
	otherStudent := createUser(t, "Olga", "Lagos", "olagos", "olagos@escolar.cl", "", user.RoleStudent, true)

	if err := usrSvc.LinkGuardian(ctx(), seed.student.ID, guardian.ID); err != nil {
		t.Fatalf("LinkGuardian() failed: %v", err)
	}

	guardianToken := getToken(t, guardian)

	// a guardian must name a student
	req, rec := newAuthRequest(http.MethodGet, "/v1/academics/grades", guardianToken)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

	// and only a linked one
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/grades?student_id="+strconv.Itoa(otherStudent.ID), guardianToken)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

	// linked student works
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/grades?student_id="+strconv.Itoa(seed.student.ID), guardianToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func Test_academicsApi_observationsAndAlerts(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	seed := seedSchool(t)
	adminToken := getToken(t, admin)

	// record an observation
	obsBody := marchallObj(t, academics.NewObservation{
		StudentID: seed.student.ID,
		CourseID:  seed.course.ID,
		Type:      academics.ObsDisciplinary,
		Severity:  academics.SeverityHigh,
		Detail:    "Interrumpe la clase constantemente",
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/academics/observations", getToken(t, seed.teacher), obsBody)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var obs academics.Observation
	if err := json.Unmarshal(rec.Body.Bytes(), &obs); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}

	// resolve it
	resolution := marchallObj(t, academics.ObservationResolution{Resolution: "Conversación con el apoderado"})
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/observations/"+strconv.Itoa(obs.ID)+"/resolve", getToken(t, seed.teacher), resolution)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// resolving twice fails
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/observations/"+strconv.Itoa(obs.ID)+"/resolve", getToken(t, seed.teacher), resolution)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrObservationClosed.Error()})}, rec)

	// manual alert
	alertBody := marchallObj(t, academics.NewAlert{
		StudentID: seed.student.ID,
		CourseID:  seed.course.ID,
		Reason:    "Inasistencias reiteradas",
		Level:     academics.AlertHigh,
	})
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/alerts", adminToken, alertBody)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var alert academics.EarlyAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &alert); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}

	// an open alert with the same reason is deduplicated
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/alerts", adminToken, alertBody)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: academics.ErrAlertAlreadyOpen.Error()})}, rec)

	// close it
	req, rec = newAuthRequest(http.MethodPost, "/v1/academics/alerts/"+strconv.Itoa(alert.ID)+"/close", adminToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func Test_academicsApi_reports(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	seed := seedSchool(t)
	adminToken := getToken(t, admin)

	// record and publish one evaluation with a perfect score
	eval, err := academicSvc.CreateEvaluation(ctx(), academics.NewEvaluation{
		AssignmentID: seed.assignment.ID,
		TermID:       seed.term.ID,
		Type:         academics.EvalTypeTest,
		Title:        "Prueba 1",
		Date:         "2026-04-10",
		MaxScore:     100,
		Weight:       100,
	}, seed.teacher)
	if err != nil {
		t.Fatalf("CreateEvaluation() failed: %v", err)
	}
	if _, err := academicSvc.RecordGrade(ctx(), academics.NewGrade{EvaluationID: eval.ID, StudentID: seed.student.ID, Score: 100}, seed.teacher); err != nil {
		t.Fatalf("RecordGrade() failed: %v", err)
	}
	if _, err := academicSvc.PublishEvaluation(ctx(), eval.ID, seed.teacher); err != nil {
		t.Fatalf("PublishEvaluation() failed: %v", err)
	}

	// generate for the whole term
	req, rec := newAuthRequest(http.MethodPost, "/v1/academics/reports/generate?term_id="+strconv.Itoa(seed.term.ID), adminToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var count CountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &count); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if count.Count != 1 {
		t.Errorf("failed! count = %d; want 1", count.Count)
	}

	// the student fetches their own report
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/reports?term_id="+strconv.Itoa(seed.term.ID), getToken(t, seed.student))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var report academics.TermReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	// a perfect score maps to the top of the 1.0 - 7.0 scale
	if report.OverallAverage != 7.0 {
		t.Errorf("failed! overall average = %v; want 7.0", report.OverallAverage)
	}

	// CSV export, semicolon separated
	req, rec = newAuthRequest(http.MethodGet, "/v1/academics/reports/export.csv?course_id="+strconv.Itoa(seed.course.ID)+"&subject_id="+strconv.Itoa(seed.subject.ID)+"&term_id="+strconv.Itoa(seed.term.ID), getToken(t, seed.teacher))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("failed! Content-Type = %s; want text/csv", ct)
	}
	if !strings.Contains(rec.Body.String(), ";") {
		t.Error("failed! export is not semicolon separated")
	}
}

type CountResponse struct {
	Count int `json:"count"`
}
