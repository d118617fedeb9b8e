package academics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrNotEnrolled       = errors.New("student is not actively enrolled in this course")
	ErrNotAssignedToYou  = errors.New("the assignment belongs to another teacher")
	ErrScoreOutOfRange   = errors.New("score is out of range for the evaluation")
	ErrAlreadyPublished  = errors.New("evaluation is already published")
	ErrDateOutsideTerm   = errors.New("evaluation date falls outside the term")
	ErrAlertAlreadyOpen  = errors.New("an open alert for this reason already exists")
	ErrObservationClosed = errors.New("observation is already resolved")
)

type (
	Repository interface {
		UpsertAttendance(ctx context.Context, a Attendance) (Attendance, error)
		QueryAttendance(ctx context.Context, filter *AttendanceFilter) ([]Attendance, error)

		CreateEvaluation(ctx context.Context, e Evaluation) (Evaluation, error)
		GetEvaluation(ctx context.Context, id int) (Evaluation, error)
		QueryEvaluations(ctx context.Context, filter *EvaluationFilter) ([]Evaluation, error)
		UpdateEvaluation(ctx context.Context, e Evaluation) (Evaluation, error)

		UpsertGrade(ctx context.Context, g Grade) (Grade, error)
		QueryGrades(ctx context.Context, filter *GradeFilter) ([]Grade, error)

		CreateObservation(ctx context.Context, o Observation) (Observation, error)
		GetObservation(ctx context.Context, id int) (Observation, error)
		QueryObservations(ctx context.Context, filter *ObservationFilter) ([]Observation, error)
		UpdateObservation(ctx context.Context, o Observation) (Observation, error)

		UpsertFinalAverage(ctx context.Context, fa FinalAverage) (FinalAverage, error)
		QueryFinalAverages(ctx context.Context, studentID, termID int) ([]FinalAverage, error)
		UpsertTermReport(ctx context.Context, r TermReport) (TermReport, error)
		GetTermReport(ctx context.Context, studentID, termID int) (TermReport, error)

		CreateAlert(ctx context.Context, a EarlyAlert) (EarlyAlert, error)
		GetAlert(ctx context.Context, id int) (EarlyAlert, error)
		QueryAlerts(ctx context.Context, filter *AlertFilter) ([]EarlyAlert, error)
		UpdateAlert(ctx context.Context, a EarlyAlert) (EarlyAlert, error)
		// FindRecentOpenAlert returns ErrNotFound when no open alert matches.
		FindRecentOpenAlert(ctx context.Context, studentID, courseID int, reason string, since time.Time) (EarlyAlert, error)

		StudentIDsWithGrades(ctx context.Context, termID int) ([]int, error)
		RiskStats(ctx context.Context, termID int, lowPctThreshold float64) ([]RiskStat, error)
	}

	// SchoolDirectory is the slice of the catalog service this package needs.
	SchoolDirectory interface {
		GetCourse(ctx context.Context, id int) (school.Course, error)
		GetAssignment(ctx context.Context, id int) (school.TeachingAssignment, error)
		Term(ctx context.Context, id int) (school.Term, error)
		Enrollments(ctx context.Context, filter *school.EnrollmentFilter) ([]school.Enrollment, error)
	}

	// UserDirectory covers lookups and internal notifications.
	UserDirectory interface {
		GetByID(ctx context.Context, id int) (user.User, error)
		Notify(ctx context.Context, notif user.Notification) (user.Notification, error)
	}

	ServiceInterface interface {
		RecordAttendance(ctx context.Context, na NewAttendance, recordedBy user.User) (Attendance, error)
		Attendance(ctx context.Context, filter *AttendanceFilter) ([]Attendance, error)
		StudentAttendanceStats(ctx context.Context, studentID, courseID int, from, to time.Time) (AttendanceStats, error)

		CreateEvaluation(ctx context.Context, ne NewEvaluation, createdBy user.User) (Evaluation, error)
		PublishEvaluation(ctx context.Context, id int, actor user.User) (Evaluation, error)
		MarkLateEvaluations(ctx context.Context) (int, error)
		Evaluations(ctx context.Context, filter *EvaluationFilter) ([]Evaluation, error)

		RecordGrade(ctx context.Context, ng NewGrade, recordedBy user.User) (Grade, error)
		Grades(ctx context.Context, filter *GradeFilter) ([]Grade, error)

		RecordObservation(ctx context.Context, no NewObservation, recordedBy user.User) (Observation, error)
		ResolveObservation(ctx context.Context, id int, res ObservationResolution, actor user.User) (Observation, error)
		Observations(ctx context.Context, filter *ObservationFilter) ([]Observation, error)

		CreateAlert(ctx context.Context, na NewAlert, generatedBy *user.User) (EarlyAlert, error)
		CloseAlert(ctx context.Context, id int) (EarlyAlert, error)
		Alerts(ctx context.Context, filter *AlertFilter) ([]EarlyAlert, error)
		ScanForRisk(ctx context.Context, termID int) (int, error)

		GenerateTermReport(ctx context.Context, studentID, termID int) (TermReport, error)
		GenerateTermReports(ctx context.Context, termID int) (int, error)
		TermReportFor(ctx context.Context, studentID, termID int) (TermReport, error)
		ExportTermReportCSV(ctx context.Context, courseID, subjectID, termID int) ([]byte, error)
	}

	service struct {
		repo    Repository
		schools SchoolDirectory
		users   UserDirectory
		queue   outbox.Enqueuer
		logger  core.Logger
		conf    *core.Config
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(
	repo Repository,
	schools SchoolDirectory,
	users UserDirectory,
	queue outbox.Enqueuer,
	logger core.Logger,
	conf *core.Config,
) *service {
	return &service{
		repo:    repo,
		schools: schools,
		users:   users,
		queue:   queue,
		logger:  logger,
		conf:    conf,
	}
}

// Attendance

func (svc *service) RecordAttendance(ctx context.Context, na NewAttendance, recordedBy user.User) (Attendance, error) {
	enrs, err := svc.schools.Enrollments(ctx, &school.EnrollmentFilter{
		StudentID: na.StudentID,
		CourseID:  na.CourseID,
		Status:    school.EnrollmentActive,
	})
	if err != nil {
		return Attendance{}, err
	}
	if len(enrs) == 0 {
		return Attendance{}, core.NewValidationError(ErrNotEnrolled,
			core.FieldError{Field: "student_id", Error: ErrNotEnrolled.Error()})
	}

	date, _ := time.Parse("2006-01-02", na.Date)
	att, err := svc.repo.UpsertAttendance(ctx, Attendance{
		StudentID:     na.StudentID,
		CourseID:      na.CourseID,
		SubjectID:     na.SubjectID,
		Date:          date,
		Status:        na.Status,
		Justification: na.Justification,
		RecordedBy:    recordedBy.ID,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return Attendance{}, err
	}

	if att.Status != AttendancePresent {
		svc.notifyGuardiansOfAttendance(ctx, att)
		svc.checkRepeatedAbsences(ctx, att)
	}
	return att, nil
}

func (svc *service) notifyGuardiansOfAttendance(ctx context.Context, att Attendance) {
	student, err := svc.users.GetByID(ctx, att.StudentID)
	if err != nil {
		svc.logger.Error("looking up student for attendance mail", err)
		return
	}
	msg := outbox.Message{
		Kind:    outbox.KindGuardians,
		UserID:  null.IntFrom(student.ID),
		Subject: "Registro de asistencia",
		Body: fmt.Sprintf(
			"Estudiante: %s\nFecha: %s\nEstado: %s\n%s",
			student.FullName(), att.Date.Format("2006-01-02"), att.Status, att.Justification),
	}
	if err = svc.queue.Enqueue(ctx, msg); err != nil {
		svc.logger.Error("enqueueing attendance mail", err)
	}
}

// checkRepeatedAbsences raises a medium alert once a student accumulates five
// or more absences in the course over the configured window.
func (svc *service) checkRepeatedAbsences(ctx context.Context, att Attendance) {
	if att.Status != AttendanceAbsent {
		return
	}
	from := time.Now().UTC().AddDate(0, 0, -svc.conf.Alerts.AbsenceWindowDays)
	records, err := svc.repo.QueryAttendance(ctx, &AttendanceFilter{
		StudentID: att.StudentID,
		CourseID:  att.CourseID,
		Status:    AttendanceAbsent,
		From:      from.Format("2006-01-02"),
	})
	if err != nil {
		svc.logger.Error("counting absences", err)
		return
	}
	if len(records) < 5 {
		return
	}
	_, err = svc.CreateAlert(ctx, NewAlert{
		StudentID:   att.StudentID,
		CourseID:    att.CourseID,
		Reason:      "Inasistencias reiteradas",
		Description: fmt.Sprintf("%d inasistencias en los últimos %d días", len(records), svc.conf.Alerts.AbsenceWindowDays),
		Level:       AlertMedium,
	}, nil)
	if err != nil && err != ErrAlertAlreadyOpen {
		svc.logger.Error("creating absence alert", err)
	}
}

func (svc *service) Attendance(ctx context.Context, filter *AttendanceFilter) ([]Attendance, error) {
	return svc.repo.QueryAttendance(ctx, filter)
}

func (svc *service) StudentAttendanceStats(ctx context.Context, studentID, courseID int, from, to time.Time) (AttendanceStats, error) {
	filter := &AttendanceFilter{StudentID: studentID, CourseID: courseID}
	if !from.IsZero() {
		filter.From = from.Format("2006-01-02")
	}
	if !to.IsZero() {
		filter.To = to.Format("2006-01-02")
	}
	records, err := svc.repo.QueryAttendance(ctx, filter)
	if err != nil {
		return AttendanceStats{}, err
	}

	var stats AttendanceStats
	stats.Total = len(records)
	for _, r := range records {
		switch r.Status {
		case AttendancePresent:
			stats.Present++
		case AttendanceAbsent:
			stats.Absent++
		case AttendanceTardy:
			stats.Tardy++
		case AttendanceExcused:
			stats.Excused++
		}
	}
	if stats.Total > 0 {
		stats.AbsencePct = float64(stats.Absent+stats.Excused) / float64(stats.Total) * 100
		stats.TardyPct = float64(stats.Tardy) / float64(stats.Total) * 100
	}
	return stats, nil
}

// Evaluations

func (svc *service) CreateEvaluation(ctx context.Context, ne NewEvaluation, createdBy user.User) (Evaluation, error) {
	asg, err := svc.schools.GetAssignment(ctx, ne.AssignmentID)
	if err != nil {
		return Evaluation{}, err
	}
	if createdBy.IsTeacher() && asg.TeacherID != createdBy.ID {
		return Evaluation{}, ErrNotAssignedToYou
	}
	if _, err = svc.schools.Term(ctx, ne.TermID); err != nil {
		return Evaluation{}, err
	}

	date, _ := time.Parse("2006-01-02", ne.Date)
	eval, err := svc.repo.CreateEvaluation(ctx, Evaluation{
		AssignmentID: ne.AssignmentID,
		TermID:       ne.TermID,
		Type:         ne.Type,
		Title:        ne.Title,
		Description:  ne.Description,
		Date:         date,
		MaxScore:     ne.MaxScore,
		Weight:       ne.Weight,
		Status:       EvalDraft,
		CreatedBy:    createdBy.ID,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return Evaluation{}, err
	}

	msg := outbox.Message{
		Kind:     outbox.KindCourse,
		CourseID: null.IntFrom(asg.CourseID),
		Subject:  fmt.Sprintf("Nueva evaluación: %s", eval.Title),
		Body: fmt.Sprintf(
			"Se ha programado la evaluación \"%s\" (%s) para el %s.",
			eval.Title, eval.Type, eval.Date.Format("2006-01-02")),
	}
	if err = svc.queue.Enqueue(ctx, msg); err != nil {
		svc.logger.Error("enqueueing evaluation mail", err)
	}
	return eval, nil
}

func (svc *service) PublishEvaluation(ctx context.Context, id int, actor user.User) (Evaluation, error) {
	eval, err := svc.repo.GetEvaluation(ctx, id)
	if err != nil {
		return Evaluation{}, err
	}
	if eval.Status == EvalPublished {
		return Evaluation{}, ErrAlreadyPublished
	}
	if actor.IsTeacher() && eval.CreatedBy != actor.ID {
		return Evaluation{}, ErrNotAssignedToYou
	}

	term, err := svc.schools.Term(ctx, eval.TermID)
	if err != nil {
		return Evaluation{}, err
	}
	if eval.Date.Before(term.StartDate) || eval.Date.After(term.EndDate) {
		return Evaluation{}, core.NewValidationError(ErrDateOutsideTerm,
			core.FieldError{Field: "date", Error: ErrDateOutsideTerm.Error()})
	}

	eval.Status = EvalPublished
	eval.PublishedAt = null.TimeFrom(time.Now().UTC())
	eval, err = svc.repo.UpdateEvaluation(ctx, eval)
	if err != nil {
		return Evaluation{}, err
	}

	asg, err := svc.schools.GetAssignment(ctx, eval.AssignmentID)
	if err == nil {
		msg := outbox.Message{
			Kind:     outbox.KindCourse,
			CourseID: null.IntFrom(asg.CourseID),
			Subject:  fmt.Sprintf("Evaluación publicada: %s", eval.Title),
			Body:     fmt.Sprintf("La evaluación \"%s\" del %s ha sido publicada.", eval.Title, eval.Date.Format("2006-01-02")),
		}
		if err = svc.queue.Enqueue(ctx, msg); err != nil {
			svc.logger.Error("enqueueing publish mail", err)
		}
	}
	return eval, nil
}

// MarkLateEvaluations flags drafts whose scheduled date has passed. Meant to
// run periodically next to the outbox dispatcher.
func (svc *service) MarkLateEvaluations(ctx context.Context) (int, error) {
	drafts, err := svc.repo.QueryEvaluations(ctx, &EvaluationFilter{Status: EvalDraft})
	if err != nil {
		return 0, err
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	var n int
	for _, eval := range drafts {
		if eval.Date.Before(today) {
			eval.Status = EvalLate
			if _, err = svc.repo.UpdateEvaluation(ctx, eval); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (svc *service) Evaluations(ctx context.Context, filter *EvaluationFilter) ([]Evaluation, error) {
	return svc.repo.QueryEvaluations(ctx, filter)
}

// Grades

func (svc *service) RecordGrade(ctx context.Context, ng NewGrade, recordedBy user.User) (Grade, error) {
	eval, err := svc.repo.GetEvaluation(ctx, ng.EvaluationID)
	if err != nil {
		return Grade{}, err
	}
	if recordedBy.IsTeacher() && eval.CreatedBy != recordedBy.ID {
		return Grade{}, ErrNotAssignedToYou
	}
	if ng.Score < GradeMin || ng.Score > eval.MaxScore {
		return Grade{}, core.NewValidationError(ErrScoreOutOfRange, core.FieldError{
			Field: "score",
			Error: fmt.Sprintf("score must be between %.1f and %.2f", GradeMin, eval.MaxScore),
		})
	}

	grade, err := svc.repo.UpsertGrade(ctx, Grade{
		EvaluationID: ng.EvaluationID,
		StudentID:    ng.StudentID,
		Score:        ng.Score,
		Comment:      ng.Comment,
		RecordedBy:   recordedBy.ID,
		CreatedAt:    time.Now().UTC(),
		MaxScore:     eval.MaxScore,
		Weight:       eval.Weight,
		AssignmentID: eval.AssignmentID,
	})
	if err != nil {
		return Grade{}, err
	}

	student, err := svc.users.GetByID(ctx, grade.StudentID)
	if err != nil {
		svc.logger.Error("looking up student for grade mail", err)
		return grade, nil
	}

	msg := outbox.Message{
		Kind:    outbox.KindGuardians,
		UserID:  null.IntFrom(student.ID),
		Subject: "Nueva calificación registrada",
		Body: fmt.Sprintf(
			"Estudiante: %s\nEvaluación: %s\nNota: %.2f / %.2f",
			student.FullName(), eval.Title, grade.Score, eval.MaxScore),
	}
	if err = svc.queue.Enqueue(ctx, msg); err != nil {
		svc.logger.Error("enqueueing grade mail", err)
	}

	if pct := grade.Percentage(); pct < svc.conf.Alerts.LowGradePctThreshold {
		asg, aerr := svc.schools.GetAssignment(ctx, eval.AssignmentID)
		if aerr != nil {
			svc.logger.Error("looking up assignment for grade alert", aerr)
			return grade, nil
		}
		_, aerr = svc.CreateAlert(ctx, NewAlert{
			StudentID:   grade.StudentID,
			CourseID:    asg.CourseID,
			Reason:      "Calificación insuficiente",
			Description: fmt.Sprintf("Nota baja en %s: %.2f/%.2f (%.1f%%)", eval.Title, grade.Score, eval.MaxScore, pct),
			Level:       AlertHigh,
		}, &recordedBy)
		if aerr != nil && aerr != ErrAlertAlreadyOpen {
			svc.logger.Error("creating grade alert", aerr)
		}
	}
	return grade, nil
}

func (svc *service) Grades(ctx context.Context, filter *GradeFilter) ([]Grade, error) {
	return svc.repo.QueryGrades(ctx, filter)
}

// Observations

func (svc *service) RecordObservation(ctx context.Context, no NewObservation, recordedBy user.User) (Observation, error) {
	student, err := svc.users.GetByID(ctx, no.StudentID)
	if err != nil {
		return Observation{}, err
	}
	if _, err = svc.schools.GetCourse(ctx, no.CourseID); err != nil {
		return Observation{}, err
	}

	obs, err := svc.repo.CreateObservation(ctx, Observation{
		StudentID:  no.StudentID,
		CourseID:   no.CourseID,
		Type:       no.Type,
		Severity:   no.Severity,
		Detail:     no.Detail,
		RecordedBy: recordedBy.ID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return Observation{}, err
	}

	msg := outbox.Message{
		Kind:    outbox.KindGuardians,
		UserID:  null.IntFrom(student.ID),
		Subject: "Nueva observación registrada",
		Body: fmt.Sprintf(
			"Estudiante: %s\nTipo: %s\nGravedad: %s\n\n%s",
			student.FullName(), obs.Type, obs.Severity, obs.Detail),
	}
	if err = svc.queue.Enqueue(ctx, msg); err != nil {
		svc.logger.Error("enqueueing observation mail", err)
	}

	if obs.Severity == SeverityHigh {
		_, aerr := svc.CreateAlert(ctx, NewAlert{
			StudentID:   obs.StudentID,
			CourseID:    obs.CourseID,
			Reason:      "Observación de gravedad alta",
			Description: obs.Detail,
			Level:       AlertHigh,
		}, &recordedBy)
		if aerr != nil && aerr != ErrAlertAlreadyOpen {
			svc.logger.Error("creating observation alert", aerr)
		}
	}
	return obs, nil
}

func (svc *service) ResolveObservation(ctx context.Context, id int, res ObservationResolution, actor user.User) (Observation, error) {
	obs, err := svc.repo.GetObservation(ctx, id)
	if err != nil {
		return Observation{}, err
	}
	if obs.Resolved {
		return Observation{}, ErrObservationClosed
	}
	obs.Resolved = true
	obs.Resolution = res.Resolution
	obs.ResolvedAt = null.TimeFrom(time.Now().UTC())
	return svc.repo.UpdateObservation(ctx, obs)
}

func (svc *service) Observations(ctx context.Context, filter *ObservationFilter) ([]Observation, error) {
	return svc.repo.QueryObservations(ctx, filter)
}

// Early alerts

// CreateAlert registers an early alert unless an open one for the same
// student, course and reason exists within the dedup window. The course head
// teacher gets an internal notification and a queued email.
func (svc *service) CreateAlert(ctx context.Context, na NewAlert, generatedBy *user.User) (EarlyAlert, error) {
	since := time.Now().UTC().AddDate(0, 0, -svc.conf.Alerts.DedupWindowDays)
	if _, err := svc.repo.FindRecentOpenAlert(ctx, na.StudentID, na.CourseID, na.Reason, since); err == nil {
		return EarlyAlert{}, ErrAlertAlreadyOpen
	} else if err != ErrNotFound {
		return EarlyAlert{}, err
	}

	alert := EarlyAlert{
		StudentID:   na.StudentID,
		CourseID:    na.CourseID,
		Reason:      na.Reason,
		Description: na.Description,
		Level:       na.Level,
		Status:      AlertOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if generatedBy != nil {
		alert.GeneratedBy = null.IntFrom(generatedBy.ID)
	}

	alert, err := svc.repo.CreateAlert(ctx, alert)
	if err != nil {
		return EarlyAlert{}, err
	}

	svc.notifyHeadTeacher(ctx, &alert)
	return alert, nil
}

func (svc *service) notifyHeadTeacher(ctx context.Context, alert *EarlyAlert) {
	course, err := svc.schools.GetCourse(ctx, alert.CourseID)
	if err != nil || !course.HeadTeacherID.Valid {
		return
	}
	student, err := svc.users.GetByID(ctx, alert.StudentID)
	if err != nil {
		svc.logger.Error("looking up student for alert notification", err)
		return
	}

	title := fmt.Sprintf("Alerta temprana (%s): %s", alert.Level, student.FullName())
	if _, err = svc.users.Notify(ctx, user.Notification{
		UserID:  course.HeadTeacherID.Int,
		Level:   user.NotifWarn,
		Title:   title,
		Message: fmt.Sprintf("%s\n%s", alert.Reason, alert.Description),
	}); err != nil {
		svc.logger.Error("notifying head teacher", err)
	}

	msg := outbox.Message{
		Kind:    outbox.KindUser,
		UserID:  null.IntFrom(course.HeadTeacherID.Int),
		Subject: title,
		Body:    fmt.Sprintf("Motivo: %s\n\n%s", alert.Reason, alert.Description),
	}
	if err = svc.queue.Enqueue(ctx, msg); err != nil {
		svc.logger.Error("enqueueing alert mail", err)
		return
	}

	alert.Notified = true
	if _, err = svc.repo.UpdateAlert(ctx, *alert); err != nil {
		svc.logger.Error("marking alert notified", err)
	}
}

func (svc *service) CloseAlert(ctx context.Context, id int) (EarlyAlert, error) {
	alert, err := svc.repo.GetAlert(ctx, id)
	if err != nil {
		return EarlyAlert{}, err
	}
	alert.Status = AlertClosed
	alert.ClosedAt = null.TimeFrom(time.Now().UTC())
	return svc.repo.UpdateAlert(ctx, alert)
}

func (svc *service) Alerts(ctx context.Context, filter *AlertFilter) ([]EarlyAlert, error) {
	return svc.repo.QueryAlerts(ctx, filter)
}

// ScanForRisk inspects the term's grades and raises a high alert for every
// student whose average sits under the passing mark, and a medium one for
// students piling up low scores. Returns the number of alerts created.
func (svc *service) ScanForRisk(ctx context.Context, termID int) (int, error) {
	stats, err := svc.repo.RiskStats(ctx, termID, svc.conf.Alerts.LowGradePctThreshold)
	if err != nil {
		return 0, err
	}

	var created int
	for _, st := range stats {
		failing := st.Average < svc.conf.Alerts.FailingAverage
		if !failing && st.LowGradeCount < svc.conf.Alerts.LowGradeCount {
			continue
		}
		level := AlertMedium
		if failing {
			level = AlertHigh
		}
		_, err = svc.CreateAlert(ctx, NewAlert{
			StudentID:   st.StudentID,
			CourseID:    st.CourseID,
			Reason:      "Rendimiento deficiente",
			Description: fmt.Sprintf("Promedio %.2f, notas bajas: %d", st.Average, st.LowGradeCount),
			Level:       level,
		}, nil)
		if err == ErrAlertAlreadyOpen {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
