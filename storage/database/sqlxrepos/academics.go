package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/academics"
)

type academicsRepository struct {
	db *sqlx.DB
}

func NewAcademicsRepository(db *sqlx.DB) academics.Repository {
	return &academicsRepository{db: db}
}

func (repo *academicsRepository) insertReturningID(ctx context.Context, query string, rec interface{}, id *int) error {
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

func (repo *academicsRepository) UpsertAttendance(ctx context.Context, a academics.Attendance) (academics.Attendance, error) {
	query := `
	INSERT INTO attendance (student_id, course_id, subject_id, date, status, justification, recorded_by, created_at)
	VALUES (:student_id, :course_id, :subject_id, :date, :status, :justification, :recorded_by, :created_at)
	ON CONFLICT (student_id, course_id, subject_id, date)
	DO UPDATE SET status = EXCLUDED.status, justification = EXCLUDED.justification, recorded_by = EXCLUDED.recorded_by
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, a, &a.ID); err != nil {
		return academics.Attendance{}, pkgerrors.Wrap(err, "upserting attendance")
	}
	return a, nil
}

func (repo *academicsRepository) QueryAttendance(ctx context.Context, filter *academics.AttendanceFilter) ([]academics.Attendance, error) {
	query := `
	SELECT id, student_id, course_id, subject_id, date, status, justification, recorded_by, created_at
	FROM attendance`

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
		if filter.SubjectID != 0 {
			conds = append(conds, "subject_id = "+arg(filter.SubjectID))
		}
		if filter.Status != "" {
			conds = append(conds, "status = "+arg(filter.Status))
		}
		if filter.From != "" {
			conds = append(conds, "date >= "+arg(filter.From)+"::date")
		}
		if filter.To != "" {
			conds = append(conds, "date <= "+arg(filter.To)+"::date")
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date, id"

	records := make([]academics.Attendance, 0)
	err := repo.db.SelectContext(ctx, &records, query, args...)
	return records, err
}

const evaluationColumns = `
	id, assignment_id, term_id, type, title, description, date, max_score, weight,
	status, published_at, created_by, created_at`

func (repo *academicsRepository) CreateEvaluation(ctx context.Context, e academics.Evaluation) (academics.Evaluation, error) {
	query := `
	INSERT INTO evaluations (assignment_id, term_id, type, title, description, date, max_score, weight,
		status, published_at, created_by, created_at)
	VALUES (:assignment_id, :term_id, :type, :title, :description, :date, :max_score, :weight,
		:status, :published_at, :created_by, :created_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, e, &e.ID); err != nil {
		return academics.Evaluation{}, pkgerrors.Wrap(err, "inserting evaluation")
	}
	return e, nil
}

func (repo *academicsRepository) GetEvaluation(ctx context.Context, id int) (academics.Evaluation, error) {
	var e academics.Evaluation
	err := repo.db.GetContext(ctx, &e,
		fmt.Sprintf(`SELECT %s FROM evaluations WHERE id = $1`, evaluationColumns), id)
	if err == sql.ErrNoRows {
		return academics.Evaluation{}, academics.ErrNotFound
	}
	return e, err
}

func (repo *academicsRepository) QueryEvaluations(ctx context.Context, filter *academics.EvaluationFilter) ([]academics.Evaluation, error) {
	query := fmt.Sprintf(`
	SELECT %s
	FROM evaluations e`, prefixColumns(evaluationColumns, "e"))

	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.CourseID != 0 {
			query += ` JOIN teaching_assignments a ON a.id = e.assignment_id`
			conds = append(conds, "a.course_id = "+arg(filter.CourseID))
		}
		if filter.AssignmentID != 0 {
			conds = append(conds, "e.assignment_id = "+arg(filter.AssignmentID))
		}
		if filter.TermID != 0 {
			conds = append(conds, "e.term_id = "+arg(filter.TermID))
		}
		if filter.Status != "" {
			conds = append(conds, "e.status = "+arg(filter.Status))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY e.date, e.id"

	evals := make([]academics.Evaluation, 0)
	err := repo.db.SelectContext(ctx, &evals, query, args...)
	return evals, err
}

func (repo *academicsRepository) UpdateEvaluation(ctx context.Context, e academics.Evaluation) (academics.Evaluation, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE evaluations
	SET type = :type, title = :title, description = :description, date = :date,
		max_score = :max_score, weight = :weight, status = :status, published_at = :published_at
	WHERE id = :id`, e)
	if err != nil {
		return academics.Evaluation{}, pkgerrors.Wrap(err, "updating evaluation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return academics.Evaluation{}, academics.ErrNotFound
	}
	return e, nil
}

func (repo *academicsRepository) UpsertGrade(ctx context.Context, g academics.Grade) (academics.Grade, error) {
	query := `
	INSERT INTO grades (evaluation_id, student_id, score, comment, recorded_by, created_at)
	VALUES (:evaluation_id, :student_id, :score, :comment, :recorded_by, :created_at)
	ON CONFLICT (evaluation_id, student_id)
	DO UPDATE SET score = EXCLUDED.score, comment = EXCLUDED.comment, recorded_by = EXCLUDED.recorded_by
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, g, &g.ID); err != nil {
		return academics.Grade{}, pkgerrors.Wrap(err, "upserting grade")
	}
	return g, nil
}

func (repo *academicsRepository) QueryGrades(ctx context.Context, filter *academics.GradeFilter) ([]academics.Grade, error) {
	query := `
	SELECT g.id, g.evaluation_id, g.student_id, g.score, g.comment, g.recorded_by, g.created_at,
		e.max_score AS max_score, e.weight AS weight, e.assignment_id AS assignment_id
	FROM grades g
	JOIN evaluations e ON e.id = g.evaluation_id
	JOIN teaching_assignments a ON a.id = e.assignment_id`

	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.StudentID != 0 {
			conds = append(conds, "g.student_id = "+arg(filter.StudentID))
		}
		if filter.EvaluationID != 0 {
			conds = append(conds, "g.evaluation_id = "+arg(filter.EvaluationID))
		}
		if filter.TermID != 0 {
			conds = append(conds, "e.term_id = "+arg(filter.TermID))
		}
		if filter.AssignmentID != 0 {
			conds = append(conds, "e.assignment_id = "+arg(filter.AssignmentID))
		}
		if filter.CourseID != 0 {
			conds = append(conds, "a.course_id = "+arg(filter.CourseID))
		}
		if filter.SubjectID != 0 {
			conds = append(conds, "a.subject_id = "+arg(filter.SubjectID))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY g.id"

	grades := make([]academics.Grade, 0)
	err := repo.db.SelectContext(ctx, &grades, query, args...)
	return grades, err
}

func (repo *academicsRepository) CreateObservation(ctx context.Context, o academics.Observation) (academics.Observation, error) {
	query := `
	INSERT INTO observations (student_id, course_id, type, severity, detail, recorded_by,
		resolved, resolution, resolved_at, created_at)
	VALUES (:student_id, :course_id, :type, :severity, :detail, :recorded_by,
		:resolved, :resolution, :resolved_at, :created_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, o, &o.ID); err != nil {
		return academics.Observation{}, pkgerrors.Wrap(err, "inserting observation")
	}
	return o, nil
}

const observationColumns = `
	id, student_id, course_id, type, severity, detail, recorded_by,
	resolved, resolution, resolved_at, created_at`

func (repo *academicsRepository) GetObservation(ctx context.Context, id int) (academics.Observation, error) {
	var o academics.Observation
	err := repo.db.GetContext(ctx, &o,
		fmt.Sprintf(`SELECT %s FROM observations WHERE id = $1`, observationColumns), id)
	if err == sql.ErrNoRows {
		return academics.Observation{}, academics.ErrNotFound
	}
	return o, err
}

func (repo *academicsRepository) QueryObservations(ctx context.Context, filter *academics.ObservationFilter) ([]academics.Observation, error) {
	query := fmt.Sprintf(`SELECT %s FROM observations`, observationColumns)

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
		if filter.Type != "" {
			conds = append(conds, "type = "+arg(filter.Type))
		}
		if filter.Resolved != nil {
			conds = append(conds, "resolved = "+arg(*filter.Resolved))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	observations := make([]academics.Observation, 0)
	err := repo.db.SelectContext(ctx, &observations, query, args...)
	return observations, err
}

func (repo *academicsRepository) UpdateObservation(ctx context.Context, o academics.Observation) (academics.Observation, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE observations
	SET severity = :severity, detail = :detail, resolved = :resolved,
		resolution = :resolution, resolved_at = :resolved_at
	WHERE id = :id`, o)
	if err != nil {
		return academics.Observation{}, pkgerrors.Wrap(err, "updating observation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return academics.Observation{}, academics.ErrNotFound
	}
	return o, nil
}

func (repo *academicsRepository) UpsertFinalAverage(ctx context.Context, fa academics.FinalAverage) (academics.FinalAverage, error) {
	query := `
	INSERT INTO final_averages (student_id, assignment_id, term_id, average, passed, updated_at)
	VALUES (:student_id, :assignment_id, :term_id, :average, :passed, :updated_at)
	ON CONFLICT (student_id, assignment_id, term_id)
	DO UPDATE SET average = EXCLUDED.average, passed = EXCLUDED.passed, updated_at = EXCLUDED.updated_at
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, fa, &fa.ID); err != nil {
		return academics.FinalAverage{}, pkgerrors.Wrap(err, "upserting final average")
	}
	return fa, nil
}

func (repo *academicsRepository) QueryFinalAverages(ctx context.Context, studentID, termID int) ([]academics.FinalAverage, error) {
	query := `SELECT id, student_id, assignment_id, term_id, average, passed, updated_at FROM final_averages`
	var conds []string
	var args []interface{}
	if studentID != 0 {
		args = append(args, studentID)
		conds = append(conds, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if termID != 0 {
		args = append(args, termID)
		conds = append(conds, fmt.Sprintf("term_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	averages := make([]academics.FinalAverage, 0)
	err := repo.db.SelectContext(ctx, &averages, query, args...)
	return averages, err
}

func (repo *academicsRepository) UpsertTermReport(ctx context.Context, r academics.TermReport) (academics.TermReport, error) {
	query := `
	INSERT INTO term_reports (student_id, term_id, overall_average, generated_at)
	VALUES (:student_id, :term_id, :overall_average, :generated_at)
	ON CONFLICT (student_id, term_id)
	DO UPDATE SET overall_average = EXCLUDED.overall_average, generated_at = EXCLUDED.generated_at
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, r, &r.ID); err != nil {
		return academics.TermReport{}, pkgerrors.Wrap(err, "upserting term report")
	}
	return r, nil
}

func (repo *academicsRepository) GetTermReport(ctx context.Context, studentID, termID int) (academics.TermReport, error) {
	var r academics.TermReport
	err := repo.db.GetContext(ctx, &r, `
	SELECT id, student_id, term_id, overall_average, generated_at
	FROM term_reports WHERE student_id = $1 AND term_id = $2`, studentID, termID)
	if err == sql.ErrNoRows {
		return academics.TermReport{}, academics.ErrNotFound
	}
	return r, err
}

const alertColumns = `
	id, student_id, course_id, reason, description, level, status,
	generated_by, notified, created_at, closed_at`

func (repo *academicsRepository) CreateAlert(ctx context.Context, a academics.EarlyAlert) (academics.EarlyAlert, error) {
	query := `
	INSERT INTO early_alerts (student_id, course_id, reason, description, level, status,
		generated_by, notified, created_at, closed_at)
	VALUES (:student_id, :course_id, :reason, :description, :level, :status,
		:generated_by, :notified, :created_at, :closed_at)
	RETURNING id`
	if err := repo.insertReturningID(ctx, query, a, &a.ID); err != nil {
		return academics.EarlyAlert{}, pkgerrors.Wrap(err, "inserting early alert")
	}
	return a, nil
}

func (repo *academicsRepository) GetAlert(ctx context.Context, id int) (academics.EarlyAlert, error) {
	var a academics.EarlyAlert
	err := repo.db.GetContext(ctx, &a,
		fmt.Sprintf(`SELECT %s FROM early_alerts WHERE id = $1`, alertColumns), id)
	if err == sql.ErrNoRows {
		return academics.EarlyAlert{}, academics.ErrNotFound
	}
	return a, err
}

func (repo *academicsRepository) QueryAlerts(ctx context.Context, filter *academics.AlertFilter) ([]academics.EarlyAlert, error) {
	query := fmt.Sprintf(`SELECT %s FROM early_alerts`, alertColumns)

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
		if filter.Status != "" {
			conds = append(conds, "status = "+arg(filter.Status))
		}
		if filter.Level != "" {
			conds = append(conds, "level = "+arg(filter.Level))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	alerts := make([]academics.EarlyAlert, 0)
	err := repo.db.SelectContext(ctx, &alerts, query, args...)
	return alerts, err
}

func (repo *academicsRepository) UpdateAlert(ctx context.Context, a academics.EarlyAlert) (academics.EarlyAlert, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE early_alerts
	SET description = :description, level = :level, status = :status,
		notified = :notified, closed_at = :closed_at
	WHERE id = :id`, a)
	if err != nil {
		return academics.EarlyAlert{}, pkgerrors.Wrap(err, "updating early alert")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return academics.EarlyAlert{}, academics.ErrNotFound
	}
	return a, nil
}

func (repo *academicsRepository) FindRecentOpenAlert(ctx context.Context, studentID, courseID int, reason string, since time.Time) (academics.EarlyAlert, error) {
	var a academics.EarlyAlert
	err := repo.db.GetContext(ctx, &a, fmt.Sprintf(`
	SELECT %s FROM early_alerts
	WHERE student_id = $1 AND course_id = $2 AND reason = $3 AND status = $4 AND created_at > $5
	ORDER BY created_at DESC LIMIT 1`, alertColumns),
		studentID, courseID, reason, academics.AlertOpen, since)
	if err == sql.ErrNoRows {
		return academics.EarlyAlert{}, academics.ErrNotFound
	}
	return a, err
}

func (repo *academicsRepository) StudentIDsWithGrades(ctx context.Context, termID int) ([]int, error) {
	ids := make([]int, 0)
	err := repo.db.SelectContext(ctx, &ids, `
	SELECT DISTINCT g.student_id
	FROM grades g
	JOIN evaluations e ON e.id = g.evaluation_id
	WHERE e.term_id = $1
	ORDER BY g.student_id`, termID)
	return ids, err
}

// RiskStats maps each grade to the 1.0-7.0 scale in SQL, mirroring
// GradeFromPercentage, then aggregates per student and course.
func (repo *academicsRepository) RiskStats(ctx context.Context, termID int, lowPctThreshold float64) ([]academics.RiskStat, error) {
	stats := make([]academics.RiskStat, 0)
	err := repo.db.SelectContext(ctx, &stats, `
	WITH scored AS (
		SELECT g.student_id,
			a.course_id,
			LEAST(GREATEST(g.score / e.max_score * 100, 0), 100) AS pct
		FROM grades g
		JOIN evaluations e ON e.id = g.evaluation_id
		JOIN teaching_assignments a ON a.id = e.assignment_id
		WHERE e.term_id = $1 AND e.max_score > 0
	)
	SELECT student_id, course_id,
		AVG(ROUND(CASE WHEN pct < 60 THEN 1.0 + 3.0 * pct / 60
			ELSE 4.0 + 3.0 * (pct - 60) / 40 END::numeric, 1))::float8 AS average,
		COUNT(*) FILTER (WHERE pct < $2) AS low_grade_count
	FROM scored
	GROUP BY student_id, course_id
	ORDER BY student_id, course_id`, termID, lowPctThreshold)
	return stats, err
}

// prefixColumns qualifies a comma separated column list with a table alias.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
