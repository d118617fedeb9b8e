package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/ncastellan/escolar/core/academics"
)

type academicsRepository struct {
	db *DB
}

func NewAcademicsRepository(db *DB) academics.Repository {
	return &academicsRepository{db: db}
}

func (repo *academicsRepository) UpsertAttendance(ctx context.Context, a academics.Attendance) (academics.Attendance, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.attendance {
		if other.StudentID == a.StudentID && other.CourseID == a.CourseID &&
			other.SubjectID == a.SubjectID && other.Date.Equal(a.Date) {
			a.ID = other.ID
			repo.db.attendance[a.ID] = &a
			return a, nil
		}
	}
	a.ID = repo.db.nextPK()
	repo.db.attendance[a.ID] = &a
	return a, nil
}

func (repo *academicsRepository) QueryAttendance(ctx context.Context, filter *academics.AttendanceFilter) ([]academics.Attendance, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var from, to time.Time
	if filter != nil {
		from, _ = time.Parse("2006-01-02", filter.From)
		to, _ = time.Parse("2006-01-02", filter.To)
	}

	var res []academics.Attendance
	for _, a := range repo.db.attendance {
		if filter != nil {
			if filter.StudentID != 0 && a.StudentID != filter.StudentID {
				continue
			}
			if filter.CourseID != 0 && a.CourseID != filter.CourseID {
				continue
			}
			if filter.SubjectID != 0 && a.SubjectID != filter.SubjectID {
				continue
			}
			if filter.Status != "" && a.Status != filter.Status {
				continue
			}
			if !from.IsZero() && a.Date.Before(from) {
				continue
			}
			if !to.IsZero() && a.Date.After(to) {
				continue
			}
		}
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func (repo *academicsRepository) CreateEvaluation(ctx context.Context, e academics.Evaluation) (academics.Evaluation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	e.ID = repo.db.nextPK()
	repo.db.evaluations[e.ID] = &e
	return e, nil
}

func (repo *academicsRepository) GetEvaluation(ctx context.Context, id int) (academics.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if e, ok := repo.db.evaluations[id]; ok {
		return *e, nil
	}
	return academics.Evaluation{}, academics.ErrNotFound
}

func (repo *academicsRepository) evaluationCourse(e *academics.Evaluation) int {
	if asg, ok := repo.db.assignments[e.AssignmentID]; ok {
		return asg.CourseID
	}
	return 0
}

func (repo *academicsRepository) QueryEvaluations(ctx context.Context, filter *academics.EvaluationFilter) ([]academics.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []academics.Evaluation
	for _, e := range repo.db.evaluations {
		if filter != nil {
			if filter.AssignmentID != 0 && e.AssignmentID != filter.AssignmentID {
				continue
			}
			if filter.TermID != 0 && e.TermID != filter.TermID {
				continue
			}
			if filter.CourseID != 0 && repo.evaluationCourse(e) != filter.CourseID {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
		}
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func (repo *academicsRepository) UpdateEvaluation(ctx context.Context, e academics.Evaluation) (academics.Evaluation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.evaluations[e.ID]; !ok {
		return academics.Evaluation{}, academics.ErrNotFound
	}
	repo.db.evaluations[e.ID] = &e
	return e, nil
}

func (repo *academicsRepository) UpsertGrade(ctx context.Context, g academics.Grade) (academics.Grade, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.grades {
		if other.EvaluationID == g.EvaluationID && other.StudentID == g.StudentID {
			g.ID = other.ID
			repo.db.grades[g.ID] = &g
			return g, nil
		}
	}
	g.ID = repo.db.nextPK()
	repo.db.grades[g.ID] = &g
	return g, nil
}

func (repo *academicsRepository) gradeMatches(g *academics.Grade, filter *academics.GradeFilter) bool {
	if filter == nil {
		return true
	}
	if filter.StudentID != 0 && g.StudentID != filter.StudentID {
		return false
	}
	if filter.EvaluationID != 0 && g.EvaluationID != filter.EvaluationID {
		return false
	}
	eval, ok := repo.db.evaluations[g.EvaluationID]
	if filter.TermID != 0 && (!ok || eval.TermID != filter.TermID) {
		return false
	}
	if filter.AssignmentID != 0 && (!ok || eval.AssignmentID != filter.AssignmentID) {
		return false
	}
	if filter.CourseID != 0 || filter.SubjectID != 0 {
		if !ok {
			return false
		}
		asg, aok := repo.db.assignments[eval.AssignmentID]
		if !aok {
			return false
		}
		if filter.CourseID != 0 && asg.CourseID != filter.CourseID {
			return false
		}
		if filter.SubjectID != 0 && asg.SubjectID != filter.SubjectID {
			return false
		}
	}
	return true
}

func (repo *academicsRepository) QueryGrades(ctx context.Context, filter *academics.GradeFilter) ([]academics.Grade, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []academics.Grade
	for _, g := range repo.db.grades {
		if !repo.gradeMatches(g, filter) {
			continue
		}
		grade := *g
		if eval, ok := repo.db.evaluations[g.EvaluationID]; ok {
			grade.MaxScore = eval.MaxScore
			grade.Weight = eval.Weight
			grade.AssignmentID = eval.AssignmentID
		}
		res = append(res, grade)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (repo *academicsRepository) CreateObservation(ctx context.Context, o academics.Observation) (academics.Observation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	o.ID = repo.db.nextPK()
	repo.db.observations[o.ID] = &o
	return o, nil
}

func (repo *academicsRepository) GetObservation(ctx context.Context, id int) (academics.Observation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if o, ok := repo.db.observations[id]; ok {
		return *o, nil
	}
	return academics.Observation{}, academics.ErrNotFound
}

func (repo *academicsRepository) QueryObservations(ctx context.Context, filter *academics.ObservationFilter) ([]academics.Observation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []academics.Observation
	for _, o := range repo.db.observations {
		if filter != nil {
			if filter.StudentID != 0 && o.StudentID != filter.StudentID {
				continue
			}
			if filter.CourseID != 0 && o.CourseID != filter.CourseID {
				continue
			}
			if filter.Type != "" && o.Type != filter.Type {
				continue
			}
			if filter.Resolved != nil && o.Resolved != *filter.Resolved {
				continue
			}
		}
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (repo *academicsRepository) UpdateObservation(ctx context.Context, o academics.Observation) (academics.Observation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.observations[o.ID]; !ok {
		return academics.Observation{}, academics.ErrNotFound
	}
	repo.db.observations[o.ID] = &o
	return o, nil
}

func (repo *academicsRepository) UpsertFinalAverage(ctx context.Context, fa academics.FinalAverage) (academics.FinalAverage, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.averages {
		if other.StudentID == fa.StudentID && other.AssignmentID == fa.AssignmentID && other.TermID == fa.TermID {
			fa.ID = other.ID
			repo.db.averages[fa.ID] = &fa
			return fa, nil
		}
	}
	fa.ID = repo.db.nextPK()
	repo.db.averages[fa.ID] = &fa
	return fa, nil
}

func (repo *academicsRepository) QueryFinalAverages(ctx context.Context, studentID, termID int) ([]academics.FinalAverage, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []academics.FinalAverage
	for _, fa := range repo.db.averages {
		if studentID != 0 && fa.StudentID != studentID {
			continue
		}
		if termID != 0 && fa.TermID != termID {
			continue
		}
		res = append(res, *fa)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (repo *academicsRepository) UpsertTermReport(ctx context.Context, r academics.TermReport) (academics.TermReport, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, other := range repo.db.reports {
		if other.StudentID == r.StudentID && other.TermID == r.TermID {
			r.ID = other.ID
			repo.db.reports[r.ID] = &r
			return r, nil
		}
	}
	r.ID = repo.db.nextPK()
	repo.db.reports[r.ID] = &r
	return r, nil
}

func (repo *academicsRepository) GetTermReport(ctx context.Context, studentID, termID int) (academics.TermReport, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, r := range repo.db.reports {
		if r.StudentID == studentID && r.TermID == termID {
			return *r, nil
		}
	}
	return academics.TermReport{}, academics.ErrNotFound
}

func (repo *academicsRepository) CreateAlert(ctx context.Context, a academics.EarlyAlert) (academics.EarlyAlert, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	a.ID = repo.db.nextPK()
	repo.db.alerts[a.ID] = &a
	return a, nil
}

func (repo *academicsRepository) GetAlert(ctx context.Context, id int) (academics.EarlyAlert, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if a, ok := repo.db.alerts[id]; ok {
		return *a, nil
	}
	return academics.EarlyAlert{}, academics.ErrNotFound
}

func (repo *academicsRepository) QueryAlerts(ctx context.Context, filter *academics.AlertFilter) ([]academics.EarlyAlert, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []academics.EarlyAlert
	for _, a := range repo.db.alerts {
		if filter != nil {
			if filter.StudentID != 0 && a.StudentID != filter.StudentID {
				continue
			}
			if filter.CourseID != 0 && a.CourseID != filter.CourseID {
				continue
			}
			if filter.Status != "" && a.Status != filter.Status {
				continue
			}
			if filter.Level != "" && a.Level != filter.Level {
				continue
			}
		}
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (repo *academicsRepository) UpdateAlert(ctx context.Context, a academics.EarlyAlert) (academics.EarlyAlert, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.alerts[a.ID]; !ok {
		return academics.EarlyAlert{}, academics.ErrNotFound
	}
	repo.db.alerts[a.ID] = &a
	return a, nil
}

func (repo *academicsRepository) FindRecentOpenAlert(ctx context.Context, studentID, courseID int, reason string, since time.Time) (academics.EarlyAlert, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, a := range repo.db.alerts {
		if a.StudentID == studentID && a.CourseID == courseID && a.Reason == reason &&
			a.Status == academics.AlertOpen && a.CreatedAt.After(since) {
			return *a, nil
		}
	}
	return academics.EarlyAlert{}, academics.ErrNotFound
}

func (repo *academicsRepository) StudentIDsWithGrades(ctx context.Context, termID int) ([]int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	seen := make(map[int]bool)
	var res []int
	for _, g := range repo.db.grades {
		eval, ok := repo.db.evaluations[g.EvaluationID]
		if !ok || (termID != 0 && eval.TermID != termID) {
			continue
		}
		if !seen[g.StudentID] {
			seen[g.StudentID] = true
			res = append(res, g.StudentID)
		}
	}
	sort.Ints(res)
	return res, nil
}

func (repo *academicsRepository) RiskStats(ctx context.Context, termID int, lowPctThreshold float64) ([]academics.RiskStat, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	type key struct{ studentID, courseID int }
	type agg struct {
		sum      float64
		count    int
		lowCount int
	}
	stats := make(map[key]*agg)
	for _, g := range repo.db.grades {
		eval, ok := repo.db.evaluations[g.EvaluationID]
		if !ok || (termID != 0 && eval.TermID != termID) {
			continue
		}
		asg, ok := repo.db.assignments[eval.AssignmentID]
		if !ok {
			continue
		}
		k := key{g.StudentID, asg.CourseID}
		a, ok := stats[k]
		if !ok {
			a = &agg{}
			stats[k] = a
		}
		pct := g.Score / eval.MaxScore * 100
		a.sum += academics.GradeFromPercentage(pct)
		a.count++
		if pct < lowPctThreshold {
			a.lowCount++
		}
	}

	res := make([]academics.RiskStat, 0, len(stats))
	for k, a := range stats {
		res = append(res, academics.RiskStat{
			StudentID:     k.studentID,
			CourseID:      k.courseID,
			Average:       a.sum / float64(a.count),
			LowGradeCount: a.lowCount,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}
