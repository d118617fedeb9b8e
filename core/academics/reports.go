package academics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// GenerateTermReport recomputes a student's final averages for the term and
// upserts the consolidated report. Averages are weighted by each evaluation's
// weight and expressed on the 1.0-7.0 scale.
func (svc *service) GenerateTermReport(ctx context.Context, studentID, termID int) (TermReport, error) {
	grades, err := svc.repo.QueryGrades(ctx, &GradeFilter{StudentID: studentID, TermID: termID})
	if err != nil {
		return TermReport{}, err
	}
	if len(grades) == 0 {
		return TermReport{}, ErrNotFound
	}

	type acc struct {
		weightedPct float64
		totalWeight float64
	}
	byAssignment := make(map[int]*acc)
	for _, g := range grades {
		weight := g.Weight
		if weight == 0 {
			weight = 1
		}
		a, ok := byAssignment[g.AssignmentID]
		if !ok {
			a = &acc{}
			byAssignment[g.AssignmentID] = a
		}
		a.weightedPct += g.Percentage() * weight
		a.totalWeight += weight
	}

	now := time.Now().UTC()
	var sum float64
	for assignmentID, a := range byAssignment {
		average := GradeFromPercentage(a.weightedPct / a.totalWeight)
		if _, err = svc.repo.UpsertFinalAverage(ctx, FinalAverage{
			StudentID:    studentID,
			AssignmentID: assignmentID,
			TermID:       termID,
			Average:      average,
			Passed:       average >= PassingGrade,
			UpdatedAt:    now,
		}); err != nil {
			return TermReport{}, pkgerrors.Wrap(err, "upserting final average")
		}
		sum += average
	}

	overall := math.Round(sum/float64(len(byAssignment))*100) / 100
	return svc.repo.UpsertTermReport(ctx, TermReport{
		StudentID:      studentID,
		TermID:         termID,
		OverallAverage: overall,
		GeneratedAt:    now,
	})
}

// GenerateTermReports runs GenerateTermReport for every student holding
// grades in the term. Returns the number of reports generated.
func (svc *service) GenerateTermReports(ctx context.Context, termID int) (int, error) {
	studentIDs, err := svc.repo.StudentIDsWithGrades(ctx, termID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, id := range studentIDs {
		if _, err = svc.GenerateTermReport(ctx, id, termID); err != nil {
			return n, pkgerrors.Wrapf(err, "generating report for student %d", id)
		}
		n++
	}
	return n, nil
}

func (svc *service) TermReportFor(ctx context.Context, studentID, termID int) (TermReport, error) {
	return svc.repo.GetTermReport(ctx, studentID, termID)
}

// ExportTermReportCSV builds the course+subject+term grade report as a
// semicolon-delimited CSV: a global summary followed by per-student rows.
func (svc *service) ExportTermReportCSV(ctx context.Context, courseID, subjectID, termID int) ([]byte, error) {
	grades, err := svc.repo.QueryGrades(ctx, &GradeFilter{CourseID: courseID, SubjectID: subjectID, TermID: termID})
	if err != nil {
		return nil, err
	}
	if len(grades) == 0 {
		return nil, ErrNotFound
	}

	type studentStats struct {
		count    int
		min, max float64
		sum      float64
	}
	byStudent := make(map[int]*studentStats)
	global := studentStats{min: GradeMax, max: GradeMin}
	for _, g := range grades {
		grade := GradeFromPercentage(g.Percentage())
		st, ok := byStudent[g.StudentID]
		if !ok {
			st = &studentStats{min: GradeMax, max: GradeMin}
			byStudent[g.StudentID] = st
		}
		for _, s := range []*studentStats{st, &global} {
			s.count++
			s.sum += grade
			if grade < s.min {
				s.min = grade
			}
			if grade > s.max {
				s.max = grade
			}
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = ';'

	_ = w.Write([]string{"RESUMEN GLOBAL"})
	_ = w.Write([]string{"Curso", "Asignatura", "Periodo", "Cantidad notas", "Nota mínima", "Nota máxima", "Promedio"})
	_ = w.Write([]string{
		fmt.Sprintf("%d", courseID),
		fmt.Sprintf("%d", subjectID),
		fmt.Sprintf("%d", termID),
		fmt.Sprintf("%d", global.count),
		fmt.Sprintf("%.2f", global.min),
		fmt.Sprintf("%.2f", global.max),
		fmt.Sprintf("%.2f", global.sum/float64(global.count)),
	})
	_ = w.Write([]string{})

	_ = w.Write([]string{"DETALLE POR ESTUDIANTE"})
	_ = w.Write([]string{"ID estudiante", "Nombre", "RUT", "Cantidad notas", "Nota mínima", "Nota máxima", "Promedio", "Aprobado"})

	studentIDs := make([]int, 0, len(byStudent))
	for studentID := range byStudent {
		studentIDs = append(studentIDs, studentID)
	}
	sort.Ints(studentIDs)

	now := time.Now().UTC()
	assignmentID := grades[0].AssignmentID
	for _, studentID := range studentIDs {
		st := byStudent[studentID]
		average := math.Round(st.sum/float64(st.count)*100) / 100
		passed := average >= PassingGrade

		if _, err = svc.repo.UpsertFinalAverage(ctx, FinalAverage{
			StudentID:    studentID,
			AssignmentID: assignmentID,
			TermID:       termID,
			Average:      average,
			Passed:       passed,
			UpdatedAt:    now,
		}); err != nil {
			return nil, pkgerrors.Wrap(err, "upserting final average")
		}

		var name, rut string
		if student, uerr := svc.users.GetByID(ctx, studentID); uerr == nil {
			name = student.FullName()
			rut = student.RUT.String
		}
		passedStr := "No"
		if passed {
			passedStr = "Sí"
		}
		_ = w.Write([]string{
			fmt.Sprintf("%d", studentID),
			name,
			rut,
			fmt.Sprintf("%d", st.count),
			fmt.Sprintf("%.2f", st.min),
			fmt.Sprintf("%.2f", st.max),
			fmt.Sprintf("%.2f", average),
			passedStr,
		})
	}

	w.Flush()
	if err = w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
