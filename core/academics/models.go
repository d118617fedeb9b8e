package academics

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
)

// Attendance statuses
const (
	AttendancePresent = "PRESENTE"
	AttendanceAbsent  = "AUSENTE"
	AttendanceTardy   = "ATRASO"
	AttendanceExcused = "JUSTIFICADO"
)

// Evaluation types and statuses
const (
	EvalTypeTest     = "PRUEBA"
	EvalTypeExam     = "EXAMEN"
	EvalTypeHomework = "TAREA"
	EvalTypeProject  = "TRABAJO"
	EvalTypeOther    = "OTRO"

	EvalDraft     = "DRAFT"
	EvalPublished = "PUBLISHED"
	EvalLate      = "LATE"
)

// Observation types and severities
const (
	ObsAcademic     = "ACADEMICA"
	ObsDisciplinary = "DISCIPLINARIA"

	SeverityLow    = "BAJA"
	SeverityMedium = "MEDIA"
	SeverityHigh   = "ALTA"
)

// Alert levels and statuses
const (
	AlertLow    = "BAJO"
	AlertMedium = "MEDIO"
	AlertHigh   = "ALTO"

	AlertOpen   = "OPEN"
	AlertClosed = "CLOSED"
)

// Chilean grading scale.
const (
	GradeMin     = 1.0
	GradeMax     = 7.0
	PassingGrade = 4.0
)

type (
	Attendance struct {
		ID            int       `db:"id" json:"id"`
		StudentID     int       `db:"student_id" json:"student_id"`
		CourseID      int       `db:"course_id" json:"course_id"`
		SubjectID     int       `db:"subject_id" json:"subject_id"`
		Date          time.Time `db:"date" json:"date"`
		Status        string    `db:"status" json:"status"`
		Justification string    `db:"justification" json:"justification,omitempty"`
		RecordedBy    int       `db:"recorded_by" json:"recorded_by"`
		CreatedAt     time.Time `db:"created_at" json:"created_at"`
	}

	// AttendanceStats summarizes a student's attendance over a window.
	AttendanceStats struct {
		Total      int     `json:"total"`
		Present    int     `json:"present"`
		Absent     int     `json:"absent"`
		Tardy      int     `json:"tardy"`
		Excused    int     `json:"excused"`
		AbsencePct float64 `json:"absence_pct"`
		TardyPct   float64 `json:"tardy_pct"`
	}

	Evaluation struct {
		ID           int       `db:"id" json:"id"`
		AssignmentID int       `db:"assignment_id" json:"assignment_id"`
		TermID       int       `db:"term_id" json:"term_id"`
		Type         string    `db:"type" json:"type"`
		Title        string    `db:"title" json:"title"`
		Description  string    `db:"description" json:"description,omitempty"`
		Date         time.Time `db:"date" json:"date"`
		MaxScore     float64   `db:"max_score" json:"max_score"`
		Weight       float64   `db:"weight" json:"weight"` // percentage of the term average
		Status       string    `db:"status" json:"status"`
		PublishedAt  null.Time `db:"published_at" json:"published_at,omitempty"`
		CreatedBy    int       `db:"created_by" json:"created_by"`
		CreatedAt    time.Time `db:"created_at" json:"created_at"`
	}

	Grade struct {
		ID           int       `db:"id" json:"id"`
		EvaluationID int       `db:"evaluation_id" json:"evaluation_id"`
		StudentID    int       `db:"student_id" json:"student_id"`
		Score        float64   `db:"score" json:"score"`
		Comment      string    `db:"comment" json:"comment,omitempty"`
		RecordedBy   int       `db:"recorded_by" json:"recorded_by"`
		CreatedAt    time.Time `db:"created_at" json:"created_at"`

		// denormalized from the evaluation on reads
		MaxScore     float64 `db:"max_score" json:"max_score"`
		Weight       float64 `db:"weight" json:"weight"`
		AssignmentID int     `db:"assignment_id" json:"assignment_id"`
	}

	Observation struct {
		ID         int       `db:"id" json:"id"`
		StudentID  int       `db:"student_id" json:"student_id"`
		CourseID   int       `db:"course_id" json:"course_id"`
		Type       string    `db:"type" json:"type"`
		Severity   string    `db:"severity" json:"severity"`
		Detail     string    `db:"detail" json:"detail"`
		RecordedBy int       `db:"recorded_by" json:"recorded_by"`
		Resolved   bool      `db:"resolved" json:"resolved"`
		Resolution string    `db:"resolution" json:"resolution,omitempty"`
		ResolvedAt null.Time `db:"resolved_at" json:"resolved_at,omitempty"`
		CreatedAt  time.Time `db:"created_at" json:"created_at"`
	}

	// FinalAverage is the per-assignment term average, recomputed on report
	// generation and never set by hand.
	FinalAverage struct {
		ID           int       `db:"id" json:"id"`
		StudentID    int       `db:"student_id" json:"student_id"`
		AssignmentID int       `db:"assignment_id" json:"assignment_id"`
		TermID       int       `db:"term_id" json:"term_id"`
		Average      float64   `db:"average" json:"average"`
		Passed       bool      `db:"passed" json:"passed"`
		UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	}

	TermReport struct {
		ID             int       `db:"id" json:"id"`
		StudentID      int       `db:"student_id" json:"student_id"`
		TermID         int       `db:"term_id" json:"term_id"`
		OverallAverage float64   `db:"overall_average" json:"overall_average"`
		GeneratedAt    time.Time `db:"generated_at" json:"generated_at"`
	}

	EarlyAlert struct {
		ID          int       `db:"id" json:"id"`
		StudentID   int       `db:"student_id" json:"student_id"`
		CourseID    int       `db:"course_id" json:"course_id"`
		Reason      string    `db:"reason" json:"reason"`
		Description string    `db:"description" json:"description,omitempty"`
		Level       string    `db:"level" json:"level"`
		Status      string    `db:"status" json:"status"`
		GeneratedBy null.Int  `db:"generated_by" json:"generated_by,omitempty"`
		Notified    bool      `db:"notified" json:"notified"`
		CreatedAt   time.Time `db:"created_at" json:"created_at"`
		ClosedAt    null.Time `db:"closed_at" json:"closed_at,omitempty"`
	}
)

// Percentage returns the score as a percentage of the evaluation max.
func (g Grade) Percentage() float64 {
	if g.MaxScore <= 0 {
		return 0
	}
	return g.Score / g.MaxScore * 100
}

// GradeFromPercentage maps a score percentage to the 1.0-7.0 scale. The
// mapping is piecewise linear with 60% at the passing mark 4.0.
func GradeFromPercentage(pct float64) float64 {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	var grade float64
	if pct < 60 {
		grade = GradeMin + (PassingGrade-GradeMin)*pct/60
	} else {
		grade = PassingGrade + (GradeMax-PassingGrade)*(pct-60)/40
	}
	return math.Round(grade*10) / 10
}

type (
	NewAttendance struct {
		StudentID     int    `json:"student_id" validate:"required"`
		CourseID      int    `json:"course_id" validate:"required"`
		SubjectID     int    `json:"subject_id" validate:"required"`
		Date          string `json:"date" validate:"required,datetime=2006-01-02"`
		Status        string `json:"status" validate:"required,oneof=PRESENTE AUSENTE ATRASO JUSTIFICADO"`
		Justification string `json:"justification" validate:"required_if=Status JUSTIFICADO"`
	}

	NewEvaluation struct {
		AssignmentID int     `json:"assignment_id" validate:"required"`
		TermID       int     `json:"term_id" validate:"required"`
		Type         string  `json:"type" validate:"omitempty,oneof=PRUEBA EXAMEN TAREA TRABAJO OTRO"`
		Title        string  `json:"title" validate:"required"`
		Description  string  `json:"description"`
		Date         string  `json:"date" validate:"required,datetime=2006-01-02"`
		MaxScore     float64 `json:"max_score" validate:"required,gt=0"`
		Weight       float64 `json:"weight" validate:"required,gt=0,lte=100"`
	}

	NewGrade struct {
		EvaluationID int     `json:"evaluation_id" validate:"required"`
		StudentID    int     `json:"student_id" validate:"required"`
		Score        float64 `json:"score" validate:"required"`
		Comment      string  `json:"comment"`
	}

	NewObservation struct {
		StudentID int    `json:"student_id" validate:"required"`
		CourseID  int    `json:"course_id" validate:"required"`
		Type      string `json:"type" validate:"required,oneof=ACADEMICA DISCIPLINARIA"`
		Severity  string `json:"severity" validate:"omitempty,oneof=BAJA MEDIA ALTA"`
		Detail    string `json:"detail" validate:"required"`
	}

	ObservationResolution struct {
		Resolution string `json:"resolution" validate:"required"`
	}

	NewAlert struct {
		StudentID   int    `json:"student_id" validate:"required"`
		CourseID    int    `json:"course_id" validate:"required"`
		Reason      string `json:"reason" validate:"required"`
		Description string `json:"description"`
		Level       string `json:"level" validate:"omitempty,oneof=BAJO MEDIO ALTO"`
	}
)

func (na *NewAttendance) Validate(validate *validator.Validate) error {
	na.Justification = core.CleanString(na.Justification)
	return validate.Struct(na)
}

func (ne *NewEvaluation) Validate(validate *validator.Validate) error {
	ne.Title = core.CleanString(ne.Title)
	if ne.Type == "" {
		ne.Type = EvalTypeTest
	}
	return validate.Struct(ne)
}

func (ng *NewGrade) Validate(validate *validator.Validate) error {
	return validate.Struct(ng)
}

func (no *NewObservation) Validate(validate *validator.Validate) error {
	no.Detail = core.CleanString(no.Detail)
	if no.Severity == "" {
		no.Severity = SeverityLow
	}
	return validate.Struct(no)
}

func (or *ObservationResolution) Validate(validate *validator.Validate) error {
	or.Resolution = core.CleanString(or.Resolution)
	return validate.Struct(or)
}

func (na *NewAlert) Validate(validate *validator.Validate) error {
	na.Reason = core.CleanString(na.Reason)
	if na.Level == "" {
		na.Level = AlertLow
	}
	return validate.Struct(na)
}

type (
	AttendanceFilter struct {
		StudentID int    `query:"student_id"`
		CourseID  int    `query:"course_id"`
		SubjectID int    `query:"subject_id"`
		Status    string `query:"status"`
		From      string `query:"from"`
		To        string `query:"to"`
	}

	EvaluationFilter struct {
		AssignmentID int    `query:"assignment_id"`
		TermID       int    `query:"term_id"`
		CourseID     int    `query:"course_id"`
		Status       string `query:"status"`
	}

	GradeFilter struct {
		StudentID    int `query:"student_id"`
		EvaluationID int `query:"evaluation_id"`
		TermID       int `query:"term_id"`
		AssignmentID int `query:"assignment_id"`
		CourseID     int `query:"course_id"`
		SubjectID    int `query:"subject_id"`
	}

	ObservationFilter struct {
		StudentID int    `query:"student_id"`
		CourseID  int    `query:"course_id"`
		Type      string `query:"type"`
		Resolved  *bool  `query:"resolved"`
	}

	AlertFilter struct {
		StudentID int    `query:"student_id"`
		CourseID  int    `query:"course_id"`
		Status    string `query:"status"`
		Level     string `query:"level"`
	}

	// RiskStat is the per student+course aggregate the risk scan consumes.
	RiskStat struct {
		StudentID     int     `db:"student_id"`
		CourseID      int     `db:"course_id"`
		Average       float64 `db:"average"`
		LowGradeCount int     `db:"low_grade_count"`
	}
)
