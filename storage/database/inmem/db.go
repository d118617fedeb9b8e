// Package inmemdb provides map-backed repositories used by tests and local
// bring-up, mirroring the behavior of the SQL implementations.
package inmemdb

import (
	"sync"

	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

type guardianLink struct {
	StudentID  int
	GuardianID int
}

type DB struct {
	mutex   sync.RWMutex
	pkCount int

	users         map[int]*user.User
	links         []guardianLink
	activityLogs  map[int]*user.ActivityLog
	notifications map[int]*user.Notification

	years       map[int]*school.AcademicYear
	terms       map[int]*school.Term
	levels      map[int]*school.Level
	rooms       map[int]*school.Room
	subjects    map[int]*school.Subject
	courses     map[int]*school.Course
	assignments map[int]*school.TeachingAssignment
	enrollments map[int]*school.Enrollment
	blocks      map[int]*school.ScheduleBlock

	attendance   map[int]*academics.Attendance
	evaluations  map[int]*academics.Evaluation
	grades       map[int]*academics.Grade
	observations map[int]*academics.Observation
	averages     map[int]*academics.FinalAverage
	reports      map[int]*academics.TermReport
	alerts       map[int]*academics.EarlyAlert

	messages map[string]*outbox.Message
}

func NewDB() *DB {
	return &DB{
		users:         make(map[int]*user.User),
		activityLogs:  make(map[int]*user.ActivityLog),
		notifications: make(map[int]*user.Notification),
		years:         make(map[int]*school.AcademicYear),
		terms:         make(map[int]*school.Term),
		levels:        make(map[int]*school.Level),
		rooms:         make(map[int]*school.Room),
		subjects:      make(map[int]*school.Subject),
		courses:       make(map[int]*school.Course),
		assignments:   make(map[int]*school.TeachingAssignment),
		enrollments:   make(map[int]*school.Enrollment),
		blocks:        make(map[int]*school.ScheduleBlock),
		attendance:    make(map[int]*academics.Attendance),
		evaluations:   make(map[int]*academics.Evaluation),
		grades:        make(map[int]*academics.Grade),
		observations:  make(map[int]*academics.Observation),
		averages:      make(map[int]*academics.FinalAverage),
		reports:       make(map[int]*academics.TermReport),
		alerts:        make(map[int]*academics.EarlyAlert),
		messages:      make(map[string]*outbox.Message),
	}
}

func (db *DB) nextPK() int {
	db.pkCount++
	return db.pkCount
}
