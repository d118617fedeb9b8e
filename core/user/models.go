package user

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"
	"golang.org/x/crypto/bcrypt"

	"github.com/ncastellan/escolar/core"
)

// Institutional roles. Hierarchy runs from 1 (full access) to 5 (basic).
const (
	RoleAdmin    = "ADMIN"
	RoleDirector = "DIRECTOR"
	RoleTeacher  = "DOCENTE"
	RoleStudent  = "ALUMNO"
	RoleGuardian = "APODERADO"
)

var (
	AllRoles = []string{RoleAdmin, RoleDirector, RoleTeacher, RoleStudent, RoleGuardian}

	roleHierarchy = map[string]int{
		RoleAdmin:    1,
		RoleDirector: 2,
		RoleTeacher:  3,
		RoleStudent:  4,
		RoleGuardian: 5,
	}

	Roles = []Role{
		{Code: RoleAdmin, Name: "Administrador", Hierarchy: 1},
		{Code: RoleDirector, Name: "Director", Hierarchy: 2},
		{Code: RoleTeacher, Name: "Docente", Hierarchy: 3},
		{Code: RoleStudent, Name: "Alumno", Hierarchy: 4},
		{Code: RoleGuardian, Name: "Apoderado", Hierarchy: 5},
	}
)

// RoleHierarchy returns the hierarchy of a role code; unknown roles rank last.
func RoleHierarchy(code string) int {
	if h, ok := roleHierarchy[code]; ok {
		return h
	}
	return len(roleHierarchy) + 1
}

type Role struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Hierarchy int    `json:"hierarchy"`
}

type User struct {
	ID             int         `json:"id" db:"id"`
	FirstName      string      `json:"first_name" db:"first_name"`
	LastName       string      `json:"last_name" db:"last_name"`
	Username       string      `json:"username" db:"username"`
	Email          string      `json:"email" db:"email"`
	RUT            null.String `json:"rut" db:"rut"`
	Role           string      `json:"role" db:"role"`
	Phone          string      `json:"phone" db:"phone"`
	Address        string      `json:"address" db:"address"`
	Gender         string      `json:"gender" db:"gender"`
	BirthDate      null.Time   `json:"birth_date" db:"birth_date"`
	EnrollmentYear string      `json:"enrollment_year" db:"enrollment_year"`
	ProfileImage   null.String `json:"profile_image" db:"profile_image"`

	PasswordHash       []byte    `json:"-" db:"password_hash"`
	MustChangePassword bool      `json:"must_change_password" db:"must_change_password"`
	FailedAttempts     int       `json:"-" db:"failed_attempts"`
	IsBlocked          bool      `json:"is_blocked" db:"is_blocked"`
	BlockedUntil       null.Time `json:"blocked_until" db:"blocked_until"`
	LastLogin          null.Time `json:"last_login" db:"last_login"`       // UTC
	LastLoginIP        string    `json:"last_login_ip" db:"last_login_ip"` // set on successful login

	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"` // UTC
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) IsAdmin() bool    { return u.Role == RoleAdmin }
func (u *User) IsDirector() bool { return u.Role == RoleDirector }
func (u *User) IsTeacher() bool  { return u.Role == RoleTeacher }
func (u *User) IsStudent() bool  { return u.Role == RoleStudent }
func (u *User) IsGuardian() bool { return u.Role == RoleGuardian }

// IsStaff reports whether the user holds a management role.
func (u *User) IsStaff() bool { return u.IsAdmin() || u.IsDirector() }

// IsTemporarilyBlocked reports whether a temporary block is still in force.
func (u *User) IsTemporarilyBlocked(now time.Time) bool {
	return u.BlockedUntil.Valid && now.Before(u.BlockedUntil.Time)
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	Username        string `json:"username" validate:"omitempty,min=4,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	RUT             string `json:"rut" validate:"omitempty,rut"`
	Role            string `json:"role" validate:"required,rolecode"`
	Phone           string `json:"phone"`
	Address         string `json:"address"`
	Gender          string `json:"gender"`
	BirthDate       string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	EnrollmentYear  string `json:"enrollment_year"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nu *NewUser) Validate(validate *validator.Validate, svc ServiceInterface) error {
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.RUT = CleanRUT(nu.RUT)

	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.CheckUniqueness(nu.Username, nu.Email, nu.RUT)
}

// UpdateUser defines what information may be provided to modify an existing User.
type UpdateUser struct {
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	Username        string  `json:"username" validate:"omitempty,min=4,alphanum_"`
	Email           string  `json:"email" validate:"omitempty,email"`
	RUT             string  `json:"rut" validate:"omitempty,rut"`
	Role            string  `json:"role" validate:"omitempty,rolecode"`
	Phone           *string `json:"phone"`
	Address         *string `json:"address"`
	Gender          *string `json:"gender"`
	BirthDate       string  `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	EnrollmentYear  *string `json:"enrollment_year"`
	IsActive        *bool   `json:"is_active"`
	Password        string  `json:"password" validate:"omitempty"`
	PasswordConfirm string  `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (uu *UpdateUser) Validate(origUsr User, validate *validator.Validate, svc ServiceInterface) error {
	if name := core.CleanString(uu.FirstName); name != "" {
		uu.FirstName = name
	} else {
		uu.FirstName = origUsr.FirstName
	}
	if name := core.CleanString(uu.LastName); name != "" {
		uu.LastName = name
	} else {
		uu.LastName = origUsr.LastName
	}

	if uname := core.CleanString(uu.Username, true /* lower */); uname != "" {
		uu.Username = uname
	} else {
		uu.Username = origUsr.Username
	}

	if email := core.CleanString(uu.Email, true /* lower */); email != "" {
		uu.Email = email
	} else {
		uu.Email = origUsr.Email
	}

	if rut := CleanRUT(uu.RUT); rut != "" {
		uu.RUT = rut
	} else {
		uu.RUT = origUsr.RUT.String
	}

	if err := validate.Struct(uu); err != nil {
		return err
	}
	return svc.CheckUniqueness(uu.Username, uu.Email, uu.RUT, origUsr)
}

type ResetUserPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}

func (rp ResetUserPassword) Validate(validate *validator.Validate) error {
	return validate.Struct(rp)
}

type QueryFilter struct {
	Search      string    `query:"search"`
	Role        string    `query:"role"`
	IsActive    *bool     `query:"is_active"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Role == "" && qf.IsActive == nil && qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Role = core.CleanString(qf.Role, true)
	qf.Role = strings.ToUpper(qf.Role)
}

// GetFilter selects a single user. Fields are tried in order.
type GetFilter struct {
	ID              int
	Username        string
	Email           string
	RUT             string
	UsernameOrEmail string
}

// Notification levels.
const (
	NotifInfo   = "INFO"
	NotifWarn   = "WARN"
	NotifUrgent = "URGENT"
)

// Notification is an internal message shown to a user (schedule changes,
// new evaluations, alerts, announcements).
type Notification struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	Level     string    `json:"level" db:"level"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ActivityLog records logins, failed attempts, sensitive changes and
// administrative actions.
type ActivityLog struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	Action    string    `json:"action" db:"action"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ActivityLogFilter struct {
	UserID      int       `query:"user_id"`
	Search      string    `query:"search"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}
