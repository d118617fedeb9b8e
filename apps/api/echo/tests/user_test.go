package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	echoapi "github.com/ncastellan/escolar/apps/api/echo"
	"github.com/ncastellan/escolar/core/user"
	emailsvc "github.com/ncastellan/escolar/services/email"
)

func Test_userApi_login(t *testing.T) {
	app := setup(t)

	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "LolC@t123", user.RoleStudent, true)
	naughty := createUser(t, "Nacho", "Díaz", "ndiaz", "ndiaz@escolar.cl", "LolC@t123", user.RoleStudent, false)

	reqMsg := "this field is required"
	tests := []httpTest{
		{
			name: "required fields", wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"username": reqMsg, "password": reqMsg}),
		},
		{
			name: "unknown user", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.LoginRequest{Username: "ghost", Password: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "invalid credentials"}),
		},
		{
			name: "wrong password", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, echoapi.LoginRequest{Username: student.Username, Password: "nope"}),
			wantData: marchallObj(t, httpErr{Error: "invalid credentials"}),
		},
		{
			name: "deactivated account", wantCode: http.StatusForbidden,
			body:     marchallObj(t, echoapi.LoginRequest{Username: naughty.Username, Password: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{
			name: "login with username", wantCode: http.StatusOK,
			body: marchallObj(t, echoapi.LoginRequest{Username: student.Username, Password: "LolC@t123"}),
		},
		{
			name: "login with email", wantCode: http.StatusOK,
			body: marchallObj(t, echoapi.LoginRequest{Username: student.Email, Password: "LolC@t123"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/users/login"

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(tt.method, tt.path, tt.body)
			app.ServeHTTP(rec, req)

			if tt.wantCode == http.StatusOK {
				if rec.Code != tt.wantCode {
					t.Fatalf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
				}
				var respData echoapi.LoginResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &respData); err != nil {
					t.Fatalf("json.Unmarshal() failed: %v", err)
				}
				if respData.Token == "" {
					t.Error("failed! empty token")
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_loginLockout(t *testing.T) {
	app := setup(t)

	usr := createUser(t, "Rosa", "Vera", "rvera", "rvera@escolar.cl", "LolC@t123", user.RoleTeacher, true)
	badCreds := marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "nope"})

	for i := 0; i < conf.Security.MaxLoginAttempts; i++ {
		req, rec := newRequest(http.MethodPost, "/v1/users/login", badCreds)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: code = %v; want %v", i+1, rec.Code, http.StatusBadRequest)
		}
	}

	// account is now temporarily blocked, even with the right password
	req, rec := newRequest(http.MethodPost, "/v1/users/login", marchallObj(t, echoapi.LoginRequest{Username: usr.Username, Password: "LolC@t123"}))
	app.ServeHTTP(rec, req)
	tt := httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account temporarily blocked"})}
	checkCodeAndData(t, tt, rec)
}

func Test_userApi_userQuery(t *testing.T) {
	app := setup(t)

	path := func(search string, isActive *bool, roles ...string) string {
		v := make(url.Values)
		if search != "" {
			v.Add("search", search)
		}
		if isActive != nil {
			v.Add("is_active", strconv.FormatBool(*isActive))
		}
		for _, r := range roles {
			v.Add("role", r)
		}
		return "/v1/users?" + v.Encode()
	}
	bPtr := func(b bool) *bool { return &b }

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	director := createUser(t, "Diego", "Rojas", "drojas", "drojas@escolar.cl", "", user.RoleDirector, true)
	teacher := createUser(t, "Tamara", "Pinto", "tpinto", "tpinto@escolar.cl", "", user.RoleTeacher, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)
	naughty := createUser(t, "Nacho", "Díaz", "ndiaz", "ndiaz@escolar.cl", "", user.RoleStudent, false)

	adminToken := getToken(t, admin)
	empty := marchallList(t, []interface{}{}...)

	tests := []httpTest{
		{name: "Auth required", path: "/v1/users", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", path: "/v1/users", token: getToken(t, student), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, errForbidden),
		},
		{
			name: "Teachers are not staff", path: "/v1/users", token: getToken(t, teacher), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, errForbidden),
		},
		{
			name: "Get all", path: "/v1/users", token: adminToken,
			wantData: marchallList(t, admin, director, teacher, student, naughty),
		},
		{
			name: "Directors may query", path: "/v1/users", token: getToken(t, director),
			wantData: marchallList(t, admin, director, teacher, student, naughty),
		},
		{name: "search (unknown)", path: path("lol", nil), token: adminToken, wantData: empty},
		{name: "search=soto", path: path("soto", nil), token: adminToken, wantData: marchallList(t, student)},
		{name: "role (unknown)", path: path("", nil, "lol"), token: adminToken, wantData: empty},
		{name: "role=DOCENTE", path: path("", nil, user.RoleTeacher), token: adminToken, wantData: marchallList(t, teacher)},
		{name: "is_active=false", path: path("", bPtr(false)), token: adminToken, wantData: marchallList(t, naughty)},
		{
			name: "is_active=true", path: path("", bPtr(true)), token: adminToken,
			wantData: marchallList(t, admin, director, teacher, student),
		},
		{name: "combo", path: path("díaz", bPtr(false), user.RoleStudent), token: adminToken, wantData: marchallList(t, naughty)},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_userRefreshToken(t *testing.T) {
	app := setup(t)

	naughty := createUser(t, "Nacho", "Díaz", "ndiaz", "ndiaz@escolar.cl", "", user.RoleStudent, false)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)

	// a token issued longer ago than the refresh window cannot be refreshed
	oldIat := time.Now().Add(-2 * conf.Server.JWTRefreshExpirationDelta).Unix()
	unrefreshableToken, err := echoapi.GenerateToken(echoapi.GetUserClaims(student, oldIat))
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}

	tests := []httpTest{
		{name: "Auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "Inactive user not allowed", token: getToken(t, naughty), wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"})},
		{name: "Refresh period expired", token: unrefreshableToken, wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"})},
		{name: "Token refreshed", token: getToken(t, student), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/users/token-refresh"

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)

			// cannot guess new token.. just check that it's not empty
			if tt.wantCode == http.StatusOK {
				if rec.Code != tt.wantCode {
					t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
				}
				var respData echoapi.LoginResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &respData); err != nil {
					t.Errorf("json.Unmarshal() failed: %v", err)
				}
				if respData.Token == "" {
					t.Error("failed! empty token")
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_userResetPassword(t *testing.T) {
	app := setup(t)

	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)
	successData := marchallObj(t, echoapi.SuccessResponse{Success: "If the email address supplied is associated with an active account on this system, " +
		"an email will arrive in your inbox shortly with instructions to reset your password."})

	pathRegex, err := regexp.Compile("/password-reset/.+/.+")
	if err != nil {
		t.Fatalf("regexp.Compile() failed: %v", err)
	}

	type extraTest struct {
		emailSent bool
		to        mail.Address
	}
	tests := []httpTest{
		{name: "required fields", wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"email": "this field is required"})},
		{
			name: "invalid email", wantCode: http.StatusBadRequest, body: marchallObj(t, echoapi.PasswordResetRequest{Email: "lol"}),
			wantData: marchallObj(t, map[string]string{"email": "email must be a valid email address"}),
		},
		{
			name: "unknown email", wantCode: http.StatusOK, body: marchallObj(t, echoapi.PasswordResetRequest{Email: "lol@escolar.cl"}),
			wantData: successData, extra: extraTest{emailSent: false},
		},
		{
			name: "known email", wantCode: http.StatusOK, body: marchallObj(t, echoapi.PasswordResetRequest{Email: student.Email}),
			wantData: successData, extra: extraTest{emailSent: true, to: mail.Address{Name: student.FullName(), Address: student.Email}},
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/users/password-reset"

		t.Run(tt.name, func(t *testing.T) {
			emailsvc.ClearSentMessages()

			req, rec := newRequest(tt.method, tt.path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if extra, ok := tt.extra.(extraTest); ok {
				if extra.emailSent {
					if len(emailsvc.SentMessages) != 1 {
						t.Fatalf("failed! len(SentMessages) = %d; want 1", len(emailsvc.SentMessages))
					}
					msg := emailsvc.SentMessages[0]
					if msg.To[0] != extra.to {
						t.Errorf("failed! To = %v; want %v", msg.To[0], extra.to)
					}
					if !strings.Contains(msg.TextContent, extra.to.Name) {
						t.Errorf("failed! text content does not contain recipient's name \"%s\"", extra.to.Name)
					}
					if !strings.Contains(msg.HTMLContent, extra.to.Name) {
						t.Errorf("failed! HTML content does not contain recipient's name \"%s\"", extra.to.Name)
					}
					if !pathRegex.MatchString(msg.TextContent) {
						t.Errorf("failed! text content does not match pathRegex %v", pathRegex)
					}
					if !pathRegex.MatchString(msg.HTMLContent) {
						t.Errorf("failed! HTML content does not match pathRegex %v", pathRegex)
					}
				} else {
					if len(emailsvc.SentMessages) > 0 {
						t.Errorf("failed! len(SentMessages) = %d; want 0", len(emailsvc.SentMessages))
					}
				}
			}
		})
	}
}

func Test_userApi_userConfirmPasswordReset(t *testing.T) {
	app := setup(t)

	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "lol", user.RoleStudent, true)
	validUID := user.EncodeUID(student)
	validToken := user.MakeToken(student)

	// generate an expired token
	dayLate := conf.PasswordResetTimeoutDelta + (24 * time.Hour)
	user.SetNowFunc(func() time.Time { return time.Now().Add(-dayLate) })
	expiredToken := user.MakeToken(student)
	user.SetNowFunc(nil) // reset

	reqMsg := "this field is required"
	tests := []httpTest{
		{
			name: "required fields", wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"token": reqMsg, "uid": reqMsg, "password": reqMsg, "password_confirm": reqMsg}),
		},
		{
			name: "PasswordConfirm must = Password", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, user.ResetUserPassword{Token: "lol", UID: "lol", Password: "LolC@t123", PasswordConfirm: "lol"}),
			wantData: marchallObj(t, map[string]string{"password_confirm": "password_confirm must be equal to Password"}),
		},
		{
			name: "invalid uid", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, user.ResetUserPassword{Token: "lol", UID: "bG9s", Password: "LolC@t123", PasswordConfirm: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "invalid token"}),
		},
		{
			name: "user not found", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, user.ResetUserPassword{Token: "lol", UID: "OTk5", Password: "LolC@t123", PasswordConfirm: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "invalid token"}),
		},
		{
			name: "invalid token", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, user.ResetUserPassword{Token: "HE4TS-sigsig-sig", UID: validUID, Password: "LolC@t123", PasswordConfirm: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "invalid token"}),
		},
		{
			name: "expired token", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, user.ResetUserPassword{Token: expiredToken, UID: validUID, Password: "LolC@t123", PasswordConfirm: "LolC@t123"}),
			wantData: marchallObj(t, httpErr{Error: "token expired"}),
		},
		{
			name: "valid token", wantCode: http.StatusOK,
			body:     marchallObj(t, user.ResetUserPassword{Token: validToken, UID: validUID, Password: "LolC@t123", PasswordConfirm: "LolC@t123"}),
			wantData: marchallObj(t, echoapi.SuccessResponse{Success: "Password has been reset with the new password."}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/users/password-reset-confirm"

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(tt.method, tt.path, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode == http.StatusOK {
				refreshedStudent, err := usrRepo.GetUser(ctx(), user.GetFilter{ID: student.ID})
				if err != nil {
					t.Fatalf("GetUser() failed: %v", err)
				}
				if bytes.Equal(refreshedStudent.PasswordHash, student.PasswordHash) {
					t.Fatal("failed to update new password")
				}
			}
		})
	}
}

func Test_userApi_register(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	director := createUser(t, "Diego", "Rojas", "drojas", "drojas@escolar.cl", "", user.RoleDirector, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)

	newUsr := func(uname, email, role string) []byte {
		return marchallObj(t, user.NewUser{
			FirstName:       "Nuevo",
			LastName:        "Usuario",
			Username:        uname,
			Email:           email,
			Role:            role,
			Password:        "LolC@t123",
			PasswordConfirm: "LolC@t123",
		})
	}

	tests := []httpTest{
		{name: "Auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", token: getToken(t, student), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, errForbidden), body: newUsr("nuevo1", "nuevo1@escolar.cl", user.RoleStudent),
		},
		{
			name: "Directors cannot create admins", token: getToken(t, director), wantCode: http.StatusBadRequest,
			body:     newUsr("nuevo2", "nuevo2@escolar.cl", user.RoleAdmin),
			wantData: marchallObj(t, map[string]string{"role": "not enough rights to set this role"}),
		},
		{
			name: "Duplicate email rejected", token: getToken(t, admin), wantCode: http.StatusBadRequest,
			body:     newUsr("nuevo3", student.Email, user.RoleStudent),
			wantData: marchallObj(t, map[string]string{"email": "a user with this email already exists"}),
		},
		{name: "Created", token: getToken(t, admin), wantCode: http.StatusCreated, body: newUsr("nuevo4", "nuevo4@escolar.cl", user.RoleStudent)},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/users/register"

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)

			if tt.wantCode == http.StatusCreated {
				if rec.Code != tt.wantCode {
					t.Fatalf("failed! code = %v; wantCode %v; body = %s", rec.Code, tt.wantCode, rec.Body.String())
				}
				var respData user.User
				if err := json.Unmarshal(rec.Body.Bytes(), &respData); err != nil {
					t.Fatalf("json.Unmarshal() failed: %v", err)
				}
				if respData.ID == 0 {
					t.Error("failed! user not persisted")
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_guardianLinks(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "", user.RoleStudent, true)
	guardian := createUser(t, "Gloria", "Soto", "gsoto", "gsoto@escolar.cl", "", user.RoleGuardian, true)
	teacher := createUser(t, "Tamara", "Pinto", "tpinto", "tpinto@escolar.cl", "", user.RoleTeacher, true)

	adminToken := getToken(t, admin)
	linkPath := "/v1/users/" + strconv.Itoa(student.ID) + "/guardians"
	linkBody := marchallObj(t, echoapi.LinkGuardianRequest{GuardianID: guardian.ID})

	// guardians endpoint is staff only
	req, rec := newAuthRequest(http.MethodPost, linkPath, getToken(t, teacher), linkBody)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)}, rec)

	// linking a guardian to a non-student fails
	req, rec = newAuthRequest(http.MethodPost, "/v1/users/"+strconv.Itoa(teacher.ID)+"/guardians", adminToken, linkBody)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}

	// link
	req, rec = newAuthRequest(http.MethodPost, linkPath, adminToken, linkBody)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	// the guardian now sees their student
	req, rec = newAuthRequest(http.MethodGet, "/v1/users/my-students", getToken(t, guardian))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallList(t, student)}, rec)

	// and the student sees their guardian
	req, rec = newAuthRequest(http.MethodGet, "/v1/users/my-guardians", getToken(t, student))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallList(t, guardian)}, rec)
}

func Test_userApi_blockUnblock(t *testing.T) {
	app := setup(t)

	admin := createUser(t, "Ana", "Muñoz", "amunoz", "amunoz@escolar.cl", "", user.RoleAdmin, true)
	student := createUser(t, "Pedro", "Soto", "psoto", "psoto@escolar.cl", "LolC@t123", user.RoleStudent, true)

	adminToken := getToken(t, admin)
	basePath := "/v1/users/" + strconv.Itoa(student.ID)
	login := marchallObj(t, echoapi.LoginRequest{Username: student.Username, Password: "LolC@t123"})

	// block for 30 minutes
	req, rec := newAuthRequest(http.MethodPost, basePath+"/block", adminToken, marchallObj(t, echoapi.BlockRequest{Minutes: 30}))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// blocked user cannot log in
	req, rec = newRequest(http.MethodPost, "/v1/users/login", login)
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account temporarily blocked"})}, rec)

	// unblock
	req, rec = newAuthRequest(http.MethodPost, basePath+"/unblock", adminToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// login works again
	req, rec = newRequest(http.MethodPost, "/v1/users/login", login)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; want %v; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}
