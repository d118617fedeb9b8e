package user

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/ncastellan/escolar/core"
)

var (
	roleCodeTag  = "rolecode"
	roleCodeText = "invalid role"

	rutTag  = "rut"
	rutText = "invalid RUT"

	usernameOrEmailTag  = "username_or_email"
	usernameOrEmailText = "one of username or email is required"

	// password policy
	pwdMinLen     = 8
	pwdMinLenTag  = "pwdminlen"
	pwdMinLenText = fmt.Sprintf("password must contain at least %d characters", pwdMinLen)

	pwdNoSpaceTag  = "pwdnospace"
	pwdNoSpaceText = "password must not contain whitespace"

	pwdNotAllNumTag  = "pwdnotallnum"
	pwdNotAllNumText = "password cannot be entirely numeric"

	pwdComplexityTag  = "pwdcplx"
	pwdComplexityText = "password must contain at least 1 uppercase character, 1 lowercase character, 1 digit and 1 special character"
	specialRegex      = regexp.MustCompile("[^A-Za-z0-9]")

	pwdMaxSim      = .7
	pwdAttrSimTag  = "pwdtoosim"
	pwdAttrSimText = "password cannot be similar to user attributes"

	pwdNoCommonTag  = "pwdnocommon"
	pwdNoCommonText = "password is too common"

	rutStripRegex = regexp.MustCompile(`[.\s-]`)

	// most common passwords seen in breach corpora; kept sorted for search
	commonPasswords = []string{
		"111111", "123123", "123456", "1234567", "12345678", "123456789",
		"1234567890", "654321", "666666", "abc123", "admin", "colegio",
		"dragon", "escuela", "iloveyou", "letmein", "master", "monkey",
		"password", "password1", "qwerty", "qwerty123", "shadow", "sunshine",
		"superman", "welcome",
	}
)

// RegisterValidators registers the package's custom validation tags on the
// given validator instance. Must be called once during start-up.
func RegisterValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(roleCodeTag, roleCodeValidation)
	core.RegisterCustomTranslation(validate, translator, roleCodeTag, roleCodeText)

	_ = validate.RegisterValidation(rutTag, rutValidation)
	core.RegisterCustomTranslation(validate, translator, rutTag, rutText)

	validate.RegisterStructValidation(userStructValidation, NewUser{})
	validate.RegisterStructValidation(userStructValidation, UpdateUser{})
	core.RegisterCustomTranslation(validate, translator, usernameOrEmailTag, usernameOrEmailText)
	core.RegisterCustomTranslation(validate, translator, pwdMinLenTag, pwdMinLenText)
	core.RegisterCustomTranslation(validate, translator, pwdNoSpaceTag, pwdNoSpaceText)
	core.RegisterCustomTranslation(validate, translator, pwdNotAllNumTag, pwdNotAllNumText)
	core.RegisterCustomTranslation(validate, translator, pwdComplexityTag, pwdComplexityText)
	core.RegisterCustomTranslation(validate, translator, pwdAttrSimTag, pwdAttrSimText)
	core.RegisterCustomTranslation(validate, translator, pwdNoCommonTag, pwdNoCommonText)
}

// CleanRUT strips dots, hyphens and whitespace and upper-cases the verifier,
// returning the canonical "NNNNNNNN-V" form. Invalid input is returned
// stripped; the `rut` validation tag rejects it later.
func CleanRUT(rut string) string {
	stripped := strings.ToUpper(rutStripRegex.ReplaceAllString(rut, ""))
	if len(stripped) < 2 {
		return stripped
	}
	return stripped[:len(stripped)-1] + "-" + stripped[len(stripped)-1:]
}

// rutCheckDigit computes the modulo-11 verifier for a RUT number body.
func rutCheckDigit(num string) string {
	var sum, factor int
	factor = 2
	for i := len(num) - 1; i >= 0; i-- {
		sum += int(num[i]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	switch rest := 11 - (sum % 11); rest {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return fmt.Sprintf("%d", rest)
	}
}

// Custom Validators

// rutValidation checks the RUT format and its modulo-11 check digit.
func rutValidation(fl validator.FieldLevel) bool {
	rut := fl.Field().String()
	parts := strings.SplitN(rut, "-", 2)
	if len(parts) != 2 || len(parts[0]) < 7 || len(parts[1]) != 1 {
		return false
	}
	for _, c := range parts[0] {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return rutCheckDigit(parts[0]) == parts[1]
}

// roleCodeValidation checks that the provided role is one of AllRoles.
func roleCodeValidation(fl validator.FieldLevel) bool {
	role := fl.Field().String()
	for _, r := range AllRoles {
		if role == r {
			return true
		}
	}
	return false
}

// userStructValidation does struct level validation on NewUser and UpdateUser structs.
func userStructValidation(sl validator.StructLevel) {
	switch usr := sl.Current().Interface().(type) {
	case NewUser:
		validateUsernameAndEmail(usr, sl)
		validatePassword(usr.Password, usr.FirstName+" "+usr.LastName, usr.Username, usr.Email, sl)
	case UpdateUser:
		if usr.Password != "" {
			validatePassword(usr.Password, usr.FirstName+" "+usr.LastName, usr.Username, usr.Email, sl)
		}
	}
}

// validateUsernameAndEmail checks that one of Username or Email is provided
func validateUsernameAndEmail(nu NewUser, sl validator.StructLevel) {
	if len(nu.Username) == 0 && len(nu.Email) == 0 {
		sl.ReportError(nu.Username, "username", "Username", usernameOrEmailTag, "")
		sl.ReportError(nu.Email, "email", "Email", usernameOrEmailTag, "")
	}
}

// validatePassword applies the password policy to provided password:
// - minLen: 8
// - no whitespace
// - not all numeric
// - no common password
// - complexity: 1 upper, 1 lower, 1 digit, 1 special
// - no user attrs similarity
func validatePassword(pwd, name, uname, email string, sl validator.StructLevel) {
	if tag := passwordPolicyTag(pwd, name, uname, email); tag != "" {
		sl.ReportError(pwd, "password", "Password", tag, "")
	}
}

// passwordPolicyTag returns the tag of the first rule the password breaks,
// or "" when the password passes the policy.
func passwordPolicyTag(pwd, name, uname, email string) string {
	var (
		digitCount         int
		hasUpper, hasLower bool
		hasDig, hasSpecial bool
	)

	pwdLen := len(pwd)
	if pwdLen < pwdMinLen {
		return pwdMinLenTag
	}
	for _, char := range []rune(pwd) {
		if unicode.IsSpace(char) {
			return pwdNoSpaceTag
		}
		if unicode.IsDigit(char) {
			digitCount++
		}
		if !hasUpper && unicode.IsUpper(char) {
			hasUpper = true
		}
		if !hasLower && unicode.IsLower(char) {
			hasLower = true
		}
	}

	if digitCount == pwdLen {
		return pwdNotAllNumTag
	}

	lpwd := strings.ToLower(pwd)
	if idx := sort.SearchStrings(commonPasswords, lpwd); idx < len(commonPasswords) {
		if match := commonPasswords[idx]; lpwd == match {
			return pwdNoCommonTag
		}
	}

	hasDig = digitCount > 0
	hasSpecial = specialRegex.MatchString(pwd)
	if !(hasUpper && hasLower && hasDig && hasSpecial) {
		return pwdComplexityTag
	}

	getRatio := func(pass, usrAttr string) float64 {
		if usrAttr == "" {
			return 0
		}
		return difflib.NewMatcher(strings.Split(pass, ""), strings.Split(usrAttr, "")).QuickRatio()
	}
	if getRatio(pwd, name) >= pwdMaxSim ||
		getRatio(pwd, uname) >= pwdMaxSim ||
		getRatio(pwd, email) >= pwdMaxSim {
		return pwdAttrSimTag
	}
	return ""
}
