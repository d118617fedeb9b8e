package echoapi

import (
	"net/http"
	"reflect"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
)

var (
	errUnauthorized       = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAccountDeactivated = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errAccountBlocked     = echo.NewHTTPError(http.StatusForbidden, "account temporarily blocked")
	errRefreshExpired     = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden      = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound       = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// notFoundErrs are domain sentinels that map to a 404.
var notFoundErrs = map[error]struct{}{
	user.ErrNotFound:      {},
	school.ErrNotFound:    {},
	academics.ErrNotFound: {},
}

// badRequestErrs are domain sentinels that map to a 400.
var badRequestErrs = map[error]struct{}{
	academics.ErrNotEnrolled:       {},
	academics.ErrNotAssignedToYou:  {},
	academics.ErrScoreOutOfRange:   {},
	academics.ErrAlreadyPublished:  {},
	academics.ErrDateOutsideTerm:   {},
	academics.ErrAlertAlreadyOpen:  {},
	academics.ErrObservationClosed: {},
	school.ErrNotATeacher:          {},
	school.ErrNotAStudent:          {},
	school.ErrAlreadyEnrolled:      {},
	school.ErrYearExists:           {},
	school.ErrTermOrderExists:      {},
	school.ErrLevelExists:          {},
	school.ErrRoomExists:           {},
	school.ErrSubjectExists:        {},
	school.ErrCourseExists:         {},
	school.ErrAssignmentExists:     {},
	user.ErrInvalidOldPassword:     {},
	user.ErrNotAStudent:            {},
	user.ErrNotAGuardian:           {},
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		cause := errors.Cause(err)
		// map lookups panic on unhashable keys (e.g. validator.ValidationErrors is a slice)
		if cause != nil && reflect.TypeOf(cause).Comparable() {
			if _, ok := notFoundErrs[cause]; ok {
				cause = echo.NewHTTPError(http.StatusNotFound, "not found")
			} else if _, ok := badRequestErrs[cause]; ok {
				cause = echo.NewHTTPError(http.StatusBadRequest, cause.Error())
			}
		}

		switch origErr := cause.(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if fldErrs := origErr.FieldMap(); fldErrs != nil {
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		default: // any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var usr user.User
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				usr.ID = claims.UserID()
				usr.Username = claims.Username
				usr.Email = claims.Email
			}
			logger.Error(msg, errors.Wrap(err, msg), usr)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		} else if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
