package echoapi

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/school"
)

func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && contextHasAnyRole(ctx, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// staffMiddleware lets teachers and admins of a school through.
func staffMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.SchoolID != "" && (claims.IsAdmin || claims.IsTeacher) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// intakeMiddleware authenticates capture devices with the shared secret of the school in the path.
func intakeMiddleware(svc *attendance.Service, header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			key := strings.TrimSpace(ctx.Request().Header.Get(header))
			sch, err := svc.AuthorizeIntake(ctx.Request().Context(), ctx.Param("school"), key)
			if err != nil {
				return err
			}
			ctx.Set(contextSchoolKey, sch)
			return next(ctx)
		}
	}
}

func getContextSchool(ctx echo.Context) (school.School, error) {
	if sch, ok := ctx.Get(contextSchoolKey).(school.School); ok {
		return sch, nil
	}
	return school.School{}, errUnauthorized
}
