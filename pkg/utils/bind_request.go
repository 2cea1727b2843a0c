package utils

import (
	"github.com/labstack/echo/v4"

	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
)

// BindRequest decodes the request body into T and validates it. Both failures
// are validation errors, the same kind the services return.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, apperrors.Wrap(apperrors.KindValidation, err, "invalid request body")
	}

	if _, err := Validate(v); err != nil {
		return v, apperrors.Validation(err)
	}

	return v, nil
}
