package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"wg-tunneld/models"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, envelope{Success: true, Data: data})
}

func statusOf(err error) int {
	var (
		validation  *models.ValidationError
		notFound    *models.NotFoundError
		conflict    *models.ConflictError
		precond     *models.PreconditionError
		unavailable *models.KeyUnavailableError
		drv         *models.DriverError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &precond), errors.As(err, &unavailable):
		return http.StatusConflict
	case errors.As(err, &drv):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, envelope{Error: msg})
}

// bindJSON decodes the body into req and reports malformed input as a 400.
func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		err = models.Invalid(fe.Field(), "failed on the %q rule", fe.Tag())
		if fe.Tag() == "required" {
			err = models.Invalid(fe.Field(), "is required")
		}
	} else {
		err = models.Invalid("", "%s", err.Error())
	}
	fail(c, err)
	return false
}
