package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"modbus-middleware/internal/apperr"
)

type errorBody struct {
	Error           string `json:"error"`
	Detail          string `json:"detail"`
	ModbusException *int   `json:"modbus_exception,omitempty"`
}

// renderError maps the error taxonomy to a status code and JSON body. Open
// circuit errors also carry a Retry-After header.
func renderError(c *gin.Context, err error) {
	e := apperr.AsError(err)

	body := errorBody{Error: e.Kind.String(), Detail: e.Detail}
	if e.Kind == apperr.KindDevice && e.Code != 0 {
		code := e.Code
		body.ModbusException = &code
	}
	if e.Kind == apperr.KindCircuitOpen && e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", fmt.Sprintf("%d", secs))
	}
	c.AbortWithStatusJSON(e.Kind.HTTPStatus(), body)
}

// renderValidation shortcuts binding failures to a 400.
func renderValidation(c *gin.Context, err error) {
	renderError(c, apperr.Wrap(apperr.KindValidation, err, "invalid request"))
}
