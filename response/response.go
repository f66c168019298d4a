// Package response writes JSON bodies and the error envelope shared by every route.
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/gateway"
)

type APIError struct {
	Code    apperr.Kind            `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError writes err as an envelope with the status of its kind.
// Internal failures are reported without their message.
func RespondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.KindInternal
	}
	body := APIError{Code: kind, Message: "internal server error"}
	if kind != apperr.KindInternal {
		body.Message = err.Error()
	}
	body.Details = details(err)

	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), ErrorEnvelope{Error: body})
}

func details(err error) map[string]interface{} {
	d := map[string]interface{}{}

	var v *apperr.ValidationError
	if errors.As(err, &v) && v.Field != "" {
		d["field"] = v.Field
	}
	var nr *apperr.NotReadyError
	if errors.As(err, &nr) {
		d["jobId"] = nr.JobID
		d["status"] = nr.Status
	}
	var p *apperr.PromotionError
	if errors.As(err, &p) {
		d["op"] = p.Op
		d["jobId"] = p.JobID
		d["cause"] = string(apperr.KindOf(p.Err))
	}
	if g, ok := gateway.AsGatewayError(err); ok {
		d["gatewayStatus"] = g.StatusCode
		if len(g.Detail) > 0 {
			d["gatewayDetail"] = g.Detail
		}
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

func RespondOK(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusCreated, payload)
}
