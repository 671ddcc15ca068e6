// Package apierror writes domain errors as API error envelopes.
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/pkg/response"
)

// Respond maps a domain error to its status code. Internal errors are not
// echoed back to the client.
func Respond(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	switch {
	case models.IsUnavailable(err):
		status, kind, msg = http.StatusServiceUnavailable, models.KindUnavailable, models.ErrStoreUnavailable.Msg
	case kind == models.KindInternal:
		msg = "internal error"
	}
	response.Fail(c, status, kind.String(), msg)
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindConflict, models.KindCapacityExceeded:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
