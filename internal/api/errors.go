package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trade-escrow/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps a protocol error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrTradeNotFound) {
		return http.StatusNotFound
	}
	pe, ok := domain.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch pe.Family {
	case domain.FamilyAuthorization:
		return http.StatusForbidden
	case domain.FamilyTemporal:
		return http.StatusUnprocessableEntity
	case domain.FamilyState, domain.FamilyAvailability:
		return http.StatusConflict
	case domain.FamilyValidation:
		return http.StatusBadRequest
	case domain.FamilyCustody:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	name := domain.ErrorName(err)
	msg := err.Error()
	if name == "" {
		name = "Internal"
		msg = http.StatusText(status)
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, errorBody{Error: name, Message: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: msg})
}
