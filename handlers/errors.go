package handlers

import (
	"errors"
	"net/http"

	"foodorder-svc/services"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func httpStatus(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindForbidden:
		return http.StatusForbidden
	case services.KindTotalMismatch, services.KindAmountMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func errorBody(err error) gin.H {
	body := gin.H{
		"error": services.PublicMessage(err),
		"kind":  services.KindOf(err),
	}
	var mismatch *services.TotalMismatchError
	if errors.As(err, &mismatch) {
		body["client_total"] = mismatch.Client.String()
		body["server_total"] = mismatch.Server.String()
	}
	return body
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(httpStatus(err), errorBody(err))
}

func grpcError(err error) error {
	code := codes.Internal
	switch services.KindOf(err) {
	case services.KindValidation:
		code = codes.InvalidArgument
	case services.KindNotFound:
		code = codes.NotFound
	case services.KindForbidden:
		code = codes.PermissionDenied
	case services.KindTotalMismatch, services.KindAmountMismatch:
		code = codes.FailedPrecondition
	}
	return status.Error(code, services.PublicMessage(err))
}
