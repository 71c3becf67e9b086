package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError carries the error payload of a failed response
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// SuccessResponse writes a 200 response with the given payload
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

// SuccessResponseWithMeta writes a 200 response with payload and pagination meta
func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta})
}

// CreatedResponse writes a 201 response with the given payload
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data})
}

// ErrorResponse writes an error response with the given status and message
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, APIResponse{
		Success: false,
		Error:   &APIError{Code: CodeInternal, Message: message},
	})
}

// AppErrorResponse writes an error response derived from an AppError
func AppErrorResponse(c *gin.Context, err *AppError) {
	c.JSON(err.HTTPStatus(), APIResponse{
		Success: false,
		Error:   &APIError{Code: err.Code, Message: err.Message},
	})
}

// HandleServiceError maps a service error onto the response, falling back to
// a generic 500 for errors outside the AppError taxonomy.
func HandleServiceError(c *gin.Context, err error, fallback string) {
	if appErr, ok := AsAppError(err); ok {
		AppErrorResponse(c, appErr)
		return
	}
	ErrorResponse(c, http.StatusInternalServerError, fallback)
}
