package utils

import "github.com/gin-gonic/gin"

// ErrorBody is the uniform error payload: {"error": {code, message, details?}}.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes used across the API.
const (
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeNotFound             = "NOT_FOUND"
	CodeBadRequest           = "BAD_REQUEST"
	CodeValidationError      = "VALIDATION_ERROR"
	CodePartsValidationError = "PARTS_VALIDATION_ERROR"
	CodeConflict             = "CONFLICT"
	CodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	CodeNoSuccessfulUploads  = "NO_SUCCESSFUL_UPLOADS"
	CodeFileNotUploaded      = "FILE_NOT_UPLOADED"
	CodeInternal             = "INTERNAL_ERROR"
)

// Success writes a 200 response with the payload under "data".
func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(200, gin.H{"data": data})
}

// Error writes a structured error response.
func Error(ctx *gin.Context, status int, code string, message string) {
	ctx.JSON(status, gin.H{"error": ErrorBody{Code: code, Message: message}})
}

// ErrorWithDetails writes a structured error response carrying details,
// e.g. per-file parts validation failures.
func ErrorWithDetails(ctx *gin.Context, status int, code string, message string, details interface{}) {
	ctx.JSON(status, gin.H{"error": ErrorBody{Code: code, Message: message, Details: details}})
}
