/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError is the body of every error response of the admin API.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, APIError{Error: message, Code: code, Details: details})
}

// RespondNotFound reports an unknown record, property or sink.
func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	respondError(c, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found: %s", resourceType, resourceName), "")
}

// RespondBadRequest reports malformed query parameters or bodies.
func RespondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, "BAD_REQUEST", message, "")
}

// RespondInternalError logs err and answers with the operation name only;
// store and backend errors never reach the client.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("failed to %s", operation), "")
}

// RespondServiceUnavailable reports a backend or feature this node lacks,
// such as record signing.
func RespondServiceUnavailable(c *gin.Context, service string) {
	respondError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", fmt.Sprintf("service unavailable: %s", service), "")
}

// RespondUnprocessableEntity reports input that parsed but failed
// verification. details may be empty.
func RespondUnprocessableEntity(c *gin.Context, message, details string) {
	respondError(c, http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY", message, details)
}

// RespondTooManyRequests is written by the per-client rate limiter.
func RespondTooManyRequests(c *gin.Context) {
	respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, please try again later", "")
}

func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
