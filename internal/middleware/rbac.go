package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RequireAttemptScope checks that the candidate token was issued for the
// attempt named by the route parameter.
func RequireAttemptScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if claims.AttemptID != c.Param(param) {
			response.AbortFail(c, http.StatusForbidden, response.ErrAttemptScope)
			return
		}
		c.Next()
	}
}

// RequireTestScope checks that the proctor token covers the test named by the
// route parameter.
func RequireTestScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if !claims.CanMonitor(c.Param(param)) {
			response.AbortFail(c, http.StatusForbidden, response.ErrTestScope)
			return
		}
		c.Next()
	}
}
