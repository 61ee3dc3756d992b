package auth

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

const ctxIdentityKey = "identity"

// Middleware 在 gin 上下文中放入 *Identity。
// required=false 时认证失败只记日志，请求以未认证身份继续。
func Middleware(v *Verifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := TokenFromRequest(c.Request)
		if tok == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "Authorization header is missing or invalid",
				})
				return
			}
			c.Next()
			return
		}
		id, err := v.Verify(tok)
		if err != nil {
			log.Printf("verify token error: %v (remote=%s)", err, c.ClientIP())
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "invalid token",
				})
				return
			}
			c.Next()
			return
		}
		c.Set(ctxIdentityKey, id)
		c.Next()
	}
}

// FromContext 取出中间件写入的身份，未认证返回 nil
func FromContext(c *gin.Context) *Identity {
	v, ok := c.Get(ctxIdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}
