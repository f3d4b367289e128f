package authorization

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Module 持有校验请求所需的 JWT 中间件，令牌由账号体系统一颁发。
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
}

// RegisterRoutes 初始化鉴权模块并注册自省路由。
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	realm := strings.TrimSpace(os.Getenv("JWT_REALM"))
	if realm == "" {
		realm = "sitechat"
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       realm,
		Key:         []byte(secret),
		Timeout:     24 * time.Hour,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: "user_id",
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return claims["user_id"]
		},
		// query 形式的令牌用于 WebSocket 订阅等无法携带请求头的场景。
		TokenLookup:   "header: Authorization, query: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("authorization: build jwt middleware: %w", err)
	}
	if err := middleware.MiddlewareInit(); err != nil {
		return nil, fmt.Errorf("authorization: init jwt middleware: %w", err)
	}

	module := &Module{jwtMiddleware: middleware}

	group := router.Group("/auth")
	group.GET("/me", module.Guard().RequireAuthenticated(), module.handleWhoAmI)

	return module, nil
}

// Guard 返回模块内部复用的守卫实例。
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// handleWhoAmI 返回当前令牌中携带的身份信息。
func (m *Module) handleWhoAmI(c *gin.Context) {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": claims["user_id"],
		"roles":   claims["roles"],
	})
}

// Guard 封装 JWT 中间件以提供授权辅助方法。
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard 根据给定的 JWT 中间件构建守卫辅助。
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// RequireAuthenticated 确保请求携带有效的 JWT。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole 要求请求至少具备指定角色之一。
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}

	if len(normalized) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		for _, has := range ExtractRoles(claims) {
			candidate := strings.ToLower(strings.TrimSpace(has))
			for _, expected := range normalized {
				if candidate == expected {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": fmt.Sprintf("one of [%s] roles required", strings.Join(normalized, ", ")),
		})
	}
}

// RequireRole 限定请求必须拥有给定角色。
func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}

// ExtractRoles 从 JWT 声明中解析角色列表。
func ExtractRoles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case []string:
		return value
	case []interface{}:
		roles := make([]string, 0, len(value))
		for _, item := range value {
			if role, ok := item.(string); ok && strings.TrimSpace(role) != "" {
				roles = append(roles, role)
			}
		}
		return roles
	case string:
		fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
		return fields
	default:
		return nil
	}
}
