package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Request headers set by the API gateway after it has authenticated the
// supplier application.
const (
	HeaderPermissions = "VaccineTypePermissions"
	HeaderSupplier    = "SupplierSystem"
)

// JWT claim carrying the permission tokens when the caller presents a bearer
// token instead of gateway headers.
const permissionsClaim = "imms:permissions"

const (
	ctxPermissions = "vax_permissions"
	ctxSupplier    = "supplier_system"
)

// Middleware extracts the caller's capability set and supplier system and
// stores them on the request context. Two transports are supported: the
// gateway's VaccineTypePermissions/SupplierSystem headers, or an HMAC-signed
// bearer token whose claims carry the same values. Requests with neither are
// rejected; an empty permission set would deny everything anyway.
func Middleware(jwtSecret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if raw := c.Request().Header.Get(HeaderPermissions); raw != "" {
				c.Set(ctxPermissions, ParsePermissions(raw))
				c.Set(ctxSupplier, c.Request().Header.Get(HeaderSupplier))
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization")
			}
			perms, supplier, err := parseToken(strings.TrimPrefix(header, "Bearer "), jwtSecret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(ctxPermissions, perms)
			c.Set(ctxSupplier, supplier)
			return next(c)
		}
	}
}

func parseToken(raw string, secret []byte) (PermissionSet, string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, "", fmt.Errorf("unexpected claims type")
	}
	perms, _ := claims[permissionsClaim].(string)
	supplier, _ := claims["sub"].(string)
	return ParsePermissions(perms), supplier, nil
}

// PermissionsFromContext returns the capability set stored by Middleware.
// The zero set (allow nothing) is returned when none was stored.
func PermissionsFromContext(c echo.Context) PermissionSet {
	if p, ok := c.Get(ctxPermissions).(PermissionSet); ok {
		return p
	}
	return PermissionSet{}
}

// SupplierFromContext returns the supplier system stored by Middleware.
func SupplierFromContext(c echo.Context) string {
	s, _ := c.Get(ctxSupplier).(string)
	return s
}
