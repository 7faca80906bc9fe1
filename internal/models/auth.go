package models

import "github.com/golang-jwt/jwt/v5"

// AdminRole is the only role carried by kiosk session tokens.
const AdminRole = "ADMIN"

// AdminClaims represents the payload of an admin session token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminSession is returned after a successful PIN check.
type AdminSession struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}
