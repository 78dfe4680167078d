package domain

// JWTClaims represents the JWT payload issued by the session service.
type JWTClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RoleAdmin grants access to the operator endpoints.
const RoleAdmin = "admin"
