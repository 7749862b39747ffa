package models

// Role is the authenticated role carried by a connection.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Identity is the result of authenticating a connection attempt.
type Identity struct {
	UserID string
	Role   Role
}
