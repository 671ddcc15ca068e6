package models

// Role values carried in JWT claims.
const (
	RoleAdmin     = "admin"
	RoleOrganizer = "organizer"
)
