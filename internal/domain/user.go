package domain

// Actor is the authenticated user performing a call operation
type Actor struct {
	UserID  int64
	IsAdmin bool // elevated authority, may end calls it did not start
}

// User is the minimal view of a user the call service needs
type User struct {
	UserID    int64   `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}
