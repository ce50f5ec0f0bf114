package store

// Contact is a persisted contact-list snapshot row, enough to present a
// roster at sign-in before the server synchronization completes.
type Contact struct {
	Hash            string
	Account         string
	ClientType      int
	DisplayName     string
	PersonalMessage string
	Lists           int
}

// Ticket is a persisted SSO ticket row.
type Ticket struct {
	Type         int
	Domain       string
	Value        string
	BinarySecret string
	CreatedAt    int64 // unix milliseconds
	ExpiresAt    int64 // unix milliseconds
}
