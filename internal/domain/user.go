// Package domain contains core domain types for the DALA chat server.
package domain

// User is a record from the credential store. It is created out of band and
// never modified by this service.
type User struct {
	Username string `json:"username"`
	// Credential is nil when the record has no credential field at all.
	Credential *string `json:"-"`
	StudentID  string  `json:"student_id,omitempty"`
}

// HasCredential returns true if the record carries a credential field.
func (u *User) HasCredential() bool {
	return u.Credential != nil
}
