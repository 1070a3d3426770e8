package model

// User is the authenticated caller as described by the identity token.
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

func (u *User) HasCustomer() bool {
	return u != nil && u.CustomerID != ""
}
