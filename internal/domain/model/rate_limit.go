package model

import "time"

// RateLimitUsage is the state of a customer's window as reported by the
// rate-limit procedures. It is never written by application code.
type RateLimitUsage struct {
	CustomerID string    `json:"-"`
	Allowed    bool      `json:"-"`
	Used       int       `json:"used"`
	Quota      int       `json:"quota"`
	ResetAt    time.Time `json:"reset_at"`
}

func (u *RateLimitUsage) Remaining() int {
	if r := u.Quota - u.Used; r > 0 {
		return r
	}
	return 0
}
