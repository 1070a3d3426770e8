package adapter

import (
	"net/http"

	"llm-dispatch/internal/domain/model"
	"llm-dispatch/internal/domain/ports/repository"
)

// Session is what an authenticated request carries into the use cases.
type Session struct {
	User *model.User
	DB   repository.Scope
}

// Authenticator resolves the caller of a request. Failures wrap
// domain.ErrUnauthorized and never say why the credential was rejected.
type Authenticator interface {
	Authenticate(r *http.Request) (*Session, error)
}
