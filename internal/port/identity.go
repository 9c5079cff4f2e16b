package port

import "context"

// IdentityResolver maps a request credential to a buyer id. Session and
// user management live outside this engine; this is the narrow contract
// the handlers consume.
type IdentityResolver interface {
	ResolveBuyer(ctx context.Context, credential string) (string, error)
}
