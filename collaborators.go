package quotaledger

import "context"

// Identity resolves a bearer credential to a user id. Implementations
// return ErrUnauthorized when no credential is given and
// ErrInvalidCredential when it does not verify.
type Identity interface {
	Authenticate(ctx context.Context, credential string) (uid string, err error)
}

// PurchaseVerifier turns a signed payment notification into a purchase
// event. It returns ErrSignatureInvalid for a bad signature.
type PurchaseVerifier interface {
	Verify(payload []byte, signature string) (PurchaseEvent, error)
}
