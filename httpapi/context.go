package httpapi

import (
	"context"
	"net/http"
)

type principalKey struct{}

// Principal is the already-authenticated caller identity the surface
// accepts via request context; this module never authenticates
// requests itself (out of scope per the spec), it only records who the
// principal claims to be as created_by/triggered_by.
type Principal struct {
	Subject string
}

// WithPrincipal returns a copy of r carrying p in its context, used by
// an upstream authentication middleware this module does not itself
// implement.
func WithPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

func principalFrom(r *http.Request) Principal {
	if p, ok := r.Context().Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{Subject: "anonymous"}
}
