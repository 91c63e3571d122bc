package sharedkey

import (
	"net/http"
	"time"
)

// Transport signs every outgoing request before handing it to Base.
// Retried and ranged requests get a fresh x-ms-date and signature per attempt.
type Transport struct {
	Signer *Signer
	Base   http.RoundTripper

	// Now is used for x-ms-date; time.Now when nil.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The caller's request is never mutated, so every attempt starts without
	// a date and gets a fresh one.
	signed := req.Clone(req.Context())
	t.Signer.Authorize(signed, t.now())
	return t.base().RoundTrip(signed)
}

// CloseIdleConnections forwards to Base when it supports it.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := t.base().(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
