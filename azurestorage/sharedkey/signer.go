// Package sharedkey implements the SharedKey authorization scheme of the
// storage REST API: a canonical string-to-sign built from the request and an
// HMAC-SHA256 signature keyed by the account's shared secret.
package sharedkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// AuthorizationHeader carries the signature.
	AuthorizationHeader = "Authorization"

	// DateHeader must be within 15 minutes of the service's clock.
	DateHeader = "x-ms-date"

	// VersionHeader selects the protocol version the service speaks.
	VersionHeader = "x-ms-version"

	// Version is the service version this library is tested against.
	Version = "2019-07-07"
)

// Signer produces SharedKey signatures for a single storage account.
// A Signer is immutable and safe for concurrent use.
type Signer struct {
	accountName string
	key         []byte
}

// NewSigner decodes the base64 shared key. A malformed key is a configuration
// error and is reported here, never per request.
func NewSigner(accountName, sharedKeyBase64 string) (*Signer, error) {
	if accountName == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if sharedKeyBase64 == "" {
		return nil, fmt.Errorf("shared key is required")
	}

	key, err := base64.StdEncoding.DecodeString(sharedKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode shared key: %w", err)
	}

	return &Signer{
		accountName: accountName,
		key:         key,
	}, nil
}

// AccountName ...
func (s *Signer) AccountName() string {
	return s.accountName
}

// Sign returns the base64 HMAC-SHA256 of stringToSign.
func (s *Signer) Sign(stringToSign string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(stringToSign)) //nolint:errcheck
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Signature computes the signature for a request described by its parts.
func (s *Signer) Signature(method string, header http.Header, u *url.URL) string {
	return s.Sign(StringToSignForURL(method, header, s.accountName, u))
}

// AuthorizationValue formats the Authorization header value for the request.
func (s *Signer) AuthorizationValue(method string, header http.Header, u *url.URL) string {
	return fmt.Sprintf("SharedKey %s:%s", s.accountName, s.Signature(method, header, u))
}

// Authorize sets x-ms-date (when missing), x-ms-version (when missing) and
// the Authorization header on req.
func (s *Signer) Authorize(req *http.Request, now time.Time) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get(DateHeader) == "" {
		req.Header.Set(DateHeader, FormatDate(now))
	}
	if req.Header.Get(VersionHeader) == "" {
		req.Header.Set(VersionHeader, Version)
	}

	signed := req.Header
	// The transport writes Content-Length from the request field, not from
	// the header map, so the signed view has to carry it explicitly.
	if req.ContentLength > 0 && req.Header.Get("Content-Length") == "" {
		signed = req.Header.Clone()
		signed.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}

	req.Header.Set(AuthorizationHeader, s.AuthorizationValue(req.Method, signed, req.URL))
}

// Verify reports whether r, as received by a server, carries a valid
// signature of this account.
func (s *Signer) Verify(r *http.Request) bool {
	header := r.Header.Clone()
	got := header.Get(AuthorizationHeader)
	header.Del(AuthorizationHeader)
	// A zero length is signed as an empty line.
	if header.Get("Content-Length") == "0" {
		header.Del("Content-Length")
	}
	want := s.AuthorizationValue(r.Method, header, r.URL)
	return hmac.Equal([]byte(got), []byte(want))
}

// FormatDate renders t the way x-ms-date expects it.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
