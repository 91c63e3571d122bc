package sharedkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func TestStringToSign_ListWithServiceHeadersOnly(t *testing.T) {
	// Given
	header := http.Header{}
	header.Set("x-ms-date", "Mon, 01 Jan 2024 00:00:00 GMT")
	header.Set("x-ms-version", Version)
	u, err := url.Parse("https://account.blob.core.windows.net/container?comp=list&restype=container")
	require.NoError(t, err)

	// When
	got := StringToSignForURL(http.MethodGet, header, "account", u)

	// Then
	want := "GET\n" + strings.Repeat("\n", 11) +
		"x-ms-date:Mon, 01 Jan 2024 00:00:00 GMT\n" +
		"x-ms-version:2019-07-07\n" +
		"/account/container" +
		"\ncomp:list" +
		"\nrestype:container"
	assert.Equal(t, want, got)
}

func TestStringToSign_TemplateSlots(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Length", "11")
	header.Set("Range", "bytes=0-9")
	header.Set("Date", "ignored because x-ms-date is used")
	header.Set("User-Agent", "not signed")

	got := StringToSign(http.MethodPut, header, "acc", "/c/b", nil)

	want := "PUT\n" +
		"\n" + // Content-Encoding
		"\n" + // Content-Language
		"11\n" +
		"\n" + // Content-MD5
		"application/octet-stream\n" +
		"\n" + // Date
		"\n\n\n\n" +
		"bytes=0-9\n" +
		"/acc/c/b"
	assert.Equal(t, want, got)
}

func TestStringToSign_CanonicalHeadersSortCaseInsensitive(t *testing.T) {
	header := http.Header{
		"X-Ms-Foo": []string{"a"},
		"x-ms-bar": []string{"b"},
	}

	got := StringToSign(http.MethodGet, header, "acc", "/", nil)

	assert.Contains(t, got, "x-ms-bar:b\nx-ms-foo:a\n")
}

func TestStringToSign_QueryOrder(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "sorted regardless of input order",
			query: "b=2&a=1",
			want:  "/acc/res\na:1\nb:2",
		},
		{
			name:  "values are percent decoded",
			query: "blockid=YWJj%2Bd%2F%3D%3D&comp=block",
			want:  "/acc/res\nblockid:YWJj+d/==\ncomp:block",
		},
		{
			name:  "undecodable values are skipped",
			query: "comp=list&marker=%zz",
			want:  "/acc/res\ncomp:list",
		},
		{
			name:  "components without separator are skipped",
			query: "comp=list&flag",
			want:  "/acc/res\ncomp:list",
		},
		{
			name:  "no query",
			query: "",
			want:  "/acc/res",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StringToSign(http.MethodGet, http.Header{}, "acc", "/res", ParseQuery(tt.query))
			assert.True(t, strings.HasSuffix(got, tt.want), "got %q", got)
		})
	}
}

func TestStringToSignForURL_ResourcePath(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{
			name:   "plain blob name",
			rawURL: "https://acc.blob.core.windows.net/c/b.txt?comp=block",
			want:   "\n/acc/c/b.txt\ncomp:block",
		},
		{
			name:   "path stays escaped",
			rawURL: "https://acc.blob.core.windows.net/c/my%20file.txt?comp=block",
			want:   "\n/acc/c/my%20file.txt\ncomp:block",
		},
		{
			name:   "non ascii and percent sign",
			rawURL: "https://acc.blob.core.windows.net/c/r%C3%A9sum%C3%A9%2550.txt",
			want:   "\n/acc/c/r%C3%A9sum%C3%A9%2550.txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)

			got := StringToSignForURL(http.MethodPut, http.Header{}, "acc", u)

			assert.True(t, strings.HasSuffix(got, tt.want), "got %q", got)
		})
	}
}

func TestSigner_VerifyEscapedBlobName(t *testing.T) {
	signer, err := NewSigner("acc", devKey)
	require.NoError(t, err)

	var verified bool
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified = signer.Verify(r)
		w.WriteHeader(http.StatusCreated)
	}))
	defer svr.Close()

	u, err := url.Parse(svr.URL)
	require.NoError(t, err)
	u.Path = "/c/dir/my file #1.txt"
	req, err := http.NewRequest(http.MethodPut, u.String(), nil)
	require.NoError(t, err)
	signer.Authorize(req, time.Now())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.True(t, verified)
	assert.Equal(t, "/c/dir/my%20file%20%231.txt", req.URL.EscapedPath())
}

func TestStringToSign_Deterministic(t *testing.T) {
	header := http.Header{}
	for _, name := range []string{"x-ms-a", "x-ms-c", "x-ms-b", "X-MS-D", "x-ms-meta-e"} {
		header.Set(name, name)
	}
	query := ParseQuery("z=1&y=2&x=3&restype=container")

	first := StringToSign(http.MethodGet, header, "acc", "/c", query)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, StringToSign(http.MethodGet, header, "acc", "/c", query))
	}
}

func TestNewSigner(t *testing.T) {
	tests := []struct {
		name    string
		account string
		key     string
		wantErr bool
	}{
		{name: "valid", account: "devstoreaccount1", key: devKey},
		{name: "malformed key", account: "acc", key: "not base64 !!", wantErr: true},
		{name: "missing key", account: "acc", wantErr: true},
		{name: "missing account", key: devKey, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewSigner(tt.account, tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.account, signer.AccountName())
		})
	}
}

func TestSigner_Sign(t *testing.T) {
	signer, err := NewSigner("acc", devKey)
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(devKey)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("GET\n/acc/c"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, signer.Sign("GET\n/acc/c"))
}

func TestSigner_Authorize(t *testing.T) {
	// Given
	signer, err := NewSigner("acc", devKey)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, "http://127.0.0.1/acc/c/b?comp=block&blockid=abc", strings.NewReader("hello"))
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// When
	signer.Authorize(req, now)

	// Then
	assert.Equal(t, "Mon, 01 Jan 2024 12:00:00 GMT", req.Header.Get(DateHeader))
	assert.Equal(t, Version, req.Header.Get(VersionHeader))
	assert.Empty(t, req.Header.Get("Content-Length"))

	view := req.Header.Clone()
	view.Del(AuthorizationHeader)
	view.Set("Content-Length", "5")
	want := "SharedKey acc:" + signer.Sign(StringToSignForURL(http.MethodPut, view, "acc", req.URL))
	assert.Equal(t, want, req.Header.Get(AuthorizationHeader))
}

func TestTransport_SignsEveryAttempt(t *testing.T) {
	signer, err := NewSigner("acc", devKey)
	require.NoError(t, err)

	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !signer.Verify(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		seen = append(seen, r.Header.Get(DateHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ticks := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
	}
	client := &http.Client{Transport: &Transport{
		Signer: signer,
		Now: func() time.Time {
			now := ticks[0]
			ticks = ticks[1:]
			return now
		},
	}}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/c?restype=container&comp=list", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.Equal(t, []string{"Mon, 01 Jan 2024 00:00:00 GMT", "Mon, 01 Jan 2024 00:00:05 GMT"}, seen)
	assert.Empty(t, req.Header.Get(AuthorizationHeader))
}

func TestSigner_VerifyRejectsOtherKey(t *testing.T) {
	signer, err := NewSigner("acc", devKey)
	require.NoError(t, err)
	other, err := NewSigner("acc", base64.StdEncoding.EncodeToString([]byte("another key")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/c/b", nil)
	other.Authorize(req, time.Now())

	assert.False(t, signer.Verify(req))
	assert.True(t, other.Verify(req))
}
