package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   string
	header http.Header
}

func fakeBucket(t *testing.T, status int) (*httptest.Server, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.EscapedPath(), body: string(body), header: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(endpoint string) *Client {
	c := NewClient(&Config{
		Endpoint:   endpoint,
		BucketName: "photos-bucket",
		AccessKey:  "AKIDEXAMPLE",
		SecretKey:  "secret",
		Region:     "auto",
	})
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestPut(t *testing.T) {
	srv, calls := fakeBucket(t, http.StatusOK)
	c := testClient(srv.URL)

	err := c.Put(context.Background(), "photos/abc.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPut, call.method)
	assert.Equal(t, "/photos-bucket/photos/abc.jpg", call.path)
	assert.Equal(t, "jpeg-bytes", call.body)
	assert.Equal(t, "image/jpeg", call.header.Get("Content-Type"))
	assert.Equal(t, "20260301T120000Z", call.header.Get("X-Amz-Date"))
	assert.Len(t, call.header.Get("X-Amz-Content-Sha256"), 64)

	auth := call.header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260301/auto/s3/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestPut_signatureIsDeterministic(t *testing.T) {
	srv, calls := fakeBucket(t, http.StatusOK)
	c := testClient(srv.URL)

	require.NoError(t, c.Put(context.Background(), "photos/a.jpg", []byte("x"), ""))
	require.NoError(t, c.Put(context.Background(), "photos/a.jpg", []byte("x"), ""))
	require.NoError(t, c.Put(context.Background(), "photos/a.jpg", []byte("y"), ""))

	first := (*calls)[0].header.Get("Authorization")
	assert.Equal(t, first, (*calls)[1].header.Get("Authorization"))
	assert.NotEqual(t, first, (*calls)[2].header.Get("Authorization"), "payload is part of the signature")
	assert.Equal(t, "application/octet-stream", (*calls)[0].header.Get("Content-Type"))
}

func TestPut_errorStatus(t *testing.T) {
	srv, _ := fakeBucket(t, http.StatusForbidden)
	err := testClient(srv.URL).Put(context.Background(), "photos/a.jpg", []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPut_transportError(t *testing.T) {
	srv, _ := fakeBucket(t, http.StatusOK)
	c := testClient(srv.URL)
	srv.Close()

	err := c.Put(context.Background(), "photos/a.jpg", []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload request failed")
}

func TestExists(t *testing.T) {
	srv, calls := fakeBucket(t, http.StatusNotFound)
	ok, err := testClient(srv.URL).Exists(context.Background(), "photos/missing.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, http.MethodHead, (*calls)[0].method)

	srv2, _ := fakeBucket(t, http.StatusOK)
	ok, err = testClient(srv2.URL).Exists(context.Background(), "photos/there.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	srv3, _ := fakeBucket(t, http.StatusInternalServerError)
	_, err = testClient(srv3.URL).Exists(context.Background(), "photos/x.jpg")
	assert.Error(t, err)
}

func TestDeleteAndTestConnection(t *testing.T) {
	srv, calls := fakeBucket(t, http.StatusNoContent)
	c := testClient(srv.URL)
	require.NoError(t, c.Delete(context.Background(), "photos/a.jpg"))
	assert.Equal(t, http.MethodDelete, (*calls)[0].method)

	ok, _ := fakeBucket(t, http.StatusOK)
	require.NoError(t, testClient(ok.URL).TestConnection(context.Background()))

	denied, calls2 := fakeBucket(t, http.StatusForbidden)
	assert.Error(t, testClient(denied.URL).TestConnection(context.Background()))
	assert.Equal(t, "/photos-bucket", (*calls2)[0].path)
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "photos/a%20b.jpg", escapeKey("photos/a b.jpg"))
	assert.Equal(t, "photos/abc.jpg", escapeKey("photos/abc.jpg"))
}
