package photo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/photo/s3"
)

// Uploader stores a compressed JPEG remotely and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, blob []byte, filename string) (string, error)
}

// BackendUploader sends photos through the backend's upload endpoint,
// which forwards them to object storage.
type BackendUploader struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// NewBackendUploader creates an uploader posting to baseURL+path. The
// http client should carry the authenticated session.
func NewBackendUploader(baseURL, path string, httpClient *http.Client) *BackendUploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BackendUploader{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		path:       path,
		httpClient: httpClient,
	}
}

type uploadRequest struct {
	ImageData string `json:"image_data"`
	Filename  string `json:"filename"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

// Upload posts {image_data, filename} and expects {success, url}.
func (u *BackendUploader) Upload(ctx context.Context, blob []byte, filename string) (string, error) {
	payload, err := json.Marshal(uploadRequest{
		ImageData: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(blob),
		Filename:  filename,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode upload request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+u.path, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read upload response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("Erro %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if !out.Success || out.URL == "" {
		msg := out.Error
		if msg == "" {
			msg = "upload rejected"
		}
		return "", errors.New(msg)
	}
	return out.URL, nil
}

// ObjectStore is the subset of the S3 client used for photo uploads.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

var _ ObjectStore = (*s3.Client)(nil)

// ObjectStoreUploader writes photos straight to an S3-compatible bucket
// under their content-addressed key.
type ObjectStoreUploader struct {
	store         ObjectStore
	publicBaseURL string
}

// NewObjectStoreUploader creates an uploader returning publicBaseURL/key.
func NewObjectStoreUploader(store ObjectStore, publicBaseURL string) *ObjectStoreUploader {
	return &ObjectStoreUploader{
		store:         store,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// Upload puts blob at Key(blob). The filename is ignored so retries of
// the same photo land on the same object. An object already present is
// not written again; a failed existence check falls through to the put.
func (u *ObjectStoreUploader) Upload(ctx context.Context, blob []byte, _ string) (string, error) {
	key := Key(blob)
	url := fmt.Sprintf("%s/%s", u.publicBaseURL, key)

	exists, err := u.store.Exists(ctx, key)
	if err != nil {
		logging.Debug("photo existence check failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	if exists {
		return url, nil
	}
	if err := u.store.Put(ctx, key, blob, "image/jpeg"); err != nil {
		return "", errors.Wrapf(err, "put %s", key)
	}
	return url, nil
}
