package s3

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string // Cloudflare Account ID
	BucketName string
	AccessKey  string // R2 API Token (Access Key ID)
	SecretKey  string // R2 API Token (Secret Access Key)
}

// NewR2Client creates a client for Cloudflare R2.
// The endpoint format is https://<accountid>.r2.cloudflarestorage.com.
func NewR2Client(config *R2Config) (*Client, error) {
	if config.AccountID == "" {
		return nil, errors.New("R2 account id is required")
	}
	if config.BucketName == "" {
		return nil, errors.New("R2 bucket is required")
	}
	return NewClient(&Config{
		Endpoint:   "https://" + R2EndpointForAccount(config.AccountID),
		BucketName: config.BucketName,
		AccessKey:  config.AccessKey,
		SecretKey:  config.SecretKey,
		Region:     "auto",
	}), nil
}

// R2EndpointForAccount returns the R2 API host for an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// R2PublicBaseURL returns the r2.dev public bucket URL for an account.
// Objects are served at <base>/<key>.
func R2PublicBaseURL(accountID string) string {
	return fmt.Sprintf("https://pub-%s.r2.dev", accountID)
}

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
}

// NewMinIOClient creates a client for a MinIO server.
func NewMinIOClient(config *MinIOConfig) (*Client, error) {
	endpoint, err := ParseMinIOEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, err
	}
	if config.BucketName == "" {
		return nil, errors.New("MinIO bucket is required")
	}
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	return NewClient(&Config{
		Endpoint:   endpoint,
		BucketName: config.BucketName,
		AccessKey:  config.AccessKey,
		SecretKey:  config.SecretKey,
		Region:     region,
	}), nil
}

// ParseMinIOEndpoint adds a scheme when missing and drops a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", errors.New("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// MinIOPublicBaseURL returns the anonymous-read URL of a bucket.
func MinIOPublicBaseURL(endpoint, bucket string, useSSL bool) (string, error) {
	base, err := ParseMinIOEndpoint(endpoint, useSSL)
	if err != nil {
		return "", err
	}
	return base + "/" + bucket, nil
}
