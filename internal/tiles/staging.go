package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/logging"
)

const defaultStagingRegion = "us-east-1"

// UploadCredentials are the temporary S3 credentials the Uploads API issues.
type UploadCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	URL             string `json:"url"`
}

// Staged is the location of a staged object.
type Staged struct {
	Bucket string
	Key    string
	URL    string
}

// Stager puts export files into S3: into the Mapbox staging bucket using
// temporary credentials, and optionally into an archive bucket using the
// default AWS credential chain.
type Stager struct {
	baseURL    string
	username   string
	token      string
	region     string
	httpClient *http.Client
	log        *zap.Logger

	// ArchiveBucket, when set, receives a copy of every export.
	ArchiveBucket string
	// Endpoint overrides the S3 endpoint and switches to path-style
	// addressing.
	Endpoint string
}

func NewStager(baseURL, username, token, region string, log *zap.Logger) (*Stager, error) {
	if username == "" || token == "" {
		return nil, ErrMissingCredentials
	}
	if region == "" {
		region = defaultStagingRegion
	}
	return &Stager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		token:    token,
		region:   region,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.OrNop(log),
	}, nil
}

// Credentials requests temporary staging credentials.
func (s *Stager) Credentials(ctx context.Context) (*UploadCredentials, error) {
	fullURL := fmt.Sprintf("%s/uploads/v1/%s/credentials?access_token=%s", s.baseURL, s.username, url.QueryEscape(s.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		logging.LogError(s.log, "tiles", "staging credentials", err)
		return nil, fmt.Errorf("staging credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := &APIError{Op: "staging credentials", Status: resp.StatusCode}
		logging.LogError(s.log, "tiles", "staging credentials", err)
		return nil, err
	}
	var creds UploadCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode staging credentials: %w", err)
	}
	return &creds, nil
}

func (s *Stager) client(ctx context.Context, provider aws.CredentialsProvider) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.region)}
	if provider != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Stage uploads data to the staging bucket and, when configured, archives it
// under name.
func (s *Stager) Stage(ctx context.Context, name string, data []byte) (*Staged, error) {
	creds, err := s.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	bucket, key := creds.Bucket, creds.Key
	// Older responses carry the location only as s3://bucket/key.
	if bucket == "" || strings.HasPrefix(bucket, "s3://") {
		bucket, key = splitS3URL(firstNonEmpty(creds.Bucket, creds.URL), key)
	}

	client, err := s.client(ctx, credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/geo+json-seq"),
	}); err != nil {
		logging.LogError(s.log, "tiles", "stage", err, zap.String("bucket", bucket))
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	logging.LogResponse(s.log, "tiles", http.StatusOK, time.Since(start), 1)

	if s.ArchiveBucket != "" {
		archive, err := s.client(ctx, nil)
		if err != nil {
			return nil, err
		}
		if _, err := archive.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.ArchiveBucket),
			Key:    aws.String(name),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return nil, fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return &Staged{Bucket: bucket, Key: key, URL: creds.URL}, nil
}

func splitS3URL(raw, fallbackKey string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(raw, "s3://"), "/", 2)
	if len(parts) == 2 && parts[1] != "" {
		return parts[0], parts[1]
	}
	return parts[0], fallbackKey
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
