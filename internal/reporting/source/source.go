package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
	"github.com/tiger/election-night-sim/internal/reporting"
)

// EnvS3Region overrides the AWS region used for s3:// documents.
const EnvS3Region = "ENSIM_CONFIG_S3_REGION"

// ErrDocumentNotFound is returned when the addressed document does not exist.
var ErrDocumentNotFound = errors.New("reporting config document not found")

// Document is a fetched, decoded ReportingConfig with its origin.
type Document struct {
	URI        string
	Config     apireporting.ReportingConfig
	Validation apireporting.ValidationResult
	Digest     string
}

// Fetcher reads raw document bytes.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// File reads a document from the local filesystem.
type File struct {
	Path string
}

// Fetch reads the configured path.
func (f File) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, f.Path)
		}
		return nil, fmt.Errorf("read reporting config %s: %w", f.Path, err)
	}
	return data, nil
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads a document from an S3 bucket.
type S3 struct {
	Bucket  string
	Key     string
	Region  string
	Timeout time.Duration

	client objectGetter
}

// NewS3WithClient builds an S3 fetcher over an injected client.
func NewS3WithClient(bucket, key string, client objectGetter) *S3 {
	return &S3{Bucket: bucket, Key: key, client: client}
}

// Fetch downloads the object body.
func (s *S3) Fetch(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(s.Bucket) == "" || strings.TrimSpace(s.Key) == "" {
		return nil, fmt.Errorf("s3 bucket and key are required")
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, classifyS3Error(s.Bucket, s.Key, err)
	}
	if out == nil || out.Body == nil {
		return nil, fmt.Errorf("s3://%s/%s returned an empty body", s.Bucket, s.Key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	return data, nil
}

func (s *S3) resolveClient(ctx context.Context) (objectGetter, error) {
	if s.client != nil {
		return s.client, nil
	}
	region := strings.TrimSpace(s.Region)
	if region == "" {
		region = strings.TrimSpace(os.Getenv(EnvS3Region))
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg)
	return s.client, nil
}

func classifyS3Error(bucket, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: s3://%s/%s", ErrDocumentNotFound, bucket, key)
		}
		return fmt.Errorf("get s3://%s/%s: %s: %w", bucket, key, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
}

// ForURI returns a fetcher for a local path, file:// URI or s3://bucket/key URI.
func ForURI(uri string) (Fetcher, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("config uri is required")
	}
	if !strings.Contains(uri, "://") {
		return File{Path: uri}, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse config uri %q: %w", uri, err)
	}
	switch parsed.Scheme {
	case "file":
		return File{Path: parsed.Path}, nil
	case "s3":
		return &S3{Bucket: parsed.Host, Key: strings.TrimPrefix(parsed.Path, "/")}, nil
	default:
		return nil, fmt.Errorf("unsupported config uri scheme %q", parsed.Scheme)
	}
}

// Open fetches and decodes the document at uri.
func Open(ctx context.Context, uri string) (Document, error) {
	fetcher, err := ForURI(uri)
	if err != nil {
		return Document{}, err
	}
	return Load(ctx, uri, fetcher)
}

// Load fetches through fetcher and decodes using the format implied by uri.
func Load(ctx context.Context, uri string, fetcher Fetcher) (Document, error) {
	raw, err := fetcher.Fetch(ctx)
	if err != nil {
		return Document{}, err
	}
	cfg, validation, err := reporting.Decode(raw, reporting.FormatForPath(uri))
	if err != nil {
		return Document{}, err
	}
	doc := Document{URI: uri, Config: cfg, Validation: validation}
	if validation.Valid() {
		digest, err := reporting.Digest(cfg)
		if err != nil {
			return Document{}, err
		}
		doc.Digest = digest
	}
	return doc, nil
}
