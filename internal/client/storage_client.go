package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/config"
)

// UploadMeta describes where and how an artifact is stored
type UploadMeta struct {
	Key         string
	ContentType string
	Metadata    map[string]string
}

// UploadSink hands a finished local file to storage and returns its public URL
type UploadSink interface {
	Upload(ctx context.Context, localPath string, meta UploadMeta) (string, error)
}

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	UploadSink
	Delete(ctx context.Context, key string) error
	GetPublicURL(key string) string
}

// NewStorageClient picks the sink named by cfg.Driver.
func NewStorageClient(ctx context.Context, cfg *config.StorageConfig) (StorageClient, error) {
	switch cfg.Driver {
	case "s3", "r2":
		return NewS3Client(ctx, &cfg.S3)
	case "local", "":
		return NewLocalClient(&cfg.Local)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// S3Client implements StorageClient for S3 and Cloudflare R2
type S3Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
	endpoint   string
}

// NewS3Client creates a new S3-compatible storage client. An R2 account id
// without an explicit endpoint selects the R2 endpoint.
func NewS3Client(ctx context.Context, cfg *config.S3Config) (*S3Client, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 configuration incomplete: bucket name is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		s3Client:   s3Client,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		endpoint:   strings.TrimSuffix(endpoint, "/"),
	}, nil
}

// Upload uploads a local file and returns the public URL
func (c *S3Client) Upload(ctx context.Context, localPath string, meta UploadMeta) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "upload", "open artifact", err)
	}
	defer f.Close()

	key := meta.Key
	if key == "" {
		key = filepath.Base(localPath)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentTypeFor(localPath, meta.ContentType)),
		Metadata:    meta.Metadata,
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return c.GetPublicURL(key), nil
}

// Delete removes an object
func (c *S3Client) Delete(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}

	if _, err := c.s3Client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// GetPublicURL returns the public CDN URL for a key
func (c *S3Client) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	if c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucketName, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucketName, key)
}

// LocalClient stores artifacts in a directory served elsewhere
type LocalClient struct {
	dir     string
	baseURL string
}

func NewLocalClient(cfg *config.LocalStorageConfig) (*LocalClient, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local storage directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "", "create storage dir", err)
	}
	return &LocalClient{dir: cfg.Dir, baseURL: strings.TrimSuffix(cfg.BaseURL, "/")}, nil
}

// Dir is the root directory artifacts are copied into.
func (c *LocalClient) Dir() string {
	return c.dir
}

func (c *LocalClient) Upload(ctx context.Context, localPath string, meta UploadMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.ErrCancelled, "upload", "copy artifact", err)
	}
	key := meta.Key
	if key == "" {
		key = filepath.Base(localPath)
	}
	dst, err := c.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "upload", "create key dir", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "upload", "copy artifact", err)
	}
	return c.GetPublicURL(key), nil
}

func (c *LocalClient) Delete(ctx context.Context, key string) error {
	p, err := c.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.ErrResource, "", "delete artifact", err)
	}
	return nil
}

func (c *LocalClient) GetPublicURL(key string) string {
	if c.baseURL == "" {
		return "file://" + filepath.Join(c.dir, filepath.FromSlash(key))
	}
	return c.baseURL + "/" + key
}

func (c *LocalClient) pathFor(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", apperr.Validation("empty storage key")
	}
	return filepath.Join(c.dir, clean), nil
}

func contentTypeFor(path, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mpd":
		return "application/dash+xml"
	case ".mp4", ".m4s":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".key":
		return "application/octet-stream"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
