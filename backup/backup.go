// Package backup uploads compressed copies of the log to s3-compatible
// storage and restores them.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kjk/kvstore/atomicfile"
	"github.com/kjk/kvstore/logstore"
	"github.com/kjk/kvstore/u"
)

// ErrLogExists is returned by restore when it would overwrite a non-empty log
var ErrLogExists = errors.New("log already exists and is not empty")

// names of environment variables read by ConfigFromEnv
const (
	EnvAccess   = "KVSTORE_S3_ACCESS"
	EnvSecret   = "KVSTORE_S3_SECRET"
	EnvBucket   = "KVSTORE_S3_BUCKET"
	EnvEndpoint = "KVSTORE_S3_ENDPOINT"
	EnvRegion   = "KVSTORE_S3_REGION"
	EnvInsecure = "KVSTORE_S3_INSECURE"
	EnvPrefix   = "KVSTORE_S3_PREFIX"
)

type Config struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// use http instead of https, for local minio
	Insecure bool
	// prefix of remote paths
	Prefix string
	// if set, logs http requests
	RequestTrace io.Writer
}

// ConfigFromEnv builds Config from environment variables.
// getenv is usually os.Getenv
func ConfigFromEnv(getenv func(string) string) *Config {
	insecure := strings.ToLower(getenv(EnvInsecure))
	return &Config{
		Access:   getenv(EnvAccess),
		Secret:   getenv(EnvSecret),
		Bucket:   getenv(EnvBucket),
		Endpoint: getenv(EnvEndpoint),
		Region:   getenv(EnvRegion),
		Insecure: insecure == "1" || insecure == "true" || insecure == "yes",
		Prefix:   getenv(EnvPrefix),
	}
}

func (c *Config) Validate() error {
	var missing []string
	if c.Access == "" {
		missing = append(missing, EnvAccess)
	}
	if c.Secret == "" {
		missing = append(missing, EnvSecret)
	}
	if c.Bucket == "" {
		missing = append(missing, EnvBucket)
	}
	if c.Endpoint == "" {
		missing = append(missing, EnvEndpoint)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing backup config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RemotePath returns path for a backup of logPath made at t e.g.
// "kvstore/2026-10-15/data.db-154501.zst"
func RemotePath(prefix string, logPath string, t time.Time, codec Codec) string {
	t = t.UTC()
	name := filepath.Base(logPath) + "-" + t.Format("150405") + codec.Ext()
	return path.Join(prefix, t.Format("2006-01-02"), name)
}

// Client stores backups in s3-compatible storage
type Client struct {
	Client *minio.Client
	Bucket string
}

var _ Target = (*Client)(nil)

// New connects to storage and checks that the bucket exists
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Access, config.Secret, ""),
		Region: config.Region,
		Secure: !config.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if config.RequestTrace != nil {
		mc.TraceOn(config.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", config.Bucket)
	}
	return &Client{
		Client: mc,
		Bucket: config.Bucket,
	}, nil
}

func contentType(codec Codec) string {
	if codec == CodecZstd {
		return "application/zstd"
	}
	return "application/octet-stream"
}

// Target is a place where backups are stored
type Target interface {
	// UploadLog uploads compressed copy of the log at logPath and
	// returns compressed size
	UploadLog(ctx context.Context, remotePath string, logPath string) (int64, error)
	// RestoreLog downloads a backup made by UploadLog and installs it as dstPath
	RestoreLog(ctx context.Context, remotePath string, dstPath string, force bool) (*logstore.Stats, error)
	ListBackups(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// UploadLog uploads compressed copy of the log at logPath.
// Compression is picked based on remotePath extension.
// It's safe to do while the log is being appended to: a partial last
// line is skipped on restore
func (c *Client) UploadLog(ctx context.Context, remotePath string, logPath string) (int64, error) {
	codec, err := CodecForPath(remotePath)
	if err != nil {
		return 0, err
	}
	d, err := CompressFile(logPath, codec)
	if err != nil {
		return 0, err
	}
	opts := minio.PutObjectOptions{
		ContentType: contentType(codec),
		UserMetadata: map[string]string{
			"log-name": filepath.Base(logPath),
		},
	}
	r := bytes.NewReader(d)
	info, err := c.Client.PutObject(ctx, c.Bucket, remotePath, r, int64(len(d)), opts)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// RestoreLog downloads a backup made by UploadLog and installs it as dstPath
func (c *Client) RestoreLog(ctx context.Context, remotePath string, dstPath string, force bool) (*logstore.Stats, error) {
	codec, err := CodecForPath(remotePath)
	if err != nil {
		return nil, err
	}
	if err = checkCanInstall(dstPath, force); err != nil {
		return nil, err
	}
	obj, err := c.Client.GetObject(ctx, c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return InstallLog(obj, codec, dstPath, force)
}

// ListBackups returns remote paths of backups under prefix
func (c *Client) ListBackups(ctx context.Context, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	var res []string
	for oi := range c.Client.ListObjects(ctx, c.Bucket, opts) {
		if oi.Err != nil {
			return nil, oi.Err
		}
		res = append(res, oi.Key)
	}
	return res, nil
}

// Close is a no-op, minio client doesn't hold connections that need closing
func (c *Client) Close() error {
	return nil
}

func checkCanInstall(dstPath string, force bool) error {
	if !force && u.FileSize(dstPath) > 0 {
		return fmt.Errorf("%w: '%s'", ErrLogExists, dstPath)
	}
	return nil
}

// InstallLog decompresses r, verifies it replays and atomically
// writes it to dstPath. Returns replay stats of the installed log
func InstallLog(r io.Reader, codec Codec, dstPath string, force bool) (*logstore.Stats, error) {
	if err := checkCanInstall(dstPath, force); err != nil {
		return nil, err
	}
	dr, err := Decompress(r, codec)
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	d, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	stats, err := logstore.ReplayReader(bytes.NewReader(d), nil)
	if err != nil {
		return nil, err
	}
	if len(d) > 0 && stats.Records == 0 {
		return stats, fmt.Errorf("backup has no valid records (%s)", stats)
	}
	if err = os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return nil, err
	}
	if err = atomicfile.WriteFile(dstPath, d); err != nil {
		return nil, err
	}
	return stats, nil
}
