package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3Backend serves s3:// repository URLs of the form
// s3://ENDPOINT/BUCKET/PREFIX. Credentials come from the credential source
// (username as access key, password as secret key) or from the standard AWS
// environment variables, with anonymous access as the fallback for public
// buckets.
type s3Backend struct {
	creds  CredentialSource
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*minio.Client // endpoint -> client
}

func newS3Backend(creds CredentialSource, logger *slog.Logger) *s3Backend {
	return &s3Backend{
		creds:   creds,
		logger:  logger,
		clients: make(map[string]*minio.Client),
	}
}

func (b *s3Backend) open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	endpoint := u.Host
	bucket, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("invalid s3 URL %q: want s3://endpoint/bucket/key", u.String())
	}

	client, err := b.clientFor(endpoint)
	if err != nil {
		return nil, 0, err
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 fetch of %s/%s failed: %w", bucket, key, err)
	}

	// GetObject is lazy; Stat forces the request so errors surface here.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, 0, &statusError{code: 404, url: u.String()}
		}
		return nil, 0, fmt.Errorf("s3 fetch of %s/%s failed: %w", bucket, key, err)
	}

	return obj, info.Size, nil
}

func (b *s3Backend) clientFor(endpoint string) (*minio.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.clients[endpoint]; ok {
		return client, nil
	}

	accessKey, secretKey := b.resolveCredentials(endpoint)
	opts := &minio.Options{Secure: true}
	if accessKey != "" || secretKey != "" {
		opts.Creds = credentials.NewStaticV4(accessKey, secretKey, "")
	} else {
		// Anonymous access for public buckets
		opts.Creds = credentials.NewStaticV4("", "", "")
	}
	if region := extractRegion(endpoint); region != "" {
		opts.Region = region
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", endpoint, err)
	}

	b.logger.Debug("S3 client created", "endpoint", endpoint, "region", opts.Region)
	b.clients[endpoint] = client
	return client, nil
}

func (b *s3Backend) resolveCredentials(endpoint string) (accessKey, secretKey string) {
	if b.creds != nil {
		if user, pass, ok := b.creds.Credentials(endpoint); ok {
			return user, pass
		}
	}
	return os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
}

var s3RegionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`s3\.([a-z]{2}-[a-z]+-\d+)\.amazonaws\.com`),
	regexp.MustCompile(`s3-([a-z]{2}-[a-z]+-\d+)\.amazonaws\.com`),
}

// extractRegion pulls the AWS region out of amazonaws.com endpoints. Other
// endpoints get the SDK default.
func extractRegion(endpoint string) string {
	for _, re := range s3RegionPatterns {
		if matches := re.FindStringSubmatch(endpoint); len(matches) > 1 {
			return matches[1]
		}
	}
	return ""
}
