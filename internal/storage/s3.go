package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// SourceFetcher resolves remote ingest sources. Supported schemes:
// s3://bucket/key and http(s)://.
type SourceFetcher struct {
	s3client   *s3.Client
	downloader *manager.Downloader
	httpClient *http.Client
}

// NewSourceFetcher builds a fetcher; AWS credentials come from the default
// chain and are only exercised when an s3:// source shows up.
func NewSourceFetcher(ctx context.Context, timeout time.Duration) (*SourceFetcher, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &SourceFetcher{
		s3client:   cli,
		downloader: manager.NewDownloader(cli),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch downloads the source and returns its original file name and bytes.
func (f *SourceFetcher) Fetch(ctx context.Context, rawURL string) (string, []byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "s3://"):
		return f.fetchS3(ctx, rawURL)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return f.fetchHTTP(ctx, rawURL)
	default:
		return "", nil, fmt.Errorf("unsupported source scheme in %q", rawURL)
	}
}

func (f *SourceFetcher) fetchS3(ctx context.Context, rawURL string) (string, []byte, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return "", nil, err
	}

	buf := manager.NewWriteAtBuffer(nil)
	n, err := f.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	name := path.Base(key)
	// Uploaders stamp the original file name into object metadata.
	if head, herr := f.s3client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); herr == nil {
		for k, v := range head.Metadata {
			if strings.EqualFold(k, "name") && v != "" {
				name = v
				break
			}
		}
	}

	log.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("fetched s3 source")
	return name, buf.Bytes(), nil
}

func (f *SourceFetcher) fetchHTTP(ctx context.Context, rawURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	name := ""
	if u, perr := url.Parse(rawURL); perr == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	return name, data, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(rawURL, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 url %q", rawURL)
	}
	return parts[0], parts[1], nil
}
