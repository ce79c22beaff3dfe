// Package media turns supplier-hosted component images into locally stored
// thumbnails. Per-supplier executors delegate artifact handling here so they
// only have to produce a source URL.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options configures a Pipeline.
type Options struct {
	OutputDir       string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	MaxBytes        int64
	DownloadTimeout time.Duration
	Width           int
	Height          int
}

// Pipeline downloads an image, renders a thumbnail, and uploads it to local
// disk or S3.
type Pipeline struct {
	httpClient *http.Client
	local      uploader
	s3         uploader
	maxBytes   int64
	width      int
	height     int
}

// NewPipeline constructs a pipeline; S3 upload is enabled when a bucket is
// configured, otherwise thumbnails land under OutputDir.
func NewPipeline(ctx context.Context, opts Options) (*Pipeline, error) {
	timeout := opts.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := opts.OutputDir
	if baseDir == "" {
		baseDir = "./media"
	}
	width, height := opts.Width, opts.Height
	if width == 0 && height == 0 {
		width = 320
	}

	var s3Upload uploader
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}

	return &Pipeline{
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		maxBytes:   opts.MaxBytes,
		width:      width,
		height:     height,
	}, nil
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.S3Region),
	}
	if opts.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.S3Endpoint,
					HostnameImmutable: opts.S3PathStyle,
					SigningRegion:     opts.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// Thumbnail fetches the source image, resizes it, and stores the result
// under outputKey. Returns the stored location (file path or S3 URI).
func (p *Pipeline) Thumbnail(ctx context.Context, sourceURL, outputKey string) (string, error) {
	if sourceURL == "" {
		return "", errors.New("source url is required")
	}

	data, contentType, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	img = imaging.Resize(img, p.width, p.height, imaging.Lanczos)

	outputFormat := chooseFormat(outputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := sanitizeKey(outputKey)
	up := p.local
	if p.s3 != nil {
		up = p.s3
	}
	location, err := up.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func (p *Pipeline) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := p.maxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
