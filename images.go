package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	maxImageBytes  = 8 << 20
	maxImageSide   = 1024
	maxImagePixels = 40_000_000
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// ObjectStore puts a blob somewhere publicly addressable and returns its URL.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

type S3Store struct {
	client   *s3.Client
	bucket   string
	region   string
	endpoint string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region, endpoint: strings.TrimRight(cfg.Endpoint, "/")}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("max-age=31536000"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key), nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// ImageStore normalises product photos before storing them so the assessor
// always sees a bounded JPEG.
type ImageStore struct {
	store   ObjectStore
	timeout time.Duration
}

func NewImageStore(store ObjectStore, timeout time.Duration) *ImageStore {
	return &ImageStore{store: store, timeout: timeout}
}

// Upload validates, resizes and stores data for userID and returns the
// public URL.
func (i *ImageStore) Upload(ctx context.Context, userID int64, data []byte) (string, error) {
	if i == nil || i.store == nil {
		return "", ErrUploadsDisabled
	}
	if len(data) == 0 || len(data) > maxImageBytes {
		return "", fmt.Errorf("%w: image must be between 1 byte and 8 MiB", ErrUnsupportedUpload)
	}
	if ct := http.DetectContentType(data); !allowedImageTypes[ct] {
		return "", fmt.Errorf("%w: %s is not a jpeg, png or gif", ErrUnsupportedUpload, ct)
	}
	out, err := normalizeImage(data)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("products/%d/%s.jpg", userID, uuid.NewString())
	pctx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	return i.store.Put(pctx, key, "image/jpeg", out)
}

func normalizeImage(data []byte) ([]byte, error) {
	// the byte cap bounds the compressed size only; check the declared
	// dimensions before the full bitmap is allocated
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode image: %v", ErrUnsupportedUpload, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d image exceeds %d pixels", ErrUnsupportedUpload, cfg.Width, cfg.Height, maxImagePixels)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode image: %v", ErrUnsupportedUpload, err)
	}
	b := img.Bounds()
	if b.Dx() > maxImageSide || b.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
