package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

// S3Opts configures NewS3Hook.
type S3Opts struct {
	Bucket string
	Prefix string
	Region string
}

// NewS3Hook builds a slicedio.Hook that pushes finished slices to, and
// fetches missing slices from, an S3 bucket instead of running a shell
// command — used when a `-E`/`-F` hook argument is an "s3://bucket/prefix"
// URL rather than a `%`-substituted command (§6, §4.A).
func NewS3Hook(opts S3Opts) (slicedio.Hook, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	var cfg aws.Config
	var err error
	if accessKey == "" || secretKey == "" {
		cfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(opts.Region))
	} else {
		creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		cfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(opts.Region), config.WithCredentialsProvider(creds))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", common.ErrFormat, err)
	}
	client := s3.NewFromConfig(cfg)

	return func(filename, ctx string) error {
		key := opts.Prefix + "/" + filepath.Base(filename)
		if _, statErr := os.Stat(filename); statErr == nil {
			return s3Upload(client, opts.Bucket, key, filename)
		}
		return s3Download(client, opts.Bucket, key, filename)
	}, nil
}

func s3Upload(client *s3.Client, bucket, key, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("%w: open %s for upload: %v", common.ErrSlice, filename, err)
	}
	defer f.Close()

	_, err = client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s to s3://%s/%s: %v", common.ErrSlice, filename, bucket, key, err)
	}
	return nil
}

func s3Download(client *s3.Client, bucket, key, filename string) error {
	resp, err := client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: fetch s3://%s/%s: %v", common.ErrSlice, bucket, key, err)
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrSlice, filename, err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: write %s: %v", common.ErrSlice, filename, werr)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: read s3 body for %s: %v", common.ErrSlice, filename, readErr)
		}
	}
}
