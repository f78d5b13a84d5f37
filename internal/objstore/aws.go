package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type awsBackend struct {
	client   *s3.Client
	uploader *transfermanager.Client
}

func newAWSBackend(cfg Config) (*awsBackend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint, secure := hostPort(cfg)
			scheme := "http"
			if secure {
				scheme = "https"
			}
			o.BaseEndpoint = aws.String(scheme + "://" + endpoint)
		}
		o.UsePathStyle = true
	})

	uploader := transfermanager.New(client, func(o *transfermanager.Options) {
		o.PartSizeBytes = int64(cfg.PartSize)
	})

	return &awsBackend{client: client, uploader: uploader}, nil
}

func awsStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func awsError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return kindError(ErrNotFound, err)
		case "NoSuchBucket":
			return kindError(ErrBucketNotFound, err)
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return kindError(ErrBucketExists, err)
		}
	}
	if status, ok := awsStatusCode(err); ok && status == http.StatusNotFound {
		return kindError(ErrNotFound, err)
	}
	return err
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func (a *awsBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		mapped := awsError(err)
		if errors.Is(mapped, ErrNotFound) || errors.Is(mapped, ErrBucketNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

func (a *awsBackend) MakeBucket(ctx context.Context, bucket string, region string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 is the implicit location and must not be sent as a constraint.
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	_, err := a.client.CreateBucket(ctx, input)
	return awsError(err)
}

func (a *awsBackend) PutFile(ctx context.Context, bucket string, key string, path string, opts PutOptions) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	out, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   contentTypeOrNil(opts.ContentType),
		Metadata:      opts.UserMetadata,
	})
	if err != nil {
		return "", awsError(err)
	}
	return trimETag(out.ETag), nil
}

func (a *awsBackend) PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, opts PutOptions) (string, error) {
	if size >= 0 {
		out, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(size),
			ContentType:   contentTypeOrNil(opts.ContentType),
			Metadata:      opts.UserMetadata,
		})
		if err != nil {
			return "", awsError(err)
		}
		return trimETag(out.ETag), nil
	}

	out, err := a.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: contentTypeOrNil(opts.ContentType),
		Metadata:    opts.UserMetadata,
	})
	if err != nil {
		return "", awsError(err)
	}
	return trimETag(out.ETag), nil
}

func (a *awsBackend) GetFile(ctx context.Context, bucket string, key string, dest string) (err error) {
	obj, err := a.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer obj.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			removePartial(dest)
		}
	}()

	_, err = io.Copy(f, obj)
	return err
}

func (a *awsBackend) GetObject(ctx context.Context, bucket string, key string) (*Object, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, awsError(err)
	}

	return &Object{
		Body:        out.Body,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        trimETag(out.ETag),
	}, nil
}

func (a *awsBackend) StatObject(ctx context.Context, bucket string, key string) (ObjectStat, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectStat{}, awsError(err)
	}

	return ObjectStat{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         trimETag(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func (a *awsBackend) ListObjects(ctx context.Context, bucket string, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, awsError(err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Name:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         trimETag(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (a *awsBackend) RemoveObject(ctx context.Context, bucket string, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return awsError(err)
}

func contentTypeOrNil(contentType string) *string {
	if contentType == "" {
		return nil
	}
	return aws.String(contentType)
}
