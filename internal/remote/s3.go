package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"wsync/internal/config"
	"wsync/internal/vcs"
)

// S3Remote stores objects in an S3 bucket (or any S3-compatible service) under an
// optional key prefix.
type S3Remote struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Remote builds a client from the remote config. Static credentials are used
// when both key fields are set; otherwise the default AWS credential chain applies.
// A custom endpoint switches to path-style addressing for S3-compatible services.
func NewS3Remote(ctx context.Context, cfg config.RemoteConfig) (*S3Remote, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 remote requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.S3Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Remote{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (r *S3Remote) Name() string { return r.name }

func (r *S3Remote) key(k string) string { return r.prefix + k }

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (r *S3Remote) exists(ctx context.Context, op, key string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, vcs.NewTransportError(op, err)
}

func (r *S3Remote) get(ctx context.Context, op, key string) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(key)),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("remote %s %s: %w", r.name, key, vcs.ErrNotFound)
	}
	if err != nil {
		return nil, vcs.NewTransportError(op, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, vcs.NewTransportError(op, err)
	}
	return data, nil
}

func (r *S3Remote) put(ctx context.Context, op, key string, data []byte) error {
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return vcs.NewTransportError(op, err)
	}
	return nil
}

func (r *S3Remote) HasBlob(ctx context.Context, hash string) (bool, error) {
	return r.exists(ctx, "has blob", blobKey(hash))
}

// PutBlob uploads content unless the object already exists.
func (r *S3Remote) PutBlob(ctx context.Context, hash string, content []byte) error {
	ok, err := r.exists(ctx, "put blob", blobKey(hash))
	if err != nil || ok {
		return err
	}
	return r.put(ctx, "put blob", blobKey(hash), content)
}

func (r *S3Remote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	return r.get(ctx, "get blob", blobKey(hash))
}

func (r *S3Remote) HasSnapshot(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, "has snapshot", snapshotKey(id))
}

func (r *S3Remote) PutSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	data, err := vcs.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return r.put(ctx, "put snapshot", snapshotKey(snap.ID), data)
}

func (r *S3Remote) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	data, err := r.get(ctx, "get snapshot", snapshotKey(id))
	if err != nil {
		return nil, err
	}
	return vcs.DecodeSnapshot(data)
}

func (r *S3Remote) GetBranch(ctx context.Context, name string) (string, error) {
	data, err := r.get(ctx, "get branch", branchKey(name))
	if errors.Is(err, vcs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return parseBranchPointer(name, data)
}

func (r *S3Remote) SetBranch(ctx context.Context, name, snapshotID string) error {
	return r.put(ctx, "set branch", branchKey(name), []byte(snapshotID+"\n"))
}

func (r *S3Remote) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.key(branchesPrefix)),
	})

	var out []vcs.Branch
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, vcs.NewTransportError("list branches", err)
		}
		for _, obj := range page.Contents {
			name, ok := branchFromKey(strings.TrimPrefix(aws.ToString(obj.Key), r.prefix))
			if !ok {
				continue
			}
			id, err := r.GetBranch(ctx, name)
			if err != nil {
				return nil, err
			}
			if id != "" {
				out = append(out, vcs.Branch{Name: name, SnapshotID: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateSetup checks that the bucket is reachable with the configured credentials.
func (r *S3Remote) ValidateSetup(ctx context.Context) error {
	if _, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", r.bucket, err)
	}
	return nil
}

// Compile-time check that S3Remote implements vcs.Remote interface
var _ vcs.Remote = (*S3Remote)(nil)
