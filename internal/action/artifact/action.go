// Package artifact publishes step outputs to S3.
package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gabriel-vasile/mimetype"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// DefaultContentType is used when content detection fails.
const DefaultContentType = "application/octet-stream"

// Uploader is the slice of the S3 API the action uses. It allows
// mocking in tests.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// IdentityClient is the slice of the STS API used by the
// verify_identity preflight.
type IdentityClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Config holds settings for the artifact action.
type Config struct {
	// Client overrides the S3 client. When nil, one is built from the
	// default AWS credential chain on first use.
	Client Uploader

	// Identity overrides the STS client.
	Identity IdentityClient
}

// Action uploads a file or directory to an S3 bucket.
type Action struct {
	config *Config
}

// New creates an artifact action.
func New(config *Config) (*Action, error) {
	if config == nil {
		config = &Config{}
	}
	return &Action{config: config}, nil
}

// Name returns the action identifier.
func (a *Action) Name() string {
	return "artifact"
}

// Execute uploads path to bucket under prefix. Directories are walked
// and uploaded preserving relative keys.
func (a *Action) Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	localPath, ok := inv.Inputs["path"].(string)
	if !ok || localPath == "" {
		return nil, &errors.ValidationError{
			Field:      "path",
			Message:    "path must be a non-empty string",
			Suggestion: "Point path at the file or directory to upload",
		}
	}
	bucket, ok := inv.Inputs["bucket"].(string)
	if !ok || bucket == "" {
		return nil, &errors.ValidationError{
			Field:      "bucket",
			Message:    "bucket must be a non-empty string",
			Suggestion: "Provide the destination S3 bucket name",
		}
	}

	prefix, _ := inv.Inputs["prefix"].(string)
	prefix = strings.Trim(prefix, "/")
	region, _ := inv.Inputs["region"].(string)
	contentType, _ := inv.Inputs["content_type"].(string)
	verify, _ := inv.Inputs["verify_identity"].(bool)

	if !filepath.IsAbs(localPath) && inv.WorkingDir != "" {
		localPath = filepath.Join(inv.WorkingDir, localPath)
	}

	uploader, identity, err := a.clients(ctx, region)
	if err != nil {
		return nil, err
	}

	if verify {
		out, err := identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to verify AWS identity: %w", err)
		}
		fmt.Fprintf(logWriter(inv), "uploading as %s\n", aws.ToString(out.Arn))
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", localPath, err)
	}

	uploaded := 0
	var total int64

	upload := func(file string, key string) error {
		size, err := a.putFile(ctx, uploader, bucket, key, file, contentType)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		fmt.Fprintf(logWriter(inv), "uploaded s3://%s/%s (%d bytes)\n", bucket, key, size)
		uploaded++
		total += size
		return nil
	}

	if info.IsDir() {
		err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(localPath, p)
			if err != nil {
				return err
			}
			return upload(p, path.Join(prefix, filepath.ToSlash(rel)))
		})
	} else {
		err = upload(localPath, path.Join(prefix, filepath.Base(localPath)))
	}
	if err != nil {
		return nil, err
	}

	location := "s3://" + bucket
	if prefix != "" {
		location += "/" + prefix
	}
	return &job.ActionResult{
		Outputs: map[string]interface{}{
			"uploaded": uploaded,
			"bytes":    int(total),
			"location": location,
		},
	}, nil
}

// putFile uploads one file and returns its size.
func (a *Action) putFile(ctx context.Context, uploader Uploader, bucket, key, file, contentType string) (int64, error) {
	if contentType == "" {
		contentType = detectContentType(file)
	}

	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	_, err = uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// clients returns the configured S3 and STS clients, building them
// from the default credential chain when not injected.
func (a *Action) clients(ctx context.Context, region string) (Uploader, IdentityClient, error) {
	if a.config.Client != nil {
		identity := a.config.Identity
		if identity == nil {
			identity = unavailableIdentity{}
		}
		return a.config.Client, identity, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), sts.NewFromConfig(cfg), nil
}

// detectContentType sniffs the file, falling back to the default when
// detection fails.
func detectContentType(file string) string {
	mt, err := mimetype.DetectFile(file)
	if err != nil {
		return DefaultContentType
	}
	return mt.String()
}

type unavailableIdentity struct{}

func (unavailableIdentity) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return nil, fmt.Errorf("sts client not configured")
}

func logWriter(inv *job.Invocation) io.Writer {
	if inv.Log != nil {
		return inv.Log
	}
	return io.Discard
}
