package digitalocean

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Key       string
	Secret    string
	PathStyle bool
}

// Spaces uploads files to a DigitalOcean Spaces (S3 compatible) bucket.
type Spaces struct {
	bucket string
	client *s3.S3
}

func NewSpaces(cfg Config) (*Spaces, error) {
	region := cfg.Region
	if region == "" {
		region = "fra1"
	}
	s3Config := &aws.Config{
		Credentials:      credentials.NewStaticCredentials(cfg.Key, cfg.Secret, ""),
		Endpoint:         aws.String(cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
		Region:           aws.String(region),
	}
	newSession, err := session.NewSession(s3Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create spaces session")
	}
	return &Spaces{bucket: cfg.Bucket, client: s3.New(newSession)}, nil
}

func (s *Spaces) Upload(ctx context.Context, localPath, key string, tags map[string]*string) error {
	open, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", localPath)
	}
	defer open.Close()

	object := s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     open,
		ACL:      aws.String("private"),
		Metadata: tags,
	}
	if _, err := s.client.PutObjectWithContext(ctx, &object); err != nil {
		return errors.Wrapf(err, "failed to upload %s", key)
	}
	return nil
}

// UploadDir uploads every regular file of dir under prefix.
func (s *Spaces) UploadDir(ctx context.Context, dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", dir)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		key := prefix + "/" + entry.Name()
		tags := map[string]*string{"source": aws.String("discord-bridge")}
		if err := s.Upload(ctx, filepath.Join(dir, entry.Name()), key, tags); err != nil {
			return err
		}
	}
	return nil
}
