package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
)

const defaultS3Region = "us-east-1"

// S3Config holds uploader parameters.
type S3Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// S3Uploader copies snapshots to a bucket with `aws s3 cp`.
type S3Uploader struct {
	bucket   string
	prefix   string
	endpoint string
	region   string
	env      []string
}

// NewS3Uploader validates cfg and checks that the aws binary is available.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	u, err := newS3Uploader(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	return u, nil
}

func newS3Uploader(cfg S3Config) (*S3Uploader, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultS3Region
	}

	env := []string{
		"AWS_ACCESS_KEY_ID=" + accessKey,
		"AWS_SECRET_ACCESS_KEY=" + secretKey,
		"AWS_DEFAULT_REGION=" + region,
	}
	if token := strings.TrimSpace(cfg.SessionToken); token != "" {
		env = append(env, "AWS_SESSION_TOKEN="+token)
	}
	return &S3Uploader{
		bucket:   bucket,
		prefix:   prefix,
		endpoint: normalizeEndpoint(cfg.Endpoint, cfg.UseSSL),
		region:   region,
		env:      env,
	}, nil
}

// Destination returns the object URL a local file is copied to.
func (u *S3Uploader) Destination(localPath string) string {
	return "s3://" + path.Join(u.bucket, u.prefix, path.Base(localPath))
}

// UploadFile copies localPath under the configured prefix.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	out, err := u.command(ctx, localPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w: %s", path.Base(localPath), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (u *S3Uploader) command(ctx context.Context, localPath string) *exec.Cmd {
	args := []string{"s3", "cp", localPath, u.Destination(localPath),
		"--region", u.region, "--only-show-errors"}
	if u.endpoint != "" {
		args = append(args, "--endpoint-url", u.endpoint)
	}
	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(), u.env...)
	return cmd
}

// normalizeEndpoint adds a scheme to a bare host[:port] endpoint.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func parseS3BucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	switch {
	case u.Scheme != "s3":
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	case u.Host == "":
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}
