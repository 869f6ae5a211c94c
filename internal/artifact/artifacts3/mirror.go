package artifacts3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	transport "github.com/aws/smithy-go/endpoints"

	"github.com/k11v/pony/internal/artifact"
)

var _ artifact.Mirror = (*Mirror)(nil)

// Mirror copies accepted artifact uploads to an S3-compatible bucket under
// artifacts/<result key>/<filename>. Mirrored objects are never swept.
type Mirror struct {
	client *s3.Client
	bucket string

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int64
}

// NewMirror creates a Mirror using the provided connection string and bucket.
// The connection string must be a valid URL in the format: http://key:secret@s3:9000.
// For MinIO, the key and secret are the username and password respectively.
// It panics if the connection string is not a valid URL.
func NewMirror(connectionString, bucket string) *Mirror {
	return &Mirror{
		client:         newClient(connectionString),
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

func (m *Mirror) Upload(ctx context.Context, key int64, filename string, content io.Reader) error {
	uploader := manager.NewUploader(m.client, func(u *manager.Uploader) {
		u.PartSize = m.uploadPartSize
	})

	objectKey := path.Join("artifacts", strconv.FormatInt(key, 10), filename)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &objectKey,
		Body:   content,
	})
	if err != nil {
		return fmt.Errorf("artifacts3.Mirror: %w", err)
	}

	err = s3.NewObjectExistsWaiter(m.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &m.bucket,
		Key:    &objectKey,
	}, time.Minute)
	if err != nil {
		return fmt.Errorf("artifacts3.Mirror: %w", err)
	}

	return nil
}

func newClient(connectionString string) *s3.Client {
	u, err := url.Parse(connectionString)
	if err != nil {
		panic(err)
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	return s3.New(
		s3.Options{
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
}

// endpointResolver implements s3.EndpointResolverV2.
// It resolves endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	u.Path += "/" + *params.Bucket
	return transport.Endpoint{URI: u}, nil
}
