package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

const (
	tableContentType  = "application/vnd.tabflow.table"
	defaultCOSTimeout = 60 * time.Second
)

// cosClient is the part of the COS SDK the store uses.
type cosClient interface {
	GetBucket(ctx context.Context, prefix, marker string) (*cos.BucketGetResult, error)
	PutObject(ctx context.Context, name string, content io.Reader, contentType string) error
	GetObject(ctx context.Context, name string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, name string) error
}

type sdkClient struct {
	*cos.Client
}

func (c *sdkClient) GetBucket(ctx context.Context, prefix, marker string) (*cos.BucketGetResult, error) {
	res, _, err := c.Client.Bucket.Get(ctx, &cos.BucketGetOptions{Prefix: prefix, Marker: marker})
	return res, err
}

func (c *sdkClient) PutObject(ctx context.Context, name string, content io.Reader, contentType string) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: contentType},
	}
	_, err := c.Client.Object.Put(ctx, name, content, opt)
	return err
}

func (c *sdkClient) GetObject(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.Client.Object.Get(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *sdkClient) DeleteObject(ctx context.Context, name string) error {
	_, err := c.Client.Object.Delete(ctx, name)
	return err
}

// COSOption configures a COSStore.
type COSOption func(*cosOptions)

type cosOptions struct {
	client    cosClient
	timeout   time.Duration
	secretID  string
	secretKey string
}

// WithCOSCredentials sets the secret pair. By default the store reads
// COS_SECRETID and COS_SECRETKEY.
func WithCOSCredentials(secretID, secretKey string) COSOption {
	return func(o *cosOptions) {
		o.secretID = secretID
		o.secretKey = secretKey
	}
}

// WithCOSTimeout sets the HTTP timeout of each request.
func WithCOSTimeout(d time.Duration) COSOption {
	return func(o *cosOptions) {
		o.timeout = d
	}
}

// withCOSClient injects a client, bypassing the SDK.
func withCOSClient(c cosClient) COSOption {
	return func(o *cosOptions) {
		o.client = c
	}
}

// COSStore keeps objects in a Tencent Cloud Object Storage bucket.
type COSStore struct {
	client cosClient
}

// NewCOSStore returns a store for the bucket at bucketURL, for example
// https://bucket-1250000000.cos.ap-guangzhou.myqcloud.com.
func NewCOSStore(bucketURL string, opts ...COSOption) (*COSStore, error) {
	o := &cosOptions{
		timeout:   defaultCOSTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client != nil {
		return &COSStore{client: o.client}, nil
	}

	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	httpClient := &http.Client{
		Timeout: o.timeout,
		Transport: &cos.AuthorizationTransport{
			SecretID:  o.secretID,
			SecretKey: o.secretKey,
		},
	}
	c := cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient)
	return &COSStore{client: &sdkClient{Client: c}}, nil
}

func (s *COSStore) Put(ctx context.Context, key string, r io.Reader) error {
	if err := s.client.PutObject(ctx, key, r, tableContentType); err != nil {
		return fmt.Errorf("cos put %s: %w", key, err)
	}
	return nil
}

func (s *COSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, err := s.client.GetObject(ctx, key)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("cos get %s: %w", key, err)
	}
	return body, nil
}

func (s *COSStore) Delete(ctx context.Context, key string) error {
	if err := s.client.DeleteObject(ctx, key); err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("cos delete %s: %w", key, err)
	}
	return nil
}

func (s *COSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	marker := ""
	for {
		res, err := s.client.GetBucket(ctx, prefix, marker)
		if err != nil {
			return nil, fmt.Errorf("cos list %s: %w", prefix, err)
		}
		for _, obj := range res.Contents {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.NextMarker == "" {
			break
		}
		marker = res.NextMarker
	}
	sort.Strings(keys)
	return keys, nil
}
