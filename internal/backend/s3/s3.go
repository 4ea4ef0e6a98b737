// Package s3 implements the gateway over an S3 bucket. Objects are
// addressed by key; directories follow the prefix convention (a
// zero-byte marker object whose key ends in "/"). Large uploads map
// onto the native multipart protocol: UploadPart is the chunk call and
// CompleteMultipartUpload the finalize.
//
// S3 has no server-side recursive copy and no atomic rename, so this
// backend does not declare CopyDirectory or RenameDirectory; callers
// that consult the capability set skip those operations here.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/fsid"
	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
	"github.com/unidrive/unidrive-go/internal/session"
	"github.com/unidrive/unidrive-go/internal/transfer"
)

// Schema is the registry schema for this backend.
const Schema = "s3"

// ServiceURI identifies the service endpoint family.
const ServiceURI = "s3://"

// Capabilities returns the declared operation set. Directory copy and
// rename are absent: S3 offers no server-side equivalent, and
// emulating them object-by-object is not this backend's contract.
func Capabilities() gateway.Capabilities {
	return gateway.AllCapabilities.Without(gateway.CapCopyDirectory, gateway.CapRenameDirectory)
}

// Client is the slice of the S3 API this backend uses. *awss3.Client
// satisfies it; tests supply an in-memory fake.
type Client interface {
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *awss3.CopyObjectInput, opts ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *awss3.CreateMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *awss3.UploadPartInput, opts ...func(*awss3.Options)) (*awss3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *awss3.CompleteMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *awss3.AbortMultipartUploadInput, opts ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
}

// Options tunes one Gateway instance.
type Options struct {
	ChunkSize int64
	Threshold int64
	Logger    *slog.Logger

	// NewClient builds the S3 client for one root. The default reads
	// region/endpoint/credential params and uses the AWS default
	// credential chain as fallback.
	NewClient func(ctx context.Context, root gateway.RootName, params gateway.Params) (Client, error)
}

// Gateway is the S3 backend.
type Gateway struct {
	opts     Options
	logger   *slog.Logger
	engine   *transfer.Engine
	sessions *session.Cache[*bucket]
}

// bucket is one authenticated root: a client bound to a bucket name.
type bucket struct {
	client Client
	name   string
}

// New creates a Gateway sharing the given retry policy.
func New(policy *retry.Policy, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.NewClient == nil {
		opts.NewClient = defaultClient
	}

	g := &Gateway{
		opts:   opts,
		logger: opts.Logger.With(slog.String("backend", Schema)),
		engine: transfer.NewEngine(policy, opts.Logger),
	}

	g.sessions = session.NewCache(g.authenticate, nil, opts.Logger)

	return g
}

// defaultClient builds a real S3 client. Static credentials come from
// the access_key/secret_key params; otherwise the default chain
// (environment, shared config, instance role) applies.
func defaultClient(ctx context.Context, _ gateway.RootName, params gateway.Params) (Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}

	if region := params.Get("region"); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	if access := params.Get("access_key"); access != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, params.Get("secret_key"), ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: loading aws config: %w", Schema, err)
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if endpoint := params.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// authHint packs the params a first-touch call carried, so the
// single-flight auth closure can reconstruct them.
func authHint(params gateway.Params) string {
	parts := make([]string, 0, len(params))
	for _, k := range []string{"bucket", "region", "endpoint", "access_key", "secret_key"} {
		if v := params.Get(k); v != "" {
			parts = append(parts, k+"="+v)
		}
	}

	return strings.Join(parts, "\n")
}

func parseHint(hint string) gateway.Params {
	params := gateway.Params{}

	for _, line := range strings.Split(hint, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			params[k] = v
		}
	}

	return params
}

func (g *Gateway) authenticate(ctx context.Context, root gateway.RootName, hint string) (*bucket, error) {
	params := parseHint(hint)

	name := params.Get("bucket")
	if name == "" {
		name = root.Account
	}

	if name == "" {
		return nil, fmt.Errorf("%s: no bucket configured: %w", Schema, gateway.ErrAuthentication)
	}

	client, err := g.opts.NewClient(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(name)}); err != nil {
		return nil, fmt.Errorf("%s: bucket %s inaccessible: %w: %w", Schema, name, gateway.ErrAuthentication, err)
	}

	g.logger.Debug("bucket opened", slog.String("root", root.String()), slog.String("bucket", name))

	return &bucket{client: client, name: name}, nil
}

func (g *Gateway) require(ctx context.Context, root gateway.RootName, params gateway.Params) (*bucket, error) {
	return g.sessions.Require(ctx, root, authHint(params))
}

// classify maps an S3 API failure onto the shared error taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	sentinel := gateway.ErrPermanent

	var nsk *types.NoSuchKey
	var nf *types.NotFound

	var apiErr smithy.APIError

	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		sentinel = gateway.ErrNotFound
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			sentinel = gateway.ErrNotFound
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "ThrottlingException":
			sentinel = gateway.ErrTransient
		}
	}

	return &gateway.BackendError{
		Schema:  Schema,
		Op:      op,
		Message: fmt.Sprintf("%s: %v", key, err),
		Err:     sentinel,
	}
}

// Key layout: the root directory is "/"; every other directory key is
// an object prefix ending in "/"; file keys are plain object keys.

func objectPrefix(dir fsid.ID) string {
	if dir.Key() == "/" {
		return ""
	}

	return dir.Key()
}

func childKey(parent fsid.ID, name string) string {
	return objectPrefix(parent) + name
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%s: invalid item name %q: %w", Schema, name, gateway.ErrFormat)
	}

	return nil
}

func baseName(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}

// TryAuthenticate verifies bucket access for root.
func (g *Gateway) TryAuthenticate(ctx context.Context, root gateway.RootName, params gateway.Params) error {
	_, err := g.require(ctx, root, params)
	return err
}

// GetDrive sums object sizes; S3 reports no quota, so free space is
// unknown and normalizes to zero.
func (g *Gateway) GetDrive(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DriveInfo, error) {
	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	var used int64
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.name),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("GetDrive", b.name, err)
		}

		for _, obj := range out.Contents {
			used += aws.ToInt64(obj.Size)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}

		token = out.NextContinuationToken
	}

	u, f := contract.Quota{Used: &used}.Normalize()

	return &contract.DriveInfo{
		ID:        fsid.NewDirectory("/"),
		UsedSpace: u,
		FreeSpace: f,
	}, nil
}

// GetRoot returns the bucket root as a directory.
func (g *Gateway) GetRoot(ctx context.Context, root gateway.RootName, params gateway.Params) (*contract.DirectoryInfo, error) {
	if _, err := g.require(ctx, root, params); err != nil {
		return nil, err
	}

	return &contract.DirectoryInfo{
		ID:       fsid.NewDirectory("/"),
		Name:     "/",
		Created:  contract.EpochSentinel,
		Modified: contract.EpochSentinel,
	}, nil
}

// statDirectory checks that a non-root directory marker exists.
func (g *Gateway) statDirectory(ctx context.Context, b *bucket, op string, dir fsid.ID) error {
	if dir.Key() == "/" {
		return nil
	}

	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(dir.Key()),
	})
	if err != nil {
		return classify(op, dir.Key(), err)
	}

	return nil
}

// GetChildItems lists a directory's direct children using delimiter
// listing: common prefixes become directories, objects become files.
func (g *Gateway) GetChildItems(ctx context.Context, root gateway.RootName, parent fsid.ID, params gateway.Params) ([]contract.Item, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if err := g.statDirectory(ctx, b, "GetChildItems", parent); err != nil {
		return nil, err
	}

	prefix := objectPrefix(parent)

	var items []contract.Item
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.name),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("GetChildItems", parent.Key(), err)
		}

		for _, cp := range out.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			items = append(items, &contract.DirectoryInfo{
				ID:       fsid.NewDirectory(key),
				Name:     baseName(key),
				Created:  contract.EpochSentinel,
				Modified: contract.EpochSentinel,
			})
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // the directory's own marker
			}

			info := &contract.FileInfo{
				ID:       fsid.NewFile(key),
				Name:     baseName(key),
				Created:  contract.EpochSentinel,
				Modified: contract.EpochSentinel,
				Size:     aws.ToInt64(obj.Size),
			}

			if obj.LastModified != nil {
				info.Modified = obj.LastModified.UTC()
			}

			if etag := aws.ToString(obj.ETag); etag != "" {
				info.ContentHash = strings.Trim(etag, `"`)
			}

			items = append(items, info)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}

		token = out.NextContinuationToken
	}

	slices.SortFunc(items, func(a, b contract.Item) int {
		return strings.Compare(a.ItemName(), b.ItemName())
	})

	return items, nil
}

// statFile builds a file contract from a HeadObject response.
func (g *Gateway) statFile(ctx context.Context, b *bucket, op string, key string) (*contract.FileInfo, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(op, key, err)
	}

	info := &contract.FileInfo{
		ID:       fsid.NewFile(key),
		Name:     baseName(key),
		Created:  contract.EpochSentinel,
		Modified: contract.EpochSentinel,
		Size:     aws.ToInt64(out.ContentLength),
	}

	if out.LastModified != nil {
		info.Modified = out.LastModified.UTC()
	}

	if etag := aws.ToString(out.ETag); etag != "" {
		info.ContentHash = strings.Trim(etag, `"`)
	}

	return info, nil
}

// ClearContent truncates a file to zero length.
func (g *Gateway) ClearContent(ctx context.Context, root gateway.RootName, target fsid.ID, params gateway.Params) error {
	if err := target.Expect(fsid.KindFile); err != nil {
		return err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	if _, err := g.statFile(ctx, b, "ClearContent", target.Key()); err != nil {
		return err
	}

	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(target.Key()),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return classify("ClearContent", target.Key(), err)
	}

	return nil
}

// GetContent opens an object's body for reading.
func (g *Gateway) GetContent(ctx context.Context, root gateway.RootName, source fsid.ID, params gateway.Params) (io.ReadCloser, error) {
	if err := source.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(source.Key()),
	})
	if err != nil {
		return nil, classify("GetContent", source.Key(), err)
	}

	return out.Body, nil
}

// SetContent replaces an object's content, using multipart upload
// above the threshold.
func (g *Gateway) SetContent(
	ctx context.Context, root gateway.RootName, target fsid.ID, content io.Reader,
	size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := target.Expect(fsid.KindFile); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := g.statFile(ctx, b, "SetContent", target.Key()); err != nil {
		return nil, err
	}

	return g.writeObject(ctx, b, target.Key(), content, size, progress)
}

func (g *Gateway) writeObject(
	ctx context.Context, b *bucket, key string, content io.Reader,
	size int64, progress contract.ProgressFunc,
) (*contract.FileInfo, error) {
	if size < 0 {
		return nil, fmt.Errorf("%s: negative content size %d: %w", Schema, size, gateway.ErrFormat)
	}

	if size <= g.opts.Threshold {
		data := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(content, data); err != nil {
				return nil, fmt.Errorf("%s: reading content: %w", Schema, err)
			}
		}

		_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return nil, classify("SetContent", key, err)
		}

		if progress != nil && size > 0 {
			progress(contract.Progress{Transferred: size, Total: size})
		}

		return g.statFile(ctx, b, "SetContent", key)
	}

	create, err := b.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("SetContent", key, err)
	}

	sess := &multipartSession{
		gw:       g,
		b:        b,
		key:      key,
		uploadID: aws.ToString(create.UploadId),
	}

	info, err := g.engine.Upload(ctx, sess, content, transfer.UploadSpec{
		TotalLength:  size,
		ChunkSize:    g.opts.ChunkSize,
		ResumeChunks: true, // UploadPart at the same part number replaces it
		Progress:     progress,
	})
	if err != nil {
		sess.abort()
		return nil, err
	}

	return info, nil
}

// multipartSession adapts the native multipart protocol to the chunk
// session interface. Part numbers start at 1.
type multipartSession struct {
	gw       *Gateway
	b        *bucket
	key      string
	uploadID string
	parts    []types.CompletedPart
}

func (s *multipartSession) UploadChunk(ctx context.Context, index int, _ int64, data []byte) error {
	partNumber := int32(index + 1) //nolint:gosec // part counts stay far below MaxInt32

	out, err := s.b.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:     aws.String(s.b.name),
		Key:        aws.String(s.key),
		UploadId:   aws.String(s.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return classify("UploadPart", s.key, err)
	}

	if n := len(s.parts); n > 0 && aws.ToInt32(s.parts[n-1].PartNumber) == partNumber {
		s.parts[n-1].ETag = out.ETag // re-sent part replaces its record
	} else {
		s.parts = append(s.parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	return nil
}

func (s *multipartSession) Finalize(ctx context.Context) (*contract.FileInfo, error) {
	_, err := s.b.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.b.name),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: s.parts,
		},
	})
	if err != nil {
		return nil, classify("CompleteMultipartUpload", s.key, err)
	}

	return s.gw.statFile(ctx, s.b, "SetContent", s.key)
}

func (s *multipartSession) abort() {
	_, _ = s.b.client.AbortMultipartUpload(context.Background(), &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.b.name),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
}

// CopyItem copies a file via server-side CopyObject. Directory copy
// is not in this backend's capability set.
func (g *Gateway) CopyItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, copyName string,
	destination fsid.ID, recurse bool, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(copyName); err != nil {
		return nil, err
	}

	if source.IsDirectory() {
		return nil, fmt.Errorf("%s: no server-side directory copy: %w", Schema, gateway.ErrNotSupported)
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if err := g.statDirectory(ctx, b, "CopyItem", destination); err != nil {
		return nil, err
	}

	dstKey := childKey(destination, copyName)

	if _, err := g.statFile(ctx, b, "CopyItem", dstKey); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, dstKey, gateway.ErrPermanent)
	}

	if err := g.copyObject(ctx, b, source.Key(), dstKey); err != nil {
		return nil, err
	}

	return g.statFile(ctx, b, "CopyItem", dstKey)
}

func (g *Gateway) copyObject(ctx context.Context, b *bucket, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.name),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.name + "/" + srcKey),
	})
	if err != nil {
		return classify("CopyItem", srcKey, err)
	}

	return nil
}

// MoveItem moves a file via copy+delete. Moving a directory rewrites
// every object under its prefix.
func (g *Gateway) MoveItem(
	ctx context.Context, root gateway.RootName, source fsid.ID, moveName string,
	destination fsid.ID, params gateway.Params,
) (contract.Item, error) {
	if err := destination.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(moveName); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if err := g.statDirectory(ctx, b, "MoveItem", destination); err != nil {
		return nil, err
	}

	if source.IsFile() {
		dstKey := childKey(destination, moveName)

		if _, err := g.statFile(ctx, b, "MoveItem", dstKey); err == nil {
			return nil, fmt.Errorf("%s: %s already exists: %w", Schema, dstKey, gateway.ErrPermanent)
		}

		if _, err := g.statFile(ctx, b, "MoveItem", source.Key()); err != nil {
			return nil, err
		}

		if err := g.copyObject(ctx, b, source.Key(), dstKey); err != nil {
			return nil, err
		}

		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(source.Key()),
		}); err != nil {
			return nil, classify("MoveItem", source.Key(), err)
		}

		return g.statFile(ctx, b, "MoveItem", dstKey)
	}

	// Directory move: rewrite the whole prefix.
	srcPrefix := source.Key()
	dstPrefix := childKey(destination, moveName) + "/"

	if strings.HasPrefix(dstPrefix, srcPrefix) {
		return nil, fmt.Errorf("%s: cannot move a directory into its own subtree: %w", Schema, gateway.ErrPermanent)
	}

	if err := g.statDirectory(ctx, b, "MoveItem", source); err != nil {
		return nil, err
	}

	keys, err := g.keysUnder(ctx, b, srcPrefix)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		newKey := dstPrefix + strings.TrimPrefix(key, srcPrefix)

		if err := g.copyObject(ctx, b, key, newKey); err != nil {
			return nil, err
		}
	}

	for _, key := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
		}); err != nil {
			return nil, classify("MoveItem", key, err)
		}
	}

	return &contract.DirectoryInfo{
		ID:       fsid.NewDirectory(dstPrefix),
		Name:     moveName,
		Created:  contract.EpochSentinel,
		Modified: contract.EpochSentinel,
	}, nil
}

// keysUnder lists every object key under a prefix, the prefix marker
// included.
func (g *Gateway) keysUnder(ctx context.Context, b *bucket, prefix string) ([]string, error) {
	var keys []string
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.name),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("ListObjects", prefix, err)
		}

		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}

		token = out.NextContinuationToken
	}

	return keys, nil
}

// NewDirectoryItem writes a zero-byte directory marker.
func (g *Gateway) NewDirectoryItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID,
	name string, params gateway.Params,
) (*contract.DirectoryInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if err := g.statDirectory(ctx, b, "NewDirectoryItem", parent); err != nil {
		return nil, err
	}

	key := childKey(parent, name) + "/"

	if _, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	}); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, key, gateway.ErrPermanent)
	}

	if _, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	}); err != nil {
		return nil, classify("NewDirectoryItem", key, err)
	}

	return &contract.DirectoryInfo{
		ID:       fsid.NewDirectory(key),
		Name:     name,
		Created:  contract.EpochSentinel,
		Modified: contract.EpochSentinel,
	}, nil
}

// NewFileItem creates an object under parent with the given content.
func (g *Gateway) NewFileItem(
	ctx context.Context, root gateway.RootName, parent fsid.ID, name string,
	content io.Reader, size int64, progress contract.ProgressFunc, params gateway.Params,
) (*contract.FileInfo, error) {
	if err := parent.Expect(fsid.KindDirectory); err != nil {
		return nil, err
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if err := g.statDirectory(ctx, b, "NewFileItem", parent); err != nil {
		return nil, err
	}

	key := childKey(parent, name)

	if _, err := g.statFile(ctx, b, "NewFileItem", key); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, key, gateway.ErrPermanent)
	}

	return g.writeObject(ctx, b, key, content, size, progress)
}

// RemoveItem deletes an object, or every object under a directory
// prefix when recurse is set.
func (g *Gateway) RemoveItem(ctx context.Context, root gateway.RootName, target fsid.ID, recurse bool, params gateway.Params) error {
	b, err := g.require(ctx, root, params)
	if err != nil {
		return err
	}

	if target.IsFile() {
		if _, err := g.statFile(ctx, b, "RemoveItem", target.Key()); err != nil {
			return err
		}

		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(target.Key()),
		}); err != nil {
			return classify("RemoveItem", target.Key(), err)
		}

		return nil
	}

	if target.Key() == "/" {
		return fmt.Errorf("%s: cannot remove the bucket root: %w", Schema, gateway.ErrPermanent)
	}

	if err := g.statDirectory(ctx, b, "RemoveItem", target); err != nil {
		return err
	}

	keys, err := g.keysUnder(ctx, b, target.Key())
	if err != nil {
		return err
	}

	if !recurse && len(keys) > 1 {
		return fmt.Errorf("%s: removing a non-empty directory requires recurse: %w", Schema, gateway.ErrNotSupported)
	}

	for _, key := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
		}); err != nil {
			return classify("RemoveItem", key, err)
		}
	}

	return nil
}

// RenameItem renames a file in place via copy+delete. Directory
// rename is not in this backend's capability set.
func (g *Gateway) RenameItem(
	ctx context.Context, root gateway.RootName, target fsid.ID,
	newName string, params gateway.Params,
) (contract.Item, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}

	if target.IsDirectory() {
		return nil, fmt.Errorf("%s: no atomic directory rename: %w", Schema, gateway.ErrNotSupported)
	}

	b, err := g.require(ctx, root, params)
	if err != nil {
		return nil, err
	}

	if _, err := g.statFile(ctx, b, "RenameItem", target.Key()); err != nil {
		return nil, err
	}

	dir := path.Dir(target.Key())

	newKey := newName
	if dir != "." {
		newKey = dir + "/" + newName
	}

	if newKey == target.Key() {
		return g.statFile(ctx, b, "RenameItem", newKey)
	}

	if _, err := g.statFile(ctx, b, "RenameItem", newKey); err == nil {
		return nil, fmt.Errorf("%s: %s already exists: %w", Schema, newKey, gateway.ErrPermanent)
	}

	if err := g.copyObject(ctx, b, target.Key(), newKey); err != nil {
		return nil, err
	}

	if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(target.Key()),
	}); err != nil {
		return nil, classify("RenameItem", target.Key(), err)
	}

	return g.statFile(ctx, b, "RenameItem", newKey)
}

// PurgeSettings evicts cached sessions for one root or all of them.
func (g *Gateway) PurgeSettings(root *gateway.RootName) error {
	return g.sessions.Purge(Schema, root)
}

var _ gateway.Gateway = (*Gateway)(nil)
