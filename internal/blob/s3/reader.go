package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Reader lists and decodes archived candle documents.
type Reader struct {
	client *s3.Client
	bucket string
}

func NewReader(c *Client) *Reader {
	return &Reader{client: c.S3(), bucket: c.Bucket()}
}

// List returns the JSON documents under prefix, following pagination.
// Folder placeholder keys and foreign objects are skipped.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo

	pages := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if info, ok := archiveInfo(obj); ok {
				out = append(out, info)
			}
		}
	}
	return out, nil
}

// ReadArchive fetches and decodes the document at path. A missing object
// yields domain.ErrNotFound.
func (r *Reader) ReadArchive(ctx context.Context, path string) (domain.CandleArchive, error) {
	obj, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.CandleArchive{}, fmt.Errorf("s3blob: read %s: %w", path, domain.ErrNotFound)
		}
		return domain.CandleArchive{}, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	defer obj.Body.Close()

	var doc domain.CandleArchive
	if err := json.NewDecoder(obj.Body).Decode(&doc); err != nil {
		return domain.CandleArchive{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return doc, nil
}

func archiveInfo(obj types.Object) (domain.BlobInfo, bool) {
	key := aws.ToString(obj.Key)
	if !strings.HasSuffix(key, ".json") {
		return domain.BlobInfo{}, false
	}
	info := domain.BlobInfo{Path: key, Size: aws.ToInt64(obj.Size)}
	if obj.LastModified != nil {
		info.LastModified = obj.LastModified.UTC()
	}
	return info, true
}

// isNotFound matches NoSuchKey, the bare 404 HeadBucket returns, and plain
// 404 responses from S3-compatible stores.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nb) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

// Compile-time interface check.
var _ domain.ArchiveStore = (*Reader)(nil)
