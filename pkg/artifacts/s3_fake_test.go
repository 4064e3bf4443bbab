package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var errTransient = errors.New("connection reset by peer")

// fakeS3 is an in-memory S3API. Listing pages hold pageSize entries so the
// paginator is exercised.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]map[string]fakeObject
	failures map[string][]error // method -> errors returned by the next calls
	breaks   map[string]int     // object key -> bytes served before the body fails
	calls    map[string]int
	created  []*s3.CreateBucketInput
	pageSize int
}

type fakeObject struct {
	data     []byte
	modified time.Time
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets:  make(map[string]map[string]fakeObject),
		failures: make(map[string][]error),
		breaks:   make(map[string]int),
		calls:    make(map[string]int),
		pageSize: 2,
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string]fakeObject)
	}
	return f
}

// failNext makes the next len(errs) calls of method fail in order.
func (f *fakeS3) failNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// breakBody makes the next GetObject of key fail after n bytes.
func (f *fakeS3) breakBody(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks[key] = n
}

func (f *fakeS3) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeS3) object(bucket, key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	return o, ok
}

func (f *fakeS3) remove(bucket, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets[bucket], key)
}

// enter records a call and pops an injected failure. Callers hold f.mu.
func (f *fakeS3) enter(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadBucket"); err != nil {
		return nil, err
	}
	if _, ok := f.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateBucket"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	f.buckets[name] = make(map[string]fakeObject)
	f.created = append(f.created, in)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	b, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &types.NotFound{}
	}
	o, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		LastModified:  aws.Time(o.modified),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	b, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	key := aws.ToString(in.Key)
	o, ok := b[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	var body io.Reader = bytes.NewReader(append([]byte(nil), o.data...))
	if n, broken := f.breaks[key]; broken {
		delete(f.breaks, key)
		body = io.MultiReader(io.LimitReader(body, int64(n)), errReader{errTransient})
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(body),
		ContentLength: aws.Int64(int64(len(o.data))),
		LastModified:  aws.Time(o.modified),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	b, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d does not match body of %d bytes", *in.ContentLength, len(data))
	}
	b[aws.ToString(in.Key)] = fakeObject{data: data, modified: time.Now().UTC()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	if b, ok := f.buckets[aws.ToString(in.Bucket)]; ok {
		delete(b, aws.ToString(in.Key))
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}
	b, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}

	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	type entry struct {
		name     string
		isPrefix bool
	}
	seen := map[string]bool{}
	var entries []entry
	for k := range b {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{cp, true})
				}
				continue
			}
		}
		entries = append(entries, entry{k, false})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := start + f.pageSize
	if end > len(entries) {
		end = len(entries)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(entries))}
	for _, e := range entries[start:end] {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(e.name),
			Size: aws.Int64(int64(len(b[e.name].data))),
		})
	}
	if end < len(entries) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}
