package feed

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjectGetter struct {
	objects map[string]string
	calls   []string
}

func (f *fakeObjectGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.calls = append(f.calls, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestParseS3URI(t *testing.T) {
	testCases := []struct {
		in         string
		wantBucket string
		wantKey    string
		wantOK     bool
	}{
		{"s3://feeds/daily/products.csv", "feeds", "daily/products.csv", true},
		{"s3://feeds/", "", "", false},
		{"s3://feeds", "", "", false},
		{"s3:///key", "", "", false},
		{"/tmp/products.csv", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			bucket, key, ok := ParseS3URI(tc.in)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantBucket, bucket)
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestCSVSourceReadsFromS3(t *testing.T) {
	getter := &fakeObjectGetter{objects: map[string]string{
		"feeds/daily/products.csv": "sku,name\nA-1,Widget\n",
	}}
	opener := RoutingOpener{S3: NewS3OpenerWithClient(getter)}
	src, err := NewCSVSource(FormatCSV, "", "", opener)
	require.NoError(t, err)

	s, err := src.Open(context.Background(), "s3://feeds/daily/products.csv")
	require.NoError(t, err)
	defer s.Close()

	rows := drain(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, "Widget", rows[0].Value("name"))
	assert.Equal(t, []string{"feeds/daily/products.csv"}, getter.calls)

	_, err = src.Open(context.Background(), "s3://feeds/missing.csv")
	var accessErr *FileAccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, "s3://feeds/missing.csv", accessErr.Path)
}

func TestRoutingOpenerWithoutS3(t *testing.T) {
	_, err := RoutingOpener{}.Open(context.Background(), "s3://feeds/a.csv")
	var accessErr *FileAccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Contains(t, err.Error(), "not configured")

	path := createTempFile(t, "x", "local_*.csv")
	rc, err := RoutingOpener{}.Open(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, rc.Close())
}
