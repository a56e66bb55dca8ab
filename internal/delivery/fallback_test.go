package delivery

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "logshipper/pkg/logx"
)

func TestOpenChannelRefusesShipperChannel(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"shipper", " Shipper "} {
		_, err := OpenChannel(context.Background(), name, ChannelConfig{Driver: "stderr"}, logx.Nop())
		assert.ErrorIs(t, err, ErrReservedChannel, name)
	}
}

func TestOpenChannelDrivers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		driver  string
		wantErr bool
	}{
		{driver: "", wantErr: false},
		{driver: "log", wantErr: false},
		{driver: "stderr", wantErr: false},
		{driver: "discard", wantErr: false},
		{driver: "file", wantErr: true},
		{driver: "s3", wantErr: true},
		{driver: "syslog", wantErr: true},
	}
	for _, tc := range cases {
		sink, err := OpenChannel(ctx, "emergency", ChannelConfig{Driver: tc.driver}, logx.Nop())
		if tc.wantErr {
			assert.Error(t, err, tc.driver)
			continue
		}
		require.NoError(t, err, tc.driver)
		assert.NotNil(t, sink)
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "fallback.log")
	sink, err := OpenChannel(context.Background(), "emergency", ChannelConfig{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.(io.Closer).Close() })

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 2; i++ {
		require.NoError(t, sink.Write(context.Background(), Record{Level: "error", Message: "down", Context: map[string]any{"n": i}, Time: ts}))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "down", rec.Message)
	assert.EqualValues(t, 1, rec.Context["n"])
	assert.True(t, ts.Equal(rec.Time))
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkWritesGzippedObject(t *testing.T) {
	t.Parallel()

	put := &fakePutter{}
	sink := &s3Sink{client: put, bucket: "archive", prefix: "failed"}
	ts := time.Date(2026, 7, 9, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(context.Background(), Record{Level: "critical", Message: "lost", Time: ts}))

	require.NotNil(t, put.in)
	assert.Equal(t, "archive", aws.ToString(put.in.Bucket))
	key := aws.ToString(put.in.Key)
	assert.True(t, strings.HasPrefix(key, "failed/2026/07/09/"), key)
	assert.True(t, strings.HasSuffix(key, ".json.gz"), key)
	assert.Equal(t, "gzip", aws.ToString(put.in.ContentEncoding))

	zr, err := gzip.NewReader(strings.NewReader(string(put.body)))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "lost", rec.Message)
	assert.Equal(t, "critical", rec.Level)
}
