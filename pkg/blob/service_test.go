package blob

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, maxSize int64) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Dir:       t.TempDir(),
		PublicURL: "http://blob.test",
		Secret:    []byte("0123456789abcdef"),
		MaxSize:   maxSize,
		GrantTTL:  time.Minute,
		ObjectTTL: time.Hour,
	}, NewMemoryIndex(), zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func tokenOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestGrantRejectsContentType(t *testing.T) {
	svc := newTestService(t, 1024)

	_, err := svc.Grant(context.Background(), "notes.pdf", "application/pdf", "")
	assert.ErrorIs(t, err, ErrUnauthorizedContentType)

	target, err := svc.Grant(context.Background(), "talk.mp3", "audio/mpeg", `{"k":"v"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target.Pathname, "talk-"))
	assert.True(t, strings.HasSuffix(target.Pathname, ".mp3"))
	assert.Equal(t, []string{"audio/*", "video/*"}, target.AllowedContentTypes)
	assert.Equal(t, `{"k":"v"}`, target.ClientPayload)
	assert.Equal(t, target.Token, tokenOf(t, target.UploadURL))
}

func TestGrantSanitizesPathname(t *testing.T) {
	svc := newTestService(t, 1024)

	target, err := svc.Grant(context.Background(), "../../etc/会议 记录.MP4", "", "")
	require.NoError(t, err)
	assert.True(t, validPathname.MatchString(target.Pathname), target.Pathname)
	assert.True(t, strings.HasSuffix(target.Pathname, ".mp4"))
	assert.NotContains(t, target.Pathname, "/")
}

func TestPutOpenDelete(t *testing.T) {
	svc := newTestService(t, 1024)
	ctx := context.Background()

	target, err := svc.Grant(ctx, "clip.wav", "audio/wav", "")
	require.NoError(t, err)

	ref, err := svc.Put(ctx, target.Pathname, target.Token, "audio/wav", strings.NewReader("RIFF...."))
	require.NoError(t, err)
	assert.Equal(t, int64(8), ref.SizeBytes)
	assert.Equal(t, "http://blob.test/blob/"+target.Pathname, ref.DownloadURL)

	f, meta, err := svc.Open(ctx, target.Pathname)
	require.NoError(t, err)
	data, _ := io.ReadAll(f)
	f.Close()
	assert.Equal(t, "RIFF....", string(data))
	assert.Equal(t, "audio/wav", meta.ContentType)

	// 同一个授权不能覆盖已存在的对象
	_, err = svc.Put(ctx, target.Pathname, target.Token, "audio/wav", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrObjectExists)

	require.NoError(t, svc.DeleteWithToken(ctx, target.Pathname, tokenOf(t, ref.DeleteURL)))
	_, _, err = svc.Open(ctx, target.Pathname)
	assert.ErrorIs(t, err, ErrNotFound)

	// 幂等
	assert.NoError(t, svc.DeleteReference(ctx, ref))
}

func TestPutRejects(t *testing.T) {
	svc := newTestService(t, 4)
	ctx := context.Background()

	target, err := svc.Grant(ctx, "a.mp3", "", "")
	require.NoError(t, err)

	_, err = svc.Put(ctx, target.Pathname, target.Token, "text/plain", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrUnauthorizedContentType)

	_, err = svc.Put(ctx, target.Pathname, "bogus.token", "audio/mpeg", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Put(ctx, "other-name.mp3", target.Token, "audio/mpeg", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Put(ctx, target.Pathname, target.Token, "audio/mpeg", bytes.NewReader(make([]byte, 5)))
	assert.ErrorIs(t, err, ErrTooLarge)
	_, statErr := os.Stat(svc.filePath(target.Pathname))
	assert.True(t, os.IsNotExist(statErr))

	_, err = svc.Put(ctx, "../x", target.Token, "audio/mpeg", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrInvalidPathname)
}

func TestPutRejectsExpiredGrant(t *testing.T) {
	svc := newTestService(t, 1024)
	ctx := context.Background()

	target, err := svc.Grant(ctx, "a.mp3", "", "")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.Put(ctx, target.Pathname, target.Token, "audio/mpeg", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPathnameFromURL(t *testing.T) {
	svc := newTestService(t, 1024)

	name, err := svc.PathnameFromURL("http://blob.test/blob/a-123.mp3")
	require.NoError(t, err)
	assert.Equal(t, "a-123.mp3", name)

	for _, raw := range []string{
		"http://elsewhere.test/blob/a-123.mp3",
		"http://blob.test/files/a-123.mp3",
		"http://blob.test/blob/../secret",
		"::not a url",
	} {
		_, err := svc.PathnameFromURL(raw)
		assert.ErrorIs(t, err, ErrForeignURL, raw)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	svc := newTestService(t, 1024)
	ctx := context.Background()

	target, err := svc.Grant(ctx, "old.mp3", "", "")
	require.NoError(t, err)
	_, err = svc.Put(ctx, target.Pathname, target.Token, "audio/mpeg", strings.NewReader("ab"))
	require.NoError(t, err)

	removed, err := svc.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = svc.Sweep(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = svc.Open(ctx, target.Pathname)
	assert.ErrorIs(t, err, ErrNotFound)
}
