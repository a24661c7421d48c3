package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner([]byte("secret-secret-secret"))
	now := time.Now()

	token, err := s.Sign(Claims{Op: OpUpload, Pathname: "a.mp3", ExpiresAt: now.Add(time.Minute).Unix()})
	require.NoError(t, err)

	c, err := s.Verify(token, OpUpload, "a.mp3", now)
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", c.Pathname)

	_, err = s.Verify(token, OpDelete, "a.mp3", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify(token, OpUpload, "a.mp3", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewSigner([]byte("another-secret-value"))
	_, err = other.Verify(token, OpUpload, "a.mp3", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("no-dot", OpUpload, "a.mp3", now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMatchContentType(t *testing.T) {
	patterns := []string{"audio/*", "video/*"}

	tests := map[string]bool{
		"audio/mpeg":                 true,
		"Audio/MPEG; charset=binary": true,
		"video/mp4":                  true,
		"application/pdf":            false,
		"audio":                      false,
		"":                           false,
		"audiox/mpeg":                false,
	}
	for ct, want := range tests {
		assert.Equal(t, want, MatchContentType(ct, patterns), ct)
	}

	assert.True(t, MatchContentType("image/png", []string{"image/png"}))
}
