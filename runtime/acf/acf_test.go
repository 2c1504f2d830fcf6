package acf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKeyRoundTrip(t *testing.T) {
	key := SessionKey{
		Tenant:       "9f1d8a4e-6f0a-4f6b-8a8e-aaaaaaaaaaaa",
		Agent:        "2c5b7e9d-1111-4f6b-8a8e-bbbbbbbbbbbb",
		Interlocutor: "4d6e8f0a-2222-4f6b-8a8e-cccccccccccc",
		Channel:      "whatsapp",
	}
	s := key.String()
	assert.Equal(t, "sess:9f1d8a4e-6f0a-4f6b-8a8e-aaaaaaaaaaaa:2c5b7e9d-1111-4f6b-8a8e-bbbbbbbbbbbb:4d6e8f0a-2222-4f6b-8a8e-cccccccccccc:whatsapp", s)

	parsed, err := ParseSessionKey(s)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseSessionKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"sess:a:b:c",
		"sess:a:b:c:d:e",
		"session:a:b:c:d",
		"sess:a::c:d",
		"sess::b:c:d",
	}
	for _, tc := range cases {
		_, err := ParseSessionKey(tc)
		assert.Error(t, err, "input %q", tc)
	}
}

func TestValidContentType(t *testing.T) {
	for _, ct := range []ContentType{ContentText, ContentImage, ContentAudio, ContentVideo, ContentDocument, ContentLocation, ContentContact, ContentMixed} {
		assert.True(t, ValidContentType(ct))
	}
	assert.False(t, ValidContentType("gif"))
	assert.False(t, ValidContentType(""))
}
