package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare user id", "someuser", "https://twitcasting.tv/someuser"},
		{"bare id with underscore", "some_user_42", "https://twitcasting.tv/some_user_42"},
		{"google account", "g:117941784", "https://twitcasting.tv/g:117941784"},
		{"instagram account", "ig:caster", "https://twitcasting.tv/ig:caster"},
		{"facebook account", "f:caster", "https://twitcasting.tv/f:caster"},
		{"channel prefix stripped", "c:somechannel", "https://twitcasting.tv/somechannel"},
		{"full url untouched", "https://twitcasting.tv/someuser", "https://twitcasting.tv/someuser"},
		{"http upgraded", "http://twitcasting.tv/someuser", "https://twitcasting.tv/someuser"},
		{"broadcaster suffix", "https://twitcasting.tv/someuser/broadcaster", "https://twitcasting.tv/someuser"},
		{"broadcaster with slash", "https://twitcasting.tv/someuser/broadcaster/", "https://twitcasting.tv/someuser"},
		{"trailing slash", "https://twitcasting.tv/someuser/", "https://twitcasting.tv/someuser"},
		{"query dropped", "https://twitcasting.tv/someuser?t=123", "https://twitcasting.tv/someuser"},
		{"whitespace trimmed", "  someuser  ", "https://twitcasting.tv/someuser"},
		{"prefixed url form", "https://twitcasting.tv/g:117941784/broadcaster", "https://twitcasting.tv/g:117941784"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"https://example.com/someuser",
		"https://youtube.com/watch?v=abc",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Normalize(in)
			assert.Error(t, err)
		})
	}
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("someuser", "")
	require.NoError(t, err)
	assert.Equal(t, "https://twitcasting.tv/someuser", got)

	got, err = BuildURL("someuser", "https://twitcasting.tv/someuser/movie/123")
	require.NoError(t, err)
	assert.Equal(t, "https://twitcasting.tv/someuser/movie/123", got, "hint wins")
}

func TestUserID(t *testing.T) {
	assert.Equal(t, "someuser", UserID("https://twitcasting.tv/someuser"))
	assert.Equal(t, "g:117941784", UserID("https://twitcasting.tv/g:117941784"))
	assert.Equal(t, "someuser", UserID("someuser"))
}

func TestSafeID(t *testing.T) {
	assert.Equal(t, "someuser", SafeID("https://twitcasting.tv/someuser"))
	assert.Equal(t, "g_117941784", SafeID("https://twitcasting.tv/g:117941784"))
	assert.Equal(t, "ig_some_user", SafeID("ig:some.user"))
}
