package flow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityForIsDeterministic(t *testing.T) {
	first := IdentityFor("session-token-prefix")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, IdentityFor("session-token-prefix"))
	}
}

func TestIdentityForLooksLikeBrowser(t *testing.T) {
	ua := IdentityFor("some-account")
	assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0 ("), "got %q", ua)
}

func TestIdentityForEmptyKey(t *testing.T) {
	assert.Equal(t, IdentityFor(""), IdentityFor(""))
}

func TestAccountKeyTruncates(t *testing.T) {
	long := strings.Repeat("a", 40)
	assert.Len(t, accountKey(long), 16)
	assert.Equal(t, "short", accountKey("short"))
}
