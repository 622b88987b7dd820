package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToggleReactionTwiceRemovesKey(t *testing.T) {
	reactions := map[string][]string{"❤️": {"bob"}}

	once := ToggleReaction(reactions, "👍", "alice")
	assert.Equal(t, []string{"alice"}, once["👍"])
	assert.Equal(t, []string{"bob"}, once["❤️"])
	_, leaked := reactions["👍"]
	assert.False(t, leaked, "input map must not be mutated")

	twice := ToggleReaction(once, "👍", "alice")
	_, present := twice["👍"]
	assert.False(t, present)
	assert.Equal(t, []string{"bob"}, twice["❤️"])
}

func TestToggleReactionKeepsOtherReactors(t *testing.T) {
	got := ToggleReaction(map[string][]string{"😂": {"alice", "bob"}}, "😂", "alice")
	assert.Equal(t, []string{"bob"}, got["😂"])

	got = ToggleReaction(nil, "😮", "carol")
	assert.Equal(t, []string{"carol"}, got["😮"])
}

func TestValidators(t *testing.T) {
	for _, m := range []string{ModeNormal, ModeFight, ModeIncognito} {
		assert.True(t, ValidMode(m), m)
	}
	assert.False(t, ValidMode("silent"))
	assert.False(t, ValidMode(""))

	for _, e := range SupportedEmojis {
		assert.True(t, SupportedEmoji(e), e)
	}
	assert.False(t, SupportedEmoji("🔥"))
}
