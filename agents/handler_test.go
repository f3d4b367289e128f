package agents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUintID(t *testing.T) {
	id, err := parseUintID("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = parseUintID("")
	assert.Error(t, err)

	_, err = parseUintID("0")
	assert.Error(t, err)

	_, err = parseUintID("-3")
	assert.Error(t, err)

	_, err = parseUintID("abc")
	assert.Error(t, err)

	id, err = parseUintID("  7  ")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
}

func TestParseUserIDClaim(t *testing.T) {
	assert.EqualValues(t, 12, parseUserIDClaim(float64(12)))
	assert.EqualValues(t, 12, parseUserIDClaim(int(12)))
	assert.EqualValues(t, 12, parseUserIDClaim(int64(12)))
	assert.EqualValues(t, 12, parseUserIDClaim(json.Number("12")))
	assert.EqualValues(t, 12, parseUserIDClaim("12"))
	assert.EqualValues(t, 0, parseUserIDClaim(float64(-1)))
	assert.EqualValues(t, 0, parseUserIDClaim("not a number"))
	assert.EqualValues(t, 0, parseUserIDClaim(nil))
}

func TestHasRole(t *testing.T) {
	assert.True(t, hasRole([]string{"user", "admin"}, "admin"))
	assert.True(t, hasRole([]string{" Admin "}, "admin"))
	assert.False(t, hasRole([]string{"user"}, "admin"))
	assert.False(t, hasRole(nil, "admin"))
}

func TestTrimOptional(t *testing.T) {
	assert.Nil(t, trimOptional(nil))

	empty := "   "
	assert.Nil(t, trimOptional(&empty))

	value := "  https://example.com  "
	trimmed := trimOptional(&value)
	require.NotNil(t, trimmed)
	assert.Equal(t, "https://example.com", *trimmed)
}

func TestTagsToJSON(t *testing.T) {
	assert.JSONEq(t, `[]`, string(tagsToJSON(nil)))
	assert.JSONEq(t, `[]`, string(tagsToJSON([]string{" ", ""})))
	assert.JSONEq(t, `["support","docs"]`, string(tagsToJSON([]string{" support ", "docs"})))
}
