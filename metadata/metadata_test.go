package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAndDuplicates(t *testing.T) {
	md := New()
	md.Append("k1", "a")
	md.Append("k2", "b")
	md.Append("k1", "c")

	v, ok := md.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "c", v, "Get returns the last value")
	assert.Equal(t, []string{"a", "c"}, md.GetAll("k1"))

	var keys []string
	md.Range(func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"k1", "k2", "k1"}, keys)
}

func TestRemove(t *testing.T) {
	md := Pairs("a", "1", "b", "2", "a", "3")
	assert.True(t, md.Remove("a"))
	assert.False(t, md.Remove("a"))
	assert.Equal(t, 1, md.Len())
}

func TestKeyValidation(t *testing.T) {
	assert.True(t, IsValidKey("grpc-timeout"))
	assert.True(t, IsValidKey(":path"))
	assert.True(t, IsValidKey("a.b_c-d9"))
	assert.False(t, IsValidKey(""))
	assert.False(t, IsValidKey(":"))
	assert.False(t, IsValidKey("UPPER"))
	assert.False(t, IsValidKey("sp ace"))

	assert.Panics(t, func() { New().Append("Bad Key", "v") })
	assert.Panics(t, func() { New().Append("ascii", "\x01") })
	assert.NotPanics(t, func() { New().Append("raw-bin", "\x00\x01\xff") })
}

func TestHeaderFieldRoundTrip(t *testing.T) {
	md := New()
	md.Append("k1", "ascii value")
	md.Append("data-bin", string([]byte{0, 1, 2, 254, 255}))
	md.Append("k1", "second")

	parsed, err := FromHeaderFields(md.HeaderFields())
	require.NoError(t, err)
	assert.True(t, md.Equal(parsed))
}

func TestFromHeaderFieldsRejectsBadKeys(t *testing.T) {
	fields := Pairs("ok", "v").HeaderFields()
	fields[0].Name = "bad key"
	_, err := FromHeaderFields(fields)
	assert.Error(t, err)
}

func TestBinaryDecodeAcceptsPadding(t *testing.T) {
	fields := Pairs("k-bin", "ab").HeaderFields()
	// re-encode with padding: "ab" -> "YWI=" instead of "YWI"
	fields[0].Value = "YWI="
	md, err := FromHeaderFields(fields)
	require.NoError(t, err)
	v, _ := md.Get("k-bin")
	assert.Equal(t, "ab", v)
}
