package idtokentest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerSign(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("test-kid")
	require.NoError(t, err)

	token, err := signer.Sign(map[string]interface{}{"sub": "12345"})
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.RS256, signer.Key.Public()))
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "12345", claims["sub"])
}

func TestKeySetJSON(t *testing.T) {
	t.Parallel()

	a, err := NewSigner("kid-a")
	require.NoError(t, err)
	b, err := NewSigner("kid-b")
	require.NoError(t, err)

	body, err := KeySetJSON(a, b)
	require.NoError(t, err)

	set, err := jwk.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	key, found := set.LookupKeyID("kid-a")
	require.True(t, found)
	assert.Equal(t, jwa.RS256.String(), key.Algorithm().String())
}

func TestKeyServer(t *testing.T) {
	t.Parallel()

	first, err := NewSigner("kid-1")
	require.NoError(t, err)
	server, err := NewKeyServer(first)
	require.NoError(t, err)
	defer server.Close()

	server.SetCacheControl("public, max-age=300")

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "public, max-age=300", resp.Header.Get("Cache-Control"))
	assert.Equal(t, int64(1), server.Fetches())

	set, err := jwk.Parse(body)
	require.NoError(t, err)
	_, found := set.LookupKeyID("kid-1")
	assert.True(t, found)

	second, err := NewSigner("kid-2")
	require.NoError(t, err)
	require.NoError(t, server.Rotate(second))

	resp, err = http.Get(server.URL)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	set, err = jwk.Parse(body)
	require.NoError(t, err)
	_, found = set.LookupKeyID("kid-1")
	assert.False(t, found)
	_, found = set.LookupKeyID("kid-2")
	assert.True(t, found)
	assert.Equal(t, int64(2), server.Fetches())
}
