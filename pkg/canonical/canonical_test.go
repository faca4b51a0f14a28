package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCSIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}}
	b := map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ca, err := JCS(a)
	require.NoError(t, err)
	cb, err := JCS(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.JSONEq(t, `{"a":1,"b":2,"c":{"x":false,"y":true}}`, string(ca))
}

func TestHashBytes(t *testing.T) {
	// SHA-256("") is a fixed vector.
	require.Equal(t,
		"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	require.NotEqual(t, HashBytes([]byte("a")), HashBytes([]byte("b")))
}

func TestHashValueIsDeterministic(t *testing.T) {
	v := struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}{"BTC-USD", 0.5}

	h1, err := HashValue(v)
	require.NoError(t, err)
	h2, err := HashValue(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	_, err = HashValue(func() {}) // unmarshalable
	require.Error(t, err)
}

func TestChainHashBindsPrevHash(t *testing.T) {
	payload := map[string]any{"seq": 1}

	h1, err := ChainHash("genesis", payload)
	require.NoError(t, err)
	h2, err := ChainHash(h1, payload)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2) // same payload, different link

	again, err := ChainHash("genesis", payload)
	require.NoError(t, err)
	require.Equal(t, h1, again)
}
