package canonical

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoauth/go-core/internal/errcode"
)

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	raw := []byte(`{"b":{"z":1,"a":2},"a":[{"y":1,"x":2}]}`)
	canon, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":2,"y":1}],"b":{"a":2,"z":1}}`, string(canon))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	raw := []byte(`{"actions":["payments.send","payments.refund"]}`)
	canon, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"actions":["payments.send","payments.refund"]}`, string(canon))
}

func TestCanonicalizeNumbers(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"n":500}`, `{"n":500}`},
		{`{"n":500.0}`, `{"n":500}`},
		{`{"n":0.5}`, `{"n":0.5}`},
		{`{"n":1e3}`, `{"n":1000}`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			canon, err := Canonicalize([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(canon))
		})
	}
}

func TestHashDeterministicUnderKeyReordering(t *testing.T) {
	a := []byte(`{"version":"pol.v0.2","id":"p1","actions":["payments.send"]}`)
	b := []byte(`{"actions":["payments.send"],"id":"p1","version":"pol.v0.2"}`)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ha)
}

func TestVerifyHash(t *testing.T) {
	raw := []byte(`{"id":"p1","version":"pol.v0.2"}`)
	h, err := Hash(raw)
	require.NoError(t, err)

	ok, err := VerifyHash(raw, h)
	require.NoError(t, err)
	assert.True(t, ok)

	// Flip one hex digit.
	tampered := []byte(h)
	if tampered[len(tampered)-1] == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}
	ok, err = VerifyHash(raw, string(tampered))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashValueRejectsUnrepresentable(t *testing.T) {
	_, err := HashValue(math.NaN())
	require.Error(t, err)
	ce := errcode.From(err)
	assert.Equal(t, errcode.InvalidPayload, ce.Code)
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{"", "{", `{"a":}`} {
		t.Run(fmt.Sprintf("%q", raw), func(t *testing.T) {
			_, err := Canonicalize([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, errcode.InvalidPayload, errcode.From(err).Code)
		})
	}
}
