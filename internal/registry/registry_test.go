package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed bool
	err    error
}

func (f *fakeConn) Close() error {
	f.closed = true
	return f.err
}

func TestCreateAssignsIDAndKey(t *testing.T) {
	r := New()
	tun, restored, err := r.Create("laptop-1", "")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.NotEmpty(t, tun.ID)
	assert.NotEmpty(t, tun.APIKey)
	assert.Equal(t, "laptop-1", tun.Name)
}

func TestCreateWithSuggestedIDRestoresExisting(t *testing.T) {
	r := New()
	first, _, err := r.Create("laptop-1", "fixed-id")
	require.NoError(t, err)
	oldKey := first.APIKey

	second, restored, err := r.Create("laptop-1-renamed", "fixed-id")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Same(t, first, second)
	assert.NotEqual(t, oldKey, second.APIKey)
	assert.Equal(t, "laptop-1-renamed", second.Name)
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticateSucceedsAndFails(t *testing.T) {
	r := New()
	tun, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	got, err := r.Authenticate(tun.ID, tun.APIKey)
	require.NoError(t, err)
	assert.Same(t, tun, got)

	_, err = r.Authenticate(tun.ID, "wrong-key")
	require.ErrorIs(t, err, ErrAuth)

	_, err = r.Authenticate("missing", "whatever")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachClosesPriorConnection(t *testing.T) {
	r := New()
	tun, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	first := &fakeConn{}
	r.Attach(tun, first)
	assert.True(t, r.IsLive(tun.ID))

	second := &fakeConn{}
	r.Attach(tun, second)
	assert.True(t, first.closed, "previous connection should be closed on replacement")
	assert.Same(t, second, tun.Live())
}

func TestDetachClearsLiveness(t *testing.T) {
	r := New()
	tun, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)
	r.Attach(tun, &fakeConn{})
	require.True(t, r.IsLive(tun.ID))

	r.Detach(tun.ID)
	assert.False(t, r.IsLive(tun.ID))
}

func TestSetClientAuthKeyOverwritesLatest(t *testing.T) {
	r := New()
	tun, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	require.NoError(t, r.SetClientAuthKey(tun.ID, "key-a"))
	assert.Equal(t, "key-a", tun.ClientAuthKey())

	require.NoError(t, r.SetClientAuthKey(tun.ID, "key-b"))
	assert.Equal(t, "key-b", tun.ClientAuthKey())

	err = r.SetClientAuthKey("missing", "key-c")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachClosePropagatesErrorButStillSwapsConnection(t *testing.T) {
	r := New()
	tun, _, err := r.Create("laptop-1", "")
	require.NoError(t, err)

	bad := &fakeConn{err: errors.New("tcp reset")}
	r.Attach(tun, bad)
	r.Attach(tun, &fakeConn{})
	assert.True(t, bad.closed)
	assert.True(t, r.IsLive(tun.ID))
}

func TestCount(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Count())
	_, _, err := r.Create("a", "")
	require.NoError(t, err)
	_, _, err = r.Create("b", "")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())
}
