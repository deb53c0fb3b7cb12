package blobstore

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsWriteOnce(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("snapshots/d1/abc.json", []byte(`{"a":1}`)))
	require.NoError(t, s.Put("snapshots/d1/abc.json", []byte(`{"a":1}`)), "identical rewrite is accepted")

	err = s.Put("snapshots/d1/abc.json", []byte(`{"a":2}`))
	assert.ErrorIs(t, err, ErrExists)

	data, err := s.Get("snapshots/d1/abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	rc, err := s.Open("snapshots/d1/abc.json")
	require.NoError(t, err)
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, streamed)
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := s.Exists("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put("../outside", []byte("x")))
	assert.Error(t, s.Put("/abs", []byte("x")))
	assert.Error(t, s.Put("", []byte("x")))
}
