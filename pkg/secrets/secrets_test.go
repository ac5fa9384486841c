package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	values map[string]string
}

func (m *mapStore) Get(name string) (string, error) {
	if v, ok := m.values[name]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

func (m *mapStore) Set(name, value string) error {
	m.values[name] = value
	return nil
}

func (m *mapStore) Delete(name string) error {
	if _, ok := m.values[name]; !ok {
		return ErrNotFound
	}
	delete(m.values, name)
	return nil
}

func TestEnvStore(t *testing.T) {
	t.Setenv("COOKIEPOOL_FALLBACK_API_KEY", "hiker-key-123")

	s := NewEnvStore()
	got, err := s.Get(NameFallbackAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "hiker-key-123", got)

	_, err = s.Get(NameProxyPassword)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Set("x", "y"), ErrReadOnly)
	assert.ErrorIs(t, s.Delete("x"), ErrReadOnly)
}

func TestChainOrder(t *testing.T) {
	first := &mapStore{values: map[string]string{"k": "from-first"}}
	second := &mapStore{values: map[string]string{"k": "from-second", "only": "second"}}

	c := NewChainWith(first, second)

	got, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "from-first", got)

	got, err = c.Get("only")
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainSetDelete(t *testing.T) {
	rw := &mapStore{values: map[string]string{}}
	c := NewChainWith(NewEnvStore(), rw)

	require.NoError(t, c.Set("k", "v"))
	got, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Delete("k"))
	assert.ErrorIs(t, c.Delete("k"), ErrNotFound)
}
