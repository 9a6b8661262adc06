package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Close())

	_, err := s.Append(context.Background(), mkEvent(t, "create"), Accepted)
	assert.ErrorIs(t, err, ErrClosed)
}
