package db

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/store/memory"
)

func TestNew(t *testing.T) {
	s, err := New(MONGODB, "", zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memory.Memory{}, s)

	_, err = New("cassandra", "cassandra://localhost", zap.NewNop())
	require.Error(t, err)
}
