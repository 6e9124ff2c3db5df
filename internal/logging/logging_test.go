package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_ProductionAndDebug(t *testing.T) {
	log, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, log)

	log, err = New(true)
	require.NoError(t, err)
	require.NotNil(t, log)
}
