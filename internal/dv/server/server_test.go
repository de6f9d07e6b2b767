package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTimeoutHeader_ValidSecondForm(t *testing.T) {
	require.Equal(t, 1800, parseTimeoutHeader("Second-1800"))
}

func TestParseTimeoutHeader_MissingOrMalformed(t *testing.T) {
	require.Equal(t, 0, parseTimeoutHeader(""))
	require.Equal(t, 0, parseTimeoutHeader("Second-infinite"))
	require.Equal(t, 0, parseTimeoutHeader("infinite"))
}
