package rlimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortfwd_Rlimit_Desired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		listeners int
		want      uint64
	}{
		{listeners: 0, want: 1},
		{listeners: 5, want: 1},
		{listeners: 10, want: 21},
		{listeners: 100, want: 201},
		{listeners: 10000, want: 20001},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Desired(tt.listeners), "listeners=%d", tt.listeners)
	}
}
