package sasl_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d98762625/qpid-proton/sasl"
)

func TestPlainResponse(t *testing.T) {
	p := sasl.NewPlain("alice", "s3cret")
	require.Equal(t, "PLAIN", p.Mechanism())
	require.Equal(t, "\x00alice\x00s3cret", p.Response())
	require.False(t, p.Outcome())

	p.SetOutcome(true)
	require.True(t, p.Outcome())
}
