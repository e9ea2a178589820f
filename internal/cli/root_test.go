package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUID(t *testing.T) {
	ns, id, err := parseUID("shop.orders")
	require.NoError(t, err)
	assert.Equal(t, "shop", ns)
	assert.Equal(t, "orders", id)

	for _, bad := range []string{"shop", ".orders", "shop.", ""} {
		_, _, err := parseUID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "deploy", "status", "reset-cursor", "remove", "stop"} {
		assert.True(t, names[want], want)
	}
}
