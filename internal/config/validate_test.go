package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	require.NoError(t, ValidateDomain("tunnel.example.com"))
	require.NoError(t, ValidateDomain("XN--Tunnel.Example.COM"))
	assert.Error(t, ValidateDomain(""))
}

func TestValidateResolvers(t *testing.T) {
	require.NoError(t, ValidateResolvers([]string{"127.0.0.1:53", "8.8.8.8:53"}))
	assert.Error(t, ValidateResolvers(nil))
	assert.Error(t, ValidateResolvers([]string{"not-a-valid-addr"}))
	assert.Error(t, ValidateResolvers([]string{"127.0.0.1:53", "127.0.0.1:53"}), "duplicates must be rejected")
}

func TestResolveAll(t *testing.T) {
	addrs, err := ResolveAll([]string{"127.0.0.1:53"})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "127.0.0.1", addrs[0].IP.String())
	assert.Equal(t, 53, addrs[0].Port)
}
