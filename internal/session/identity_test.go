package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissions_Unmarshal(t *testing.T) {
	var fromList UserIdentity
	require.NoError(t, json.Unmarshal([]byte(`{"username":"a","permissions":["select","archive","select"]}`), &fromList))
	assert.Equal(t, Permissions{"archive", "select"}, fromList.Permissions)

	var fromMap UserIdentity
	require.NoError(t, json.Unmarshal([]byte(`{"username":"a","permissions":{"select":true,"archive":false,"delete_archive":true}}`), &fromMap))
	assert.Equal(t, Permissions{"delete_archive", "select"}, fromMap.Permissions)
	assert.True(t, fromMap.HasPermission(PermDeleteArchive))
	assert.False(t, fromMap.HasPermission(PermArchive))

	var bad UserIdentity
	assert.Error(t, json.Unmarshal([]byte(`{"username":"a","permissions":42}`), &bad))
}

func TestParseIdentity(t *testing.T) {
	u, err := parseIdentity([]byte(`{"username":"admin","role":"Admin"}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderTraditional, u.AuthProvider)

	_, err = parseIdentity([]byte(`{"role":"Admin"}`))
	assert.Error(t, err)

	_, err = parseIdentity([]byte(`{`))
	assert.Error(t, err)

	var nilUser *UserIdentity
	assert.False(t, nilUser.HasPermission(PermSelect))
	assert.Equal(t, ProviderTraditional, nilUser.Provider())
}
