package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsHaveNamesAndDescriptions(t *testing.T) {
	for name, cmd := range commands() {
		assert.Equal(t, name, cmd.name)
		assert.NotEmpty(t, cmd.description, "command %s", name)
		assert.NotNil(t, cmd.run, "command %s", name)
	}
}

func TestResolveIdentityFlagValidation(t *testing.T) {
	ctx := context.Background()

	_, err := resolveIdentity(ctx, nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either -id or -email")

	_, err = resolveIdentity(ctx, nil, "id-1", "qa@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestRevokeSessionsRequiresConfirmation(t *testing.T) {
	cmdCtx := &commandContext{Ctx: context.Background()}
	err := runRevokeSessions(cmdCtx, []string{"-id", "id-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-yes")
}
