package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	permission *bool
	foreground *bool
	user       *string
}

func (g *fakeGate) SetPermission(granted bool) { g.permission = &granted }
func (g *fakeGate) SetUser(id string)          { g.user = &id }
func (g *fakeGate) SetForeground(fg bool)      { g.foreground = &fg }

func TestApplyControl_Lifecycle(t *testing.T) {
	g := &fakeGate{}
	var tracking *bool
	setTracking := func(on bool) { tracking = &on }

	require.NoError(t, applyControl("background", g, setTracking))
	require.NotNil(t, g.foreground)
	assert.False(t, *g.foreground)

	require.NoError(t, applyControl("  FOREGROUND ", g, setTracking))
	assert.True(t, *g.foreground)

	require.NoError(t, applyControl("login uid-7", g, setTracking))
	assert.Equal(t, "uid-7", *g.user)

	require.NoError(t, applyControl("logout", g, setTracking))
	assert.Equal(t, "", *g.user)

	require.NoError(t, applyControl("permission off", g, setTracking))
	assert.False(t, *g.permission)

	require.NoError(t, applyControl("tracking on", g, setTracking))
	require.NotNil(t, tracking)
	assert.True(t, *tracking)
}

func TestApplyControl_Errors(t *testing.T) {
	g := &fakeGate{}
	noop := func(bool) {}

	assert.NoError(t, applyControl("   ", g, noop))
	assert.ErrorIs(t, applyControl("quit", g, noop), errQuit)
	assert.Error(t, applyControl("login", g, noop))
	assert.Error(t, applyControl("permission maybe", g, noop))
	assert.Error(t, applyControl("dance", g, noop))
	assert.Nil(t, g.user)
	assert.Nil(t, g.permission)
}
