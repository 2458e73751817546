package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentic/runtime/agent/execute"
)

type stubAgent struct{ name string }

func (a stubAgent) Name() string { return a.name }

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("triage", func() execute.Agent { return stubAgent{name: "triage"} }))

	agent, err := reg.Lookup("triage")
	require.NoError(t, err)
	require.Equal(t, "triage", agent.Name())

	_, err = reg.Lookup("billing")
	require.ErrorContains(t, err, "unknown agent key: billing")
}

func TestRegisterValidation(t *testing.T) {
	reg := New()
	require.Error(t, reg.Register("", func() execute.Agent { return stubAgent{} }))
	require.Error(t, reg.Register("triage", nil))
	require.NoError(t, reg.Register("triage", func() execute.Agent { return stubAgent{} }))
	require.Error(t, reg.Register("triage", func() execute.Agent { return stubAgent{} }))
}

func TestKeysSorted(t *testing.T) {
	reg := New()
	for _, key := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, reg.Register(key, func() execute.Agent { return stubAgent{} }))
	}
	require.Equal(t, []string{"alpha", "mike", "zulu"}, reg.Keys())
}
