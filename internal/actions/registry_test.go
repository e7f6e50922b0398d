package actions

import (
	"context"
	"testing"

	"github.com/rendis/convo/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry and invoker tests.
type stubAction struct {
	name string
	desc string
	exec func(ctx context.Context, in ActionInput) (*ActionOutput, error)
}

func (s *stubAction) Name() string                  { return s.name }
func (s *stubAction) Schema() ActionSchema          { return ActionSchema{Description: s.desc} }
func (s *stubAction) Validate(map[string]any) error { return nil }
func (s *stubAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	if s.exec != nil {
		return s.exec(ctx, in)
	}
	return &ActionOutput{Data: map[string]any{"ok": true}}, nil
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "crm.lookup", desc: "lookup"}))
	assert.True(t, reg.Has("crm.lookup"))

	err := reg.Register(&stubAction{name: "crm.lookup"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{}), schema.ErrCodeValidation))
}

func TestRegistry_GetMissing(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&stubAction{name: n, desc: n + " desc"}))
	}
	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "alpha desc", list[0].Description)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestRegistry_RegisterPrefixed(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterPrefixed("weather", []Action{&stubAction{name: "forecast"}, &stubAction{name: "alerts"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := reg.Get("weather.forecast")
	require.NoError(t, err)
	assert.Equal(t, "weather.forecast", a.Name())

	out, err := a.Execute(context.Background(), ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["ok"])

	_, err = reg.RegisterPrefixed("weather", []Action{&stubAction{name: "forecast"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = reg.RegisterPrefixed("", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
