package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
)

func conn(fromStep, output, toStep, input string) core.SpellConnection {
	var c core.SpellConnection
	c.From.StepID = fromStep
	c.From.Output = output
	c.To.StepID = toStep
	c.To.Input = input
	return c
}

func steps(ids ...string) []core.SpellStep {
	out := make([]core.SpellStep, len(ids))
	for i, id := range ids {
		out[i] = core.SpellStep{StepID: id, ToolIdentifier: "echo"}
	}
	return out
}

// ============================================================================
// GRAPH TESTS
// ============================================================================

func TestTopoOrderDiamond(t *testing.T) {
	spell := &core.Spell{
		Steps: steps("a", "b", "c", "d"),
		Connections: []core.SpellConnection{
			conn("a", "text", "b", "input_prompt"),
			conn("a", "text", "c", "input_prompt"),
			conn("b", "text", "d", "input_prompt"),
			conn("c", "text", "d", "input_negative"),
		},
	}
	order, err := TopoOrder(spell)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestTopoOrderIgnoresDeclarationOrder(t *testing.T) {
	// declared backwards; the edge still forces a before b
	spell := &core.Spell{
		Steps:       steps("b", "a"),
		Connections: []core.SpellConnection{conn("a", "text", "b", "input_prompt")},
	}
	order, err := TopoOrder(spell)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, order)
}

func TestTopoOrderRejectsCycle(t *testing.T) {
	spell := &core.Spell{
		Steps: steps("a", "b"),
		Connections: []core.SpellConnection{
			conn("a", "text", "b", "input_prompt"),
			conn("b", "text", "a", "input_prompt"),
		},
	}
	_, err := TopoOrder(spell)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), "cycle")
}

func TestTopoOrderRejectsSelfLoop(t *testing.T) {
	spell := &core.Spell{
		Steps:       steps("a"),
		Connections: []core.SpellConnection{conn("a", "text", "a", "input_prompt")},
	}
	_, err := TopoOrder(spell)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestTopoOrderRejectsUnknownStep(t *testing.T) {
	spell := &core.Spell{
		Steps:       steps("a"),
		Connections: []core.SpellConnection{conn("a", "text", "ghost", "input_prompt")},
	}
	_, err := TopoOrder(spell)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestTopoOrderRejectsDuplicateStepIDs(t *testing.T) {
	spell := &core.Spell{Steps: steps("a", "a")}
	_, err := TopoOrder(spell)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestValidateSpellExposedInputs(t *testing.T) {
	spell := &core.Spell{
		Visibility:    "private",
		Steps:         steps("a"),
		ExposedInputs: []string{"a.input_prompt"},
	}
	require.NoError(t, ValidateSpell(spell))

	spell.ExposedInputs = []string{"ghost.input_prompt"}
	assert.True(t, core.IsKind(ValidateSpell(spell), core.KindInvalidInput))

	spell.ExposedInputs = []string{"no-dot"}
	assert.True(t, core.IsKind(ValidateSpell(spell), core.KindInvalidInput))
}

// ============================================================================
// SPELL CRUD
// ============================================================================

func TestCreateSpellDefaultsAndValidation(t *testing.T) {
	f := newFixture(t, "complete")
	ctx := context.Background()

	spell, err := f.sched.CreateSpell(ctx, "U1", SpellSpec{
		Name:  "Neon Dreams",
		Steps: steps("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, "neon-dreams", spell.Slug)
	assert.Equal(t, "private", spell.Visibility)
	assert.Equal(t, "U1", spell.Owner)

	_, err = f.sched.CreateSpell(ctx, "U1", SpellSpec{Name: "Neon Dreams", Steps: steps("a")})
	assert.True(t, core.IsKind(err, core.KindConflict))

	_, err = f.sched.CreateSpell(ctx, "U1", SpellSpec{Name: "empty"})
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	_, err = f.sched.CreateSpell(ctx, "U1", SpellSpec{
		Name:  "cyclic",
		Steps: steps("a", "b"),
		Connections: []core.SpellConnection{
			conn("a", "text", "b", "input_prompt"),
			conn("b", "text", "a", "input_prompt"),
		},
	})
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	_, err = f.sched.CreateSpell(ctx, "U1", SpellSpec{
		Name:  "bad tool",
		Steps: []core.SpellStep{{StepID: "a", ToolIdentifier: "nope"}},
	})
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestDeleteSpellRequiresOwner(t *testing.T) {
	f := newFixture(t, "complete")
	ctx := context.Background()

	_, err := f.sched.CreateSpell(ctx, "U1", SpellSpec{Name: "mine", Steps: steps("a")})
	require.NoError(t, err)

	err = f.sched.DeleteSpell(ctx, "mine", "intruder")
	assert.True(t, core.IsKind(err, core.KindNotFound))
	require.NoError(t, f.sched.DeleteSpell(ctx, "mine", "U1"))
}

// ============================================================================
// CAST TESTS
// ============================================================================

func (f *fixture) waitCast(castID string, pred func(*core.SpellCast) bool) *core.SpellCast {
	f.t.Helper()
	var last *core.SpellCast
	require.Eventually(f.t, func() bool {
		c, err := f.store.FindSpellCastByID(context.Background(), castID)
		if err != nil || c == nil {
			return false
		}
		last = c
		return pred(c)
	}, 2*time.Second, 2*time.Millisecond)
	return last
}

func twoStepSpell(f *fixture, exposed ...string) *core.Spell {
	f.t.Helper()
	spell, err := f.sched.CreateSpell(context.Background(), "U1", SpellSpec{
		Name: "chain",
		Steps: []core.SpellStep{
			{StepID: "gen", ToolIdentifier: "echo", Parameters: map[string]interface{}{"input_prompt": "seed"}},
			{StepID: "refine", ToolIdentifier: "echo", Parameters: map[string]interface{}{}},
		},
		Connections:   []core.SpellConnection{conn("gen", "text", "refine", "input_prompt")},
		ExposedInputs: exposed,
	})
	require.NoError(f.t, err)
	return spell
}

func TestCastRoutesOutputsThroughConnections(t *testing.T) {
	f := newFixture(t, "complete")
	f.exec.payload = map[string]interface{}{"text": "from-gen"}
	spell := twoStepSpell(f)

	cast, err := f.sched.Cast(context.Background(), CastRequest{
		Slug: spell.Slug, Caster: "U1", Platform: "web",
	})
	require.NoError(t, err)
	require.Len(t, cast.Steps, 2)

	done := f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenCompleted })

	require.Equal(t, 2, f.exec.requestCount())
	first, second := f.exec.requestAt(0), f.exec.requestAt(1)

	assert.Equal(t, "seed", first.Inputs["input_prompt"])
	assert.Equal(t, "none", first.Platform)
	assert.Equal(t, "from-gen", second.Inputs["input_prompt"], "routed output")
	assert.Equal(t, "web", second.Platform, "final step notifies")

	assert.True(t, first.Meta.IsSpell)
	assert.Equal(t, cast.ID, first.Meta.SpellCastID)
	assert.Equal(t, 0, first.Meta.StepIndex)
	assert.Equal(t, 1, second.Meta.StepIndex)

	assert.Equal(t, "from-gen", done.Output["text"])
	for _, st := range done.Steps {
		assert.Equal(t, core.GenCompleted, st.Status)
		assert.NotEmpty(t, st.GenerationID)
	}

	stepEvents := f.bus.ofType(events.TypeSpellStepCompleted)
	require.Len(t, stepEvents, 1, "only the intermediate step announces")
	assert.Equal(t, 0, stepEvents[0].Data["stepIndex"])
}

func TestCastContextOverridesParameters(t *testing.T) {
	f := newFixture(t, "complete")
	spell := twoStepSpell(f, "gen.input_prompt")

	cast, err := f.sched.Cast(context.Background(), CastRequest{
		Slug:    spell.Slug,
		Caster:  "U1",
		Context: map[string]interface{}{"gen.input_prompt": "override"},
	})
	require.NoError(t, err)
	f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenCompleted })

	assert.Equal(t, "override", f.exec.requestAt(0).Inputs["input_prompt"])
}

func TestCastRejectsUnknownContextKey(t *testing.T) {
	f := newFixture(t, "complete")
	spell := twoStepSpell(f, "gen.input_prompt")

	_, err := f.sched.Cast(context.Background(), CastRequest{
		Slug:    spell.Slug,
		Caster:  "U1",
		Context: map[string]interface{}{"refine.input_prompt": "sneaky"},
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Empty(t, f.store.casts, "no cast record for a rejected request")
}

func TestCastVisibility(t *testing.T) {
	f := newFixture(t, "complete")
	ctx := context.Background()
	spell := twoStepSpell(f)

	_, err := f.sched.Cast(ctx, CastRequest{Slug: spell.Slug, Caster: "stranger"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))

	listed, err := f.sched.CreateSpell(ctx, "U1", SpellSpec{
		Name:       "open chain",
		Visibility: "listed",
		Steps:      steps("a"),
	})
	require.NoError(t, err)

	cast, err := f.sched.Cast(ctx, CastRequest{Slug: listed.Slug, Caster: "stranger"})
	require.NoError(t, err)
	done := f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenCompleted })
	assert.Equal(t, "stranger", done.Caster)
}

func TestCastFailsWhenWiredOutputMissing(t *testing.T) {
	f := newFixture(t, "complete")
	// payload carries images but the connection asks for "text"
	f.exec.payload = map[string]interface{}{"images": []interface{}{}}
	spell := twoStepSpell(f)

	cast, err := f.sched.Cast(context.Background(), CastRequest{Slug: spell.Slug, Caster: "U1"})
	require.NoError(t, err)

	done := f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenFailed })
	assert.Equal(t, core.GenCompleted, done.Steps[0].Status)
	assert.Equal(t, core.GenFailed, done.Steps[1].Status)
	assert.Equal(t, 1, f.exec.requestCount(), "second step never submits")
}

func TestCastFailsWhenStepGenerationFails(t *testing.T) {
	f := newFixture(t, "hold")
	spell := twoStepSpell(f)

	cast, err := f.sched.Cast(context.Background(), CastRequest{Slug: spell.Slug, Caster: "U1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.exec.requestCount() == 1 },
		2*time.Second, 2*time.Millisecond)

	f.exec.mu.Lock()
	heldID := f.exec.held[0]
	f.exec.held = nil
	f.exec.mu.Unlock()
	f.store.finishGen(heldID, core.GenFailed, decimal.Zero, nil)

	done := f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenFailed })
	assert.Equal(t, core.GenFailed, done.Steps[0].Status)
	assert.Equal(t, core.GenPending, done.Steps[1].Status, "downstream step never ran")
	assert.Equal(t, 1, f.exec.requestCount())
}

func TestCastAggregatesMultipleFinalOutputs(t *testing.T) {
	f := newFixture(t, "complete")
	f.exec.payload = map[string]interface{}{"text": "out"}
	spell, err := f.sched.CreateSpell(context.Background(), "U1", SpellSpec{
		Name: "fan out",
		Steps: []core.SpellStep{
			{StepID: "src", ToolIdentifier: "echo", Parameters: map[string]interface{}{"input_prompt": "seed"}},
			{StepID: "left", ToolIdentifier: "echo"},
			{StepID: "right", ToolIdentifier: "echo"},
		},
		Connections: []core.SpellConnection{
			conn("src", "text", "left", "input_prompt"),
			conn("src", "text", "right", "input_prompt"),
		},
	})
	require.NoError(t, err)

	cast, err := f.sched.Cast(context.Background(), CastRequest{Slug: spell.Slug, Caster: "U1", Platform: "web"})
	require.NoError(t, err)
	done := f.waitCast(cast.ID, func(c *core.SpellCast) bool { return c.Status == core.GenCompleted })

	require.Len(t, done.Output, 2)
	assert.NotNil(t, done.Output["left"])
	assert.NotNil(t, done.Output["right"])
	assert.NotContains(t, done.Output, "src")

	// both sinks notify, only the source announces on the bus
	assert.Equal(t, "web", f.exec.requestAt(1).Platform)
	assert.Equal(t, "web", f.exec.requestAt(2).Platform)
	require.Len(t, f.bus.ofType(events.TypeSpellStepCompleted), 1)
}
