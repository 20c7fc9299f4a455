package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/events"
)

// ============================================================================
// SPELL GRAPH
// ============================================================================

// TopoOrder returns step indexes in execution order (Kahn's algorithm).
// Steps with no dependency between them run in declaration order. A cycle
// or a connection to an unknown step is INVALID_INPUT.
func TopoOrder(spell *core.Spell) ([]int, error) {
	n := len(spell.Steps)
	idx := make(map[string]int, n)
	for i, st := range spell.Steps {
		if st.StepID == "" {
			return nil, core.E(core.KindInvalidInput, "step %d has no stepId", i)
		}
		if _, dup := idx[st.StepID]; dup {
			return nil, core.E(core.KindInvalidInput, "duplicate stepId %q", st.StepID)
		}
		idx[st.StepID] = i
	}

	indegree := make([]int, n)
	successors := make([][]int, n)
	for _, c := range spell.Connections {
		from, ok := idx[c.From.StepID]
		if !ok {
			return nil, core.E(core.KindInvalidInput, "connection from unknown step %q", c.From.StepID)
		}
		to, ok := idx[c.To.StepID]
		if !ok {
			return nil, core.E(core.KindInvalidInput, "connection to unknown step %q", c.To.StepID)
		}
		if from == to {
			return nil, core.E(core.KindInvalidInput, "step %q feeds itself", c.From.StepID)
		}
		successors[from] = append(successors[from], to)
		indegree[to]++
	}

	var frontier []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	order := make([]int, 0, n)
	for len(frontier) > 0 {
		sort.Ints(frontier)
		cur := frontier[0]
		frontier = frontier[1:]
		order = append(order, cur)
		for _, next := range successors[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if len(order) != n {
		return nil, core.E(core.KindInvalidInput, "spell graph has a cycle")
	}
	return order, nil
}

// ValidateSpell checks the stored shape: at least one step, a well-formed
// acyclic graph, named connection endpoints and exposedInputs that point at
// real steps.
func ValidateSpell(spell *core.Spell) error {
	if len(spell.Steps) == 0 {
		return core.E(core.KindInvalidInput, "a spell needs at least one step")
	}
	switch spell.Visibility {
	case "private", "listed", "public":
	default:
		return core.E(core.KindInvalidInput, "visibility must be private, listed or public, got %q", spell.Visibility)
	}
	for _, c := range spell.Connections {
		if c.From.Output == "" || c.To.Input == "" {
			return core.E(core.KindInvalidInput, "connection %s → %s must name an output and an input", c.From.StepID, c.To.StepID)
		}
	}
	if _, err := TopoOrder(spell); err != nil {
		return err
	}
	known := make(map[string]bool, len(spell.Steps))
	for _, st := range spell.Steps {
		known[st.StepID] = true
	}
	for _, key := range spell.ExposedInputs {
		stepID, param, ok := strings.Cut(key, ".")
		if !ok || param == "" || !known[stepID] {
			return core.E(core.KindInvalidInput, "exposed input %q must be stepId.parameter of a real step", key)
		}
	}
	return nil
}

// finalStepIDs are the sinks of the graph: steps with no outgoing edge.
// Only these notify; everything upstream is plumbing.
func finalStepIDs(spell *core.Spell) map[string]bool {
	final := make(map[string]bool, len(spell.Steps))
	for _, st := range spell.Steps {
		final[st.StepID] = true
	}
	for _, c := range spell.Connections {
		delete(final, c.From.StepID)
	}
	return final
}

// ============================================================================
// SPELL OPERATIONS
// ============================================================================

// SpellSpec is the creation payload for a stored workflow.
type SpellSpec struct {
	Slug          string                 `json:"slug"`
	Name          string                 `json:"name"`
	Visibility    string                 `json:"visibility"`
	Steps         []core.SpellStep       `json:"steps"`
	Connections   []core.SpellConnection `json:"connections"`
	ExposedInputs []string               `json:"exposedInputs"`
}

// CreateSpell validates, resolves every step's tool and persists.
func (s *Scheduler) CreateSpell(ctx context.Context, owner string, spec SpellSpec) (*core.Spell, error) {
	spell := &core.Spell{
		Slug:          spec.Slug,
		Name:          spec.Name,
		Visibility:    spec.Visibility,
		Steps:         spec.Steps,
		Connections:   spec.Connections,
		ExposedInputs: spec.ExposedInputs,
		Owner:         owner,
		CreatedAt:     core.Now(),
	}
	if spell.Slug == "" {
		spell.Slug = core.Slugify(spec.Name)
	}
	if spell.Slug == "" {
		return nil, core.E(core.KindInvalidInput, "spell needs a slug or a name")
	}
	if spell.Visibility == "" {
		spell.Visibility = "private"
	}
	if err := ValidateSpell(spell); err != nil {
		return nil, err
	}
	for _, st := range spell.Steps {
		if _, ok := s.tools.Resolve(st.ToolIdentifier); !ok {
			return nil, core.E(core.KindNotFound, "step %q uses unknown tool %q", st.StepID, st.ToolIdentifier)
		}
	}
	if err := s.store.CreateSpell(ctx, spell); err != nil {
		return nil, err
	}
	return spell, nil
}

// ListSpells returns the caller's spells plus any listed/public ones.
func (s *Scheduler) ListSpells(ctx context.Context, masterAccountID string) ([]core.Spell, error) {
	return s.store.ListSpells(ctx, masterAccountID)
}

// DeleteSpell removes an owned spell. Running casts keep their snapshot of
// the graph and finish undisturbed.
func (s *Scheduler) DeleteSpell(ctx context.Context, slug, owner string) error {
	return s.store.DeleteSpell(ctx, slug, owner)
}

// GetSpell applies visibility: private spells exist only for their owner.
func (s *Scheduler) GetSpell(ctx context.Context, slug, masterAccountID string) (*core.Spell, error) {
	spell, err := s.store.FindSpellBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if spell == nil || (spell.Visibility == "private" && spell.Owner != masterAccountID) {
		return nil, core.E(core.KindNotFound, "spell %q not found", slug)
	}
	return spell, nil
}

// CastRequest starts one execution of a spell.
type CastRequest struct {
	Slug     string                 `json:"slug"`
	Caster   string                 `json:"masterAccountId"`
	Context  map[string]interface{} `json:"context"`
	Platform string                 `json:"notificationPlatform"`
}

// Cast validates the request, persists the cast record and runs the steps
// in the background. The caller polls GetCast; the HTTP connection going
// away never stops a cast.
func (s *Scheduler) Cast(ctx context.Context, req CastRequest) (*core.SpellCast, error) {
	spell, err := s.GetSpell(ctx, req.Slug, req.Caster)
	if err != nil {
		return nil, err
	}
	order, err := TopoOrder(spell)
	if err != nil {
		return nil, err
	}

	exposed := make(map[string]bool, len(spell.ExposedInputs))
	for _, key := range spell.ExposedInputs {
		exposed[key] = true
	}
	for key := range req.Context {
		if !exposed[key] {
			return nil, core.E(core.KindInvalidInput, "context key %q is not an exposed input of %q", key, spell.Slug)
		}
	}

	cast := &core.SpellCast{
		ID:        core.NewID(),
		Slug:      spell.Slug,
		Caster:    req.Caster,
		Context:   req.Context,
		Status:    core.GenProcessing,
		Steps:     make([]core.CastStepState, len(spell.Steps)),
		CreatedAt: core.Now(),
		UpdatedAt: core.Now(),
	}
	for i, st := range spell.Steps {
		cast.Steps[i] = core.CastStepState{StepID: st.StepID, Status: core.GenPending}
	}
	if err := s.store.CreateSpellCast(ctx, cast); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.runCast(spell, cast, order, req.Platform)
	s.logger.Printf("🪄 cast %s of %q started (%d steps)", cast.ID, spell.Slug, len(spell.Steps))
	return cast, nil
}

// GetCast returns an owned cast.
func (s *Scheduler) GetCast(ctx context.Context, castID, masterAccountID string) (*core.SpellCast, error) {
	cast, err := s.store.FindSpellCastByID(ctx, castID)
	if err != nil {
		return nil, err
	}
	if cast == nil || (masterAccountID != "" && cast.Caster != masterAccountID) {
		return nil, core.E(core.KindNotFound, "cast %s not found", castID)
	}
	return cast, nil
}

// ============================================================================
// CAST RUNNER
// ============================================================================

// runCast walks the steps in topological order. Intermediate steps run with
// platform none and announce themselves on the bus; final steps inherit the
// cast's platform so the engine's usual notification gate applies.
func (s *Scheduler) runCast(spell *core.Spell, cast *core.SpellCast, order []int, platform string) {
	defer s.wg.Done()

	outputs := make(map[string]map[string]interface{}, len(spell.Steps))
	final := finalStepIDs(spell)

	for _, stepIdx := range order {
		step := spell.Steps[stepIdx]

		params, err := stepInputs(spell, cast, step, outputs)
		if err != nil {
			s.failCast(cast, stepIdx, err)
			return
		}

		stepPlatform := "none"
		if final[step.StepID] {
			stepPlatform = platform
		}

		res, err := s.exec.Execute(s.ctx, engine.ExecuteRequest{
			User:           s.casterUser(cast.Caster),
			ToolIdentifier: step.ToolIdentifier,
			Inputs:         params,
			Platform:       stepPlatform,
			Meta: core.GenerationMeta{
				IsSpell:     true,
				SpellCastID: cast.ID,
				StepIndex:   stepIdx,
			},
		})
		if err != nil {
			s.failCast(cast, stepIdx, err)
			return
		}
		s.patchStep(cast, stepIdx, core.GenProcessing, res.Generation.ID, nil)

		gen, err := s.awaitGeneration(res.Generation.ID)
		if err != nil {
			s.failCast(cast, stepIdx, err)
			return
		}
		if gen.Status != core.GenCompleted {
			s.failCast(cast, stepIdx, core.E(core.KindUpstreamFailed, "step %q ended %s", step.StepID, gen.Status))
			return
		}

		outputs[step.StepID] = gen.ResultPayload
		s.patchStep(cast, stepIdx, core.GenCompleted, gen.ID, gen.ResultPayload)
		if !final[step.StepID] {
			s.bus.Publish(events.SpellStepCompleted(cast.Caster, cast.ID, stepIdx, gen.ResultPayload))
		}
	}

	out := make(map[string]interface{})
	if len(final) == 1 {
		for id := range final {
			for k, v := range outputs[id] {
				out[k] = v
			}
		}
	} else {
		for id := range final {
			out[id] = outputs[id]
		}
	}

	cast.Status = core.GenCompleted
	cast.Output = out
	if err := s.store.UpdateSpellCast(s.ctx, cast.ID, bson.M{
		"status":    core.GenCompleted,
		"output":    out,
		"updatedAt": core.Now(),
	}); err != nil {
		s.logger.Printf("⚠️ cast %s finished but state not persisted: %v", cast.ID, err)
		return
	}
	s.logger.Printf("✅ cast %s completed", cast.ID)
}

// stepInputs merges, in override order: authored parameters, routed upstream
// outputs, then caster context ("stepId.parameter" keys for this step).
func stepInputs(spell *core.Spell, cast *core.SpellCast, step core.SpellStep, outputs map[string]map[string]interface{}) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(step.Parameters)+2)
	for k, v := range step.Parameters {
		params[k] = v
	}
	for _, c := range spell.Connections {
		if c.To.StepID != step.StepID {
			continue
		}
		src, ok := outputs[c.From.StepID]
		if !ok {
			return nil, core.E(core.KindInvalidInput, "step %q depends on %q which has not run", step.StepID, c.From.StepID)
		}
		val, ok := src[c.From.Output]
		if !ok {
			return nil, core.E(core.KindUpstreamFailed, "step %q produced no output named %q", c.From.StepID, c.From.Output)
		}
		params[c.To.Input] = val
	}
	for key, val := range cast.Context {
		if stepID, param, ok := strings.Cut(key, "."); ok && stepID == step.StepID {
			params[param] = val
		}
	}
	return params, nil
}

// awaitGeneration polls until the step's generation goes terminal. The
// engine's timeout watchdog guarantees that happens.
func (s *Scheduler) awaitGeneration(id string) (*core.Generation, error) {
	for {
		gen, err := s.store.FindGenerationByID(s.ctx, id)
		if err == nil {
			if gen == nil {
				return nil, core.E(core.KindNotFound, "generation %s vanished", id)
			}
			if gen.Status.Terminal() {
				return gen, nil
			}
		}
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Scheduler) patchStep(cast *core.SpellCast, stepIdx int, status core.GenerationStatus, genID string, output map[string]interface{}) {
	cast.Steps[stepIdx].Status = status
	cast.Steps[stepIdx].GenerationID = genID
	if output != nil {
		cast.Steps[stepIdx].Output = output
	}
	cast.UpdatedAt = core.Now()
	if err := s.store.UpdateSpellCast(s.ctx, cast.ID, bson.M{
		"steps":     cast.Steps,
		"updatedAt": cast.UpdatedAt,
	}); err != nil {
		s.logger.Printf("⚠️ cast %s step %d state not persisted: %v", cast.ID, stepIdx, err)
	}
}

func (s *Scheduler) failCast(cast *core.SpellCast, stepIdx int, cause error) {
	s.logger.Printf("❌ cast %s failed at step %d: %v", cast.ID, stepIdx, cause)
	cast.Steps[stepIdx].Status = core.GenFailed
	cast.Status = core.GenFailed
	if err := s.store.UpdateSpellCast(s.ctx, cast.ID, bson.M{
		"status":    core.GenFailed,
		"steps":     cast.Steps,
		"updatedAt": core.Now(),
	}); err != nil {
		s.logger.Printf("⚠️ cast %s failure not persisted: %v", cast.ID, err)
	}
}
