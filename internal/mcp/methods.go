package mcp

import (
	"context"
	"encoding/json"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/scheduler"
)

// The spells/collections/trainings methods mirror the REST routes of the
// same names: identical validation, identical ownership rules, identical
// response shapes. A client switching transports sees the same objects.

func decodeParams(params json.RawMessage, dst interface{}) *rpcError {
	if len(params) == 0 {
		return &rpcError{Code: errCodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// --- spells ---

func (h *Handler) spellsCreate(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var spec scheduler.SpellSpec
	if rpcErr := decodeParams(params, &spec); rpcErr != nil {
		return nil, rpcErr
	}
	spell, err := h.deps.Spells.CreateSpell(ctx, user.ID, spec)
	if err != nil {
		return nil, domainError(err)
	}
	return spell, nil
}

func (h *Handler) spellsList(ctx context.Context, user *core.User) (interface{}, *rpcError) {
	spells, err := h.deps.Spells.ListSpells(ctx, user.ID)
	if err != nil {
		return nil, domainError(err)
	}
	return map[string]interface{}{"spells": spells, "count": len(spells)}, nil
}

func (h *Handler) spellsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Slug string `json:"slug"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	spell, err := h.deps.Spells.GetSpell(ctx, p.Slug, user.ID)
	if err != nil {
		return nil, domainError(err)
	}
	return spell, nil
}

func (h *Handler) spellsDelete(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Slug string `json:"slug"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := h.deps.Spells.DeleteSpell(ctx, p.Slug, user.ID); err != nil {
		return nil, domainError(err)
	}
	return map[string]interface{}{"deleted": true, "slug": p.Slug}, nil
}

func (h *Handler) spellsCast(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Slug    string                 `json:"slug"`
		Context map[string]interface{} `json:"context"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	cast, err := h.deps.Spells.Cast(ctx, scheduler.CastRequest{
		Slug:    p.Slug,
		Caster:  user.ID,
		Context: p.Context,
	})
	if err != nil {
		return nil, domainError(err)
	}
	return map[string]interface{}{
		"castId": cast.ID,
		"slug":   cast.Slug,
		"status": cast.Status,
	}, nil
}

func (h *Handler) spellsCastsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		CastID string `json:"castId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	cast, err := h.deps.Spells.GetCast(ctx, p.CastID, user.ID)
	if err != nil {
		return nil, domainError(err)
	}
	return cast, nil
}

// --- collections ---

func (h *Handler) collectionsCreate(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var spec scheduler.CookSpec
	if rpcErr := decodeParams(params, &spec); rpcErr != nil {
		return nil, rpcErr
	}
	cook, err := h.deps.Cooks.CreateCook(ctx, user.ID, spec)
	if err != nil {
		return nil, domainError(err)
	}
	return cook, nil
}

func (h *Handler) collectionsList(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Status string `json:"status"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	cooks, err := h.deps.Cooks.ListCooks(ctx, user.ID, core.CookStatus(p.Status))
	if err != nil {
		return nil, domainError(err)
	}
	return map[string]interface{}{"collections": cooks, "count": len(cooks)}, nil
}

func (h *Handler) collectionsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		CollectionID string `json:"collectionId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	cook, err := h.deps.Cooks.GetCook(ctx, p.CollectionID, user.ID)
	if err != nil {
		return nil, domainError(err)
	}
	return cook, nil
}

func (h *Handler) collectionsTransition(ctx context.Context, user *core.User, op string, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		CollectionID string `json:"collectionId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	var (
		cook *core.Cook
		err  error
	)
	switch op {
	case "start":
		cook, err = h.deps.Cooks.StartCook(ctx, p.CollectionID, user.ID)
	case "pause":
		cook, err = h.deps.Cooks.PauseCook(ctx, p.CollectionID, user.ID)
	case "resume":
		cook, err = h.deps.Cooks.ResumeCook(ctx, p.CollectionID, user.ID)
	case "stop":
		cook, err = h.deps.Cooks.StopCook(ctx, p.CollectionID, user.ID)
	}
	if err != nil {
		return nil, domainError(err)
	}
	return cook, nil
}

func (h *Handler) collectionsReview(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		CollectionID string `json:"collectionId"`
		GenerationID string `json:"generationId"`
		Accept       *bool  `json:"accept"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.GenerationID == "" || p.Accept == nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "generationId and accept are required"}
	}
	cook, err := h.deps.Cooks.Review(ctx, p.CollectionID, user.ID, p.GenerationID, *p.Accept)
	if err != nil {
		return nil, domainError(err)
	}
	return cook, nil
}

func (h *Handler) collectionsExport(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		CollectionID string `json:"collectionId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	job, err := h.deps.Exporter.Enqueue(ctx, p.CollectionID, user.ID)
	if err != nil {
		return nil, domainError(err)
	}
	return job, nil
}

func (h *Handler) collectionsExportStatus(user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	job, ok := h.deps.Exporter.Job(p.JobID)
	if !ok || job.MasterAccountID != user.ID {
		return nil, domainError(core.E(core.KindNotFound, "export job %s not found", p.JobID))
	}
	return job, nil
}

// --- trainings ---

func (h *Handler) trainingsCreate(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		LoraName     string `json:"loraName"`
		DatasetID    string `json:"datasetId"`
		BaseModel    string `json:"baseModel"`
		Steps        int64  `json:"steps"`
		ArtifactDest string `json:"artifactDest"`
		HFRepo       string `json:"hfRepo"`
		ToolID       string `json:"toolId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.LoraName == "" || p.DatasetID == "" || p.BaseModel == "" {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "loraName, datasetId and baseModel are required"}
	}

	ds, err := h.deps.Trainings.FindDatasetByID(ctx, p.DatasetID)
	if err != nil {
		return nil, domainError(err)
	}
	if ds == nil || ds.MasterAccountID != user.ID {
		return nil, domainError(core.E(core.KindNotFound, "dataset %s not found", p.DatasetID))
	}

	if p.ArtifactDest == "" {
		p.ArtifactDest = "r2"
	}
	training := &core.Training{
		ID:              core.NewID(),
		MasterAccountID: user.ID,
		LoraName:        p.LoraName,
		DatasetID:       p.DatasetID,
		BaseModel:       p.BaseModel,
		Status:          core.TrainingQueued,
		ArtifactDest:    p.ArtifactDest,
		CreatedAt:       core.Now(),
	}
	if err := h.deps.Trainings.CreateTraining(ctx, training); err != nil {
		return nil, domainError(err)
	}

	toolID := p.ToolID
	if toolID == "" {
		toolID = "lora-trainer"
	}
	inputs := map[string]interface{}{
		"trainingId":   training.ID,
		"loraName":     p.LoraName,
		"datasetId":    p.DatasetID,
		"baseModel":    p.BaseModel,
		"artifactDest": p.ArtifactDest,
	}
	if p.Steps > 0 {
		inputs["steps"] = p.Steps
	}
	if p.HFRepo != "" {
		inputs["hfRepo"] = p.HFRepo
	}

	res, err := h.deps.Engine.Execute(ctx, engine.ExecuteRequest{
		User:           user,
		ToolIdentifier: toolID,
		Inputs:         inputs,
	})
	if err != nil {
		h.deps.Trainings.SetTrainingStatus(ctx, training.ID, core.TrainingFailed)
		return nil, domainError(err)
	}
	if err := h.deps.Trainings.SetTrainingGeneration(ctx, training.ID,
		res.Generation.ID, core.TrainingProvisioning); err != nil {
		return nil, domainError(err)
	}
	training.GenerationID = res.Generation.ID
	training.Status = core.TrainingProvisioning
	return training, nil
}

func (h *Handler) trainingsList(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Limit int64 `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	trainings, err := h.deps.Trainings.ListTrainings(ctx, user.ID, p.Limit)
	if err != nil {
		return nil, domainError(err)
	}
	return map[string]interface{}{"trainings": trainings, "count": len(trainings)}, nil
}

func (h *Handler) trainingsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		TrainingID string `json:"trainingId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	training, rpcErr := h.ownedTraining(ctx, p.TrainingID, user.ID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return training, nil
}

func (h *Handler) trainingsCancel(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		TrainingID string `json:"trainingId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	training, rpcErr := h.ownedTraining(ctx, p.TrainingID, user.ID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if training.GenerationID != "" {
		if _, err := h.deps.Engine.Cancel(ctx, training.GenerationID, user.ID); err != nil {
			if !core.IsKind(err, core.KindConflict) && !core.IsKind(err, core.KindNotFound) {
				return nil, domainError(err)
			}
		}
	}
	if err := h.deps.Trainings.SetTrainingStatus(ctx, training.ID, core.TrainingCancelled); err != nil {
		return nil, domainError(err)
	}
	training.Status = core.TrainingCancelled
	return training, nil
}

func (h *Handler) ownedTraining(ctx context.Context, id, masterAccountID string) (*core.Training, *rpcError) {
	training, err := h.deps.Trainings.FindTrainingByID(ctx, id)
	if err != nil {
		return nil, domainError(err)
	}
	if training == nil || training.MasterAccountID != masterAccountID {
		return nil, domainError(core.E(core.KindNotFound, "training %s not found", id))
	}
	return training, nil
}

func (h *Handler) datasetsCreate(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Name      string   `json:"name"`
		ImageKeys []string `json:"imageKeys"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Name == "" || len(p.ImageKeys) == 0 {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "name and imageKeys are required"}
	}

	ds := &core.Dataset{
		ID:              core.NewID(),
		MasterAccountID: user.ID,
		Name:            p.Name,
		ImageKeys:       p.ImageKeys,
		CreatedAt:       core.Now(),
	}
	if err := h.deps.Trainings.CreateDataset(ctx, ds); err != nil {
		return nil, domainError(err)
	}
	return ds, nil
}

func (h *Handler) datasetsGet(ctx context.Context, user *core.User, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		DatasetID string `json:"datasetId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	ds, err := h.deps.Trainings.FindDatasetByID(ctx, p.DatasetID)
	if err != nil {
		return nil, domainError(err)
	}
	if ds == nil || ds.MasterAccountID != user.ID {
		return nil, domainError(core.E(core.KindNotFound, "dataset not found"))
	}
	return ds, nil
}
