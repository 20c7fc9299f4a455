package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/engine"
	"github.com/noemahq/noema/internal/middleware"
)

// defaultTrainingTool is the registry entry backing LoRA training when the
// request does not pick one explicitly.
const defaultTrainingTool = "lora-trainer"

// handleTrainingCreate opens a training job: persists the job record, then
// submits a generation on the training tool so costing, timeouts and
// notifications ride the normal lifecycle.
func (s *Server) handleTrainingCreate(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var body struct {
		LoraName             string `json:"loraName"`
		DatasetID            string `json:"datasetId"`
		BaseModel            string `json:"baseModel"`
		Steps                int64  `json:"steps"`
		ArtifactDest         string `json:"artifactDest"`
		HFRepo               string `json:"hfRepo"`
		ToolID               string `json:"toolId"`
		NotificationPlatform string `json:"notificationPlatform"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.LoraName == "" || body.DatasetID == "" || body.BaseModel == "" {
		writeError(w, core.E(core.KindInvalidInput, "loraName, datasetId and baseModel are required"))
		return
	}

	ds, err := s.deps.Trainings.FindDatasetByID(r.Context(), body.DatasetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ds == nil || ds.MasterAccountID != user.ID {
		writeError(w, core.E(core.KindNotFound, "dataset %s not found", body.DatasetID))
		return
	}

	if body.ArtifactDest == "" {
		body.ArtifactDest = "r2"
	}
	training := &core.Training{
		ID:              core.NewID(),
		MasterAccountID: user.ID,
		LoraName:        body.LoraName,
		DatasetID:       body.DatasetID,
		BaseModel:       body.BaseModel,
		Status:          core.TrainingQueued,
		ArtifactDest:    body.ArtifactDest,
		CreatedAt:       core.Now(),
	}
	if err := s.deps.Trainings.CreateTraining(r.Context(), training); err != nil {
		writeError(w, err)
		return
	}

	toolID := body.ToolID
	if toolID == "" {
		toolID = defaultTrainingTool
	}
	inputs := map[string]interface{}{
		"trainingId":   training.ID,
		"loraName":     body.LoraName,
		"datasetId":    body.DatasetID,
		"baseModel":    body.BaseModel,
		"artifactDest": body.ArtifactDest,
	}
	if body.Steps > 0 {
		inputs["steps"] = body.Steps
	}
	if body.HFRepo != "" {
		inputs["hfRepo"] = body.HFRepo
	}

	res, err := s.deps.Engine.Execute(r.Context(), engine.ExecuteRequest{
		User:           user,
		ToolIdentifier: toolID,
		Inputs:         inputs,
		Platform:       body.NotificationPlatform,
	})
	if err != nil {
		// The record stays for the audit trail; the job never started.
		s.deps.Trainings.SetTrainingStatus(r.Context(), training.ID, core.TrainingFailed)
		writeError(w, err)
		return
	}

	if err := s.deps.Trainings.SetTrainingGeneration(r.Context(), training.ID,
		res.Generation.ID, core.TrainingProvisioning); err != nil {
		writeError(w, err)
		return
	}
	training.GenerationID = res.Generation.ID
	training.Status = core.TrainingProvisioning

	writeJSON(w, http.StatusAccepted, training)
}

func (s *Server) handleTrainingList(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

	trainings, err := s.deps.Trainings.ListTrainings(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trainings": trainings,
		"count":     len(trainings),
	})
}

func (s *Server) handleTrainingGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	training, err := s.ownedTraining(r, mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, training)
}

func (s *Server) handleTrainingCancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	training, err := s.ownedTraining(r, mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if training.GenerationID != "" {
		if _, err := s.deps.Engine.Cancel(r.Context(), training.GenerationID, user.ID); err != nil {
			// A lifecycle already finished is fine; anything else aborts.
			if !core.IsKind(err, core.KindConflict) && !core.IsKind(err, core.KindNotFound) {
				writeError(w, err)
				return
			}
		}
	}
	if err := s.deps.Trainings.SetTrainingStatus(r.Context(), training.ID, core.TrainingCancelled); err != nil {
		writeError(w, err)
		return
	}
	training.Status = core.TrainingCancelled
	writeJSON(w, http.StatusOK, training)
}

func (s *Server) ownedTraining(r *http.Request, id, masterAccountID string) (*core.Training, error) {
	training, err := s.deps.Trainings.FindTrainingByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if training == nil || training.MasterAccountID != masterAccountID {
		return nil, core.E(core.KindNotFound, "training %s not found", id)
	}
	return training, nil
}

func (s *Server) handleDatasetCreate(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var body struct {
		Name      string   `json:"name"`
		ImageKeys []string `json:"imageKeys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" || len(body.ImageKeys) == 0 {
		writeError(w, core.E(core.KindInvalidInput, "name and imageKeys are required"))
		return
	}

	ds := &core.Dataset{
		ID:              core.NewID(),
		MasterAccountID: user.ID,
		Name:            body.Name,
		ImageKeys:       body.ImageKeys,
		CreatedAt:       core.Now(),
	}
	if err := s.deps.Trainings.CreateDataset(r.Context(), ds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleDatasetGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	ds, err := s.deps.Trainings.FindDatasetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if ds == nil || ds.MasterAccountID != user.ID {
		writeError(w, core.E(core.KindNotFound, "dataset not found"))
		return
	}
	writeJSON(w, http.StatusOK, ds)
}
