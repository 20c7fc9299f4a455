package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ==== spells ================================================================

// CreateSpell stores a multi-step workflow under the caller's account.
func (c *Client) CreateSpell(ctx context.Context, spec SpellSpec) (*Spell, error) {
	var out Spell
	if err := c.do(ctx, http.MethodPost, apiBase+"/spells", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Spells lists the spells visible to the caller (owned + public).
func (c *Client) Spells(ctx context.Context) ([]Spell, error) {
	var out struct {
		Spells []Spell `json:"spells"`
	}
	if err := c.do(ctx, http.MethodGet, apiBase+"/spells", nil, &out); err != nil {
		return nil, err
	}
	return out.Spells, nil
}

func (c *Client) Spell(ctx context.Context, slug string) (*Spell, error) {
	var out Spell
	if err := c.do(ctx, http.MethodGet, apiBase+"/spells/"+url.PathEscape(slug), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSpell(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, apiBase+"/spells/"+url.PathEscape(slug), nil, nil)
}

// CastSpell starts a cast; steps run server-side in the background. Poll
// Cast with the returned CastID.
func (c *Client) CastSpell(ctx context.Context, slug string, castContext map[string]interface{}) (*CastHandle, error) {
	body := map[string]interface{}{
		"slug":    slug,
		"context": castContext,
	}
	var out CastHandle
	if err := c.do(ctx, http.MethodPost, apiBase+"/spells/cast", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cast fetches a running or finished cast with its per-step states.
func (c *Client) Cast(ctx context.Context, castID string) (*SpellCast, error) {
	var out SpellCast
	if err := c.do(ctx, http.MethodGet, apiBase+"/spells/casts/"+url.PathEscape(castID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ==== collections ===========================================================

// CreateCollection stores a draft batch job. Start it with StartCollection.
func (c *Client) CreateCollection(ctx context.Context, spec CollectionSpec) (*Collection, error) {
	var out Collection
	if err := c.do(ctx, http.MethodPost, apiBase+"/collections", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Collections lists the caller's batch jobs, optionally filtered by status.
func (c *Client) Collections(ctx context.Context, status string) ([]Collection, error) {
	path := apiBase + "/collections"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Collections []Collection `json:"collections"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Collections, nil
}

func (c *Client) Collection(ctx context.Context, collectionID string) (*Collection, error) {
	var out Collection
	if err := c.do(ctx, http.MethodGet, apiBase+"/collections/"+url.PathEscape(collectionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartCollection(ctx context.Context, collectionID string) (*Collection, error) {
	return c.collectionTransition(ctx, collectionID, "start")
}

func (c *Client) PauseCollection(ctx context.Context, collectionID string) (*Collection, error) {
	return c.collectionTransition(ctx, collectionID, "pause")
}

func (c *Client) ResumeCollection(ctx context.Context, collectionID string) (*Collection, error) {
	return c.collectionTransition(ctx, collectionID, "resume")
}

func (c *Client) StopCollection(ctx context.Context, collectionID string) (*Collection, error) {
	return c.collectionTransition(ctx, collectionID, "stop")
}

func (c *Client) collectionTransition(ctx context.Context, collectionID, op string) (*Collection, error) {
	var out Collection
	path := apiBase + "/collections/" + url.PathEscape(collectionID) + "/cook/" + op
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewPiece accepts or rejects one generated piece awaiting review.
func (c *Client) ReviewPiece(ctx context.Context, collectionID, generationID string, accept bool) (*Collection, error) {
	body := map[string]interface{}{
		"generationId": generationID,
		"accept":       accept,
	}
	var out Collection
	path := apiBase + "/collections/" + url.PathEscape(collectionID) + "/review"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportCollection queues the accepted pieces for packaging into a zip.
func (c *Client) ExportCollection(ctx context.Context, collectionID string) (*ExportJob, error) {
	var out ExportJob
	path := apiBase + "/collections/" + url.PathEscape(collectionID) + "/export"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportStatus polls a packaging job.
func (c *Client) ExportStatus(ctx context.Context, collectionID, jobID string) (*ExportJob, error) {
	var out ExportJob
	path := apiBase + "/collections/" + url.PathEscape(collectionID) + "/export/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ==== trainings =============================================================

// CreateDataset registers an uploaded image set for training.
func (c *Client) CreateDataset(ctx context.Context, name string, imageKeys []string) (*Dataset, error) {
	body := map[string]interface{}{
		"name":      name,
		"imageKeys": imageKeys,
	}
	var out Dataset
	if err := c.do(ctx, http.MethodPost, apiBase+"/trainings/datasets", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Dataset(ctx context.Context, datasetID string) (*Dataset, error) {
	var out Dataset
	if err := c.do(ctx, http.MethodGet, apiBase+"/trainings/datasets/"+url.PathEscape(datasetID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTraining opens a LoRA training job on a rented GPU. Track it via
// Training (job view) or WaitForGeneration on its GenerationID (lifecycle
// view, including live SSH progress).
func (c *Client) CreateTraining(ctx context.Context, spec TrainingSpec) (*Training, error) {
	var out Training
	if err := c.do(ctx, http.MethodPost, apiBase+"/trainings", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Trainings(ctx context.Context, limit int) ([]Training, error) {
	path := apiBase + "/trainings"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Trainings []Training `json:"trainings"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Trainings, nil
}

func (c *Client) Training(ctx context.Context, trainingID string) (*Training, error) {
	var out Training
	if err := c.do(ctx, http.MethodGet, apiBase+"/trainings/"+url.PathEscape(trainingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTraining(ctx context.Context, trainingID string) (*Training, error) {
	var out Training
	if err := c.do(ctx, http.MethodPost, apiBase+"/trainings/"+url.PathEscape(trainingID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
