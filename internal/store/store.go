package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

// FileRemover unlinks output files from disk.
type FileRemover interface {
	Remove(path string) error
}

// Store is the durable record of every Generation and its Outputs.
type Store struct {
	db    *gorm.DB
	files FileRemover
	locks *keyedMutex
}

// New returns a Store backed by db. files may be nil, in which case
// file deletion requests only produce warnings.
func New(db *gorm.DB, files FileRemover) *Store {
	return &Store{
		db:    db,
		files: files,
		locks: newKeyedMutex(),
	}
}

// Patch is a shallow update of a Generation. Nil fields are left untouched.
type Patch struct {
	Status       *models.Status
	ErrorCode    *models.ErrorCode
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ListRequest filters and pages List.
type ListRequest struct {
	Status string
	Limit  int
	Offset int
}

// Create persists a new generation. Prepared input payloads are stripped.
func (s *Store) Create(ctx context.Context, g *models.Generation) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}

	unlock := s.locks.Lock(g.ID)
	defer unlock()

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	for i := range g.InputSources {
		g.InputSources[i] = g.InputSources[i].Sanitize()
	}

	for i, o := range g.Outputs {
		prepareOutput(g.ID, o, i, now)
	}

	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return failure.Storage("create generation", err)
	}

	return nil
}

// Update applies patch to the generation. A status change is only written
// when the current status is a valid predecessor; writing the status the
// record already holds is a no-op.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Patch) (*models.Generation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.ErrorCode != nil {
		updates["error_code"] = *patch.ErrorCode
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		updates["started_at"] = patch.StartedAt.UTC()
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = patch.CompletedAt.UTC()
	}

	q := s.db.WithContext(ctx).Model(&models.Generation{}).Where("id = ?", id)

	if patch.Status != nil {
		updates["status"] = *patch.Status
		q = q.Where("status IN ?", models.Predecessors(*patch.Status))
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return nil, failure.Storage("update generation", res.Error)
	}

	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 && patch.Status != nil && current.Status != *patch.Status {
		return current, fmt.Errorf("%w: %s -> %s", failure.ErrTransition, current.Status, *patch.Status)
	}

	return current, nil
}

// AppendOutputs adds outputs to a non-terminal generation and returns the
// refreshed record. Output indexes must already be assigned by the caller.
func (s *Store) AppendOutputs(ctx context.Context, id uuid.UUID, outputs []*models.Output) (*models.Generation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g models.Generation
		if err := tx.Select("id", "status").First(&g, "id = ?", id).Error; err != nil {
			return err
		}
		if g.Status.Terminal() {
			return fmt.Errorf("%w: generation %s is %s", failure.ErrTransition, id, g.Status)
		}

		for _, o := range outputs {
			prepareOutput(id, o, o.OutputIndex, now)
		}

		if len(outputs) > 0 {
			if err := tx.Create(&outputs).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Generation{}).Where("id = ?", id).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, classify("append outputs", err)
	}

	return s.get(ctx, id)
}

// Get returns the generation with its full, index-ordered outputs.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	var g models.Generation
	if err := s.db.WithContext(ctx).Preload("Outputs", orderOutputs).First(&g, "id = ?", id).Error; err != nil {
		return nil, classify("get generation", err)
	}
	if g.Outputs == nil {
		g.Outputs = make([]*models.Output, 0)
	}
	return &g, nil
}

// List returns generations ordered by creation time, newest first.
func (s *Store) List(ctx context.Context, req ListRequest) (models.Generations, error) {
	q := s.db.WithContext(ctx).Preload("Outputs", orderOutputs)

	if req.Status != "" && req.Status != models.StatusAll {
		status, err := models.ParseStatus(req.Status)
		if err != nil {
			return nil, failure.Validation("%v", err)
		}
		q = q.Where("status = ?", status)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	gens := make(models.Generations, 0)
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&gens).Error; err != nil {
		return nil, failure.Storage("list generations", err)
	}

	for _, g := range gens {
		if g.Outputs == nil {
			g.Outputs = make([]*models.Output, 0)
		}
	}

	return gens, nil
}

// ListUnfinished returns every generation still queued or in progress.
func (s *Store) ListUnfinished(ctx context.Context) (models.Generations, error) {
	gens := make(models.Generations, 0)
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.Status{models.StatusQueued, models.StatusInProgress}).
		Order("created_at").
		Find(&gens).Error
	if err != nil {
		return nil, failure.Storage("list unfinished generations", err)
	}
	return gens, nil
}

// ListTerminalBefore returns terminal generations created before cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (models.Generations, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	gens := make(models.Generations, 0)
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}).
		Where("created_at < ?", cutoff.UTC()).
		Order("created_at").
		Limit(limit).
		Find(&gens).Error
	if err != nil {
		return nil, failure.Storage("list expired generations", err)
	}
	return gens, nil
}

// FindOutput returns a single output row.
func (s *Store) FindOutput(ctx context.Context, outputID uuid.UUID) (*models.Output, error) {
	var o models.Output
	if err := s.db.WithContext(ctx).First(&o, "id = ?", outputID).Error; err != nil {
		return nil, classify("get output", err)
	}
	return &o, nil
}

// DeleteJob removes the generation and all its outputs. When deleteFiles is
// set, local output files are unlinked; unlink failures come back as
// warnings and never fail the metadata deletion.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID, deleteFiles bool) ([]string, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	g, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("generation_id = ?", id).Delete(&models.Output{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Generation{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, failure.Storage("delete generation", err)
	}

	if !deleteFiles {
		return nil, nil
	}

	var warnings []string
	for _, o := range g.Outputs {
		if w := s.unlink(o); w != "" {
			warnings = append(warnings, w)
		}
	}

	return warnings, nil
}

// DeleteOutput removes exactly one output and returns the owning generation
// re-read from storage. Sibling indexes and the generation status are left
// untouched.
func (s *Store) DeleteOutput(ctx context.Context, outputID uuid.UUID, deleteFile bool) (*models.Generation, []string, error) {
	o, err := s.FindOutput(ctx, outputID)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.Lock(o.GenerationID)
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Output{}, "id = ?", outputID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.Generation{}).
			Where("id = ?", o.GenerationID).
			Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, nil, classify("delete output", err)
	}

	var warnings []string
	if deleteFile {
		if w := s.unlink(o); w != "" {
			warnings = append(warnings, w)
		}
	}

	g, err := s.get(ctx, o.GenerationID)
	if err != nil {
		return nil, warnings, err
	}

	return g, warnings, nil
}

func (s *Store) unlink(o *models.Output) string {
	if o.LocalPath == "" {
		return ""
	}

	if s.files == nil {
		return fmt.Sprintf("output %s: no file store configured, %s left on disk", o.ID, o.LocalPath)
	}

	if err := s.files.Remove(o.LocalPath); err != nil {
		log.Warn("failed to delete output file", "output_id", o.ID, "path", o.LocalPath, "error", err)
		return fmt.Sprintf("output %s: %v", o.ID, err)
	}

	return ""
}

func prepareOutput(generationID uuid.UUID, o *models.Output, index int, now time.Time) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.GenerationID = generationID
	o.OutputIndex = index
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
}

func orderOutputs(db *gorm.DB) *gorm.DB {
	return db.Order("output_index ASC")
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, failure.ErrNotFound)
	case errors.Is(err, failure.ErrTransition):
		return err
	default:
		return failure.Storage(op, err)
	}
}
