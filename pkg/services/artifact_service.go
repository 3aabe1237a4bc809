package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/models"
)

// MaxInlineArtifactContent is the size above which artifact content is
// dropped and only its hash is stored.
const MaxInlineArtifactContent = 64 * 1024

const artifactColumns = `id, run_id, task_id, name, kind, path, content,
	content_hash, agent, created_at`

// ArtifactService records named task outputs.
type ArtifactService struct {
	pool *pgxpool.Pool
}

// NewArtifactService creates a new ArtifactService
func NewArtifactService(pool *pgxpool.Pool) *ArtifactService {
	return &ArtifactService{pool: pool}
}

// Create records an artifact. Content above MaxInlineArtifactContent is not
// stored inline; the hash always covers the full content.
func (s *ArtifactService) Create(httpCtx context.Context, req models.CreateArtifactRequest) (*models.Artifact, error) {
	if req.RunID == "" {
		return nil, NewValidationError("run_id", "required")
	}
	if req.TaskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	artifact := &models.Artifact{
		ID:          uuid.New().String(),
		RunID:       req.RunID,
		TaskID:      req.TaskID,
		Name:        req.Name,
		Kind:        req.Kind,
		ContentHash: audit.HashString(req.Content),
		Agent:       req.Agent,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Path != "" {
		artifact.Path = &req.Path
	}
	if req.Content != "" && len(req.Content) <= MaxInlineArtifactContent {
		artifact.Content = &req.Content
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, task_id, name, kind, path, content,
			content_hash, agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		artifact.ID, artifact.RunID, artifact.TaskID, artifact.Name,
		artifact.Kind, artifact.Path, artifact.Content, artifact.ContentHash,
		artifact.Agent, artifact.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	return artifact, nil
}

// Get retrieves an artifact by ID.
func (s *ArtifactService) Get(ctx context.Context, id string) (*models.Artifact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return artifact, nil
}

// ListByRun returns a run's artifacts in creation order.
func (s *ArtifactService) ListByRun(ctx context.Context, runID string) ([]*models.Artifact, error) {
	return s.list(ctx, `run_id`, runID)
}

// ListByTask returns a task's artifacts in creation order.
func (s *ArtifactService) ListByTask(ctx context.Context, taskID string) ([]*models.Artifact, error) {
	return s.list(ctx, `task_id`, taskID)
}

func (s *ArtifactService) list(ctx context.Context, column, value string) ([]*models.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE `+column+` = $1 ORDER BY created_at ASC, id ASC`, value)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}

func scanArtifact(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Name, &a.Kind, &a.Path,
		&a.Content, &a.ContentHash, &a.Agent, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
