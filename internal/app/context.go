package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leccionario/internal/config"
	"leccionario/internal/domain"
	"leccionario/internal/repo"
	"leccionario/internal/workflow"
)

// ResolveProyectoAndConfig picks the active record and ensures it plus its
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-record DB. A missing record is created on the fly.
func ResolveProyectoAndConfig(ctx context.Context, proyectoOverride string, actor domain.Usuario, r repo.Repo) (string, *config.Config, error) {
	proyectoID := proyectoOverride
	if proyectoID == "" {
		if p, err := r.SingleProyecto(ctx); err == nil {
			proyectoID = p.ID
		} else {
			return "", nil, fmt.Errorf("proyecto not specified; use --proyecto")
		}
	}
	seedCfg := config.Default(proyectoID)

	if _, err := r.GetProyecto(ctx, proyectoID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProyecto(ctx, r, proyectoID, seedCfg, actor); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProyectoConfig(ctx, proyectoID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProyectoConfig(ctx, proyectoID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed proyecto config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Proyecto.ID = proyectoID
	return proyectoID, cfg, nil
}

// createProyecto inserts a minimal record footprint using the seed config.
func createProyecto(ctx context.Context, r repo.Repo, proyectoID string, seedCfg *config.Config, actor domain.Usuario) error {
	if seedCfg == nil {
		seedCfg = config.Default(proyectoID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Proyecto{
		ID:          proyectoID,
		Descripcion: proyectoID,
		Estado:      domain.Estado{Descripcion: seedCfg.Estados.Inicial},
		Autor:       domain.Identidad{Nombre: actor.Nombre, Correo: actor.Correo},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Estado.Descripcion == "" {
		p.Estado.Descripcion = workflow.EstadoBorrador
	}
	if err := r.InsertProyecto(ctx, tx, p); err != nil {
		return fmt.Errorf("insert proyecto: %w", err)
	}
	if err := r.UpsertProyectoConfigTx(ctx, tx, proyectoID, seedCfg); err != nil {
		return fmt.Errorf("insert proyecto config: %w", err)
	}
	return tx.Commit()
}
