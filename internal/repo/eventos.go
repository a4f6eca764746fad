package repo

import (
	"context"
	"database/sql"
	"strings"
)

// EventoRow is a stored event. PayloadJSON keeps the submitted DTO
// verbatim; normalization is recomputed from it on every read.
type EventoRow struct {
	ID          string
	ProyectoID  string
	Titulo      string
	Descripcion string
	PayloadJSON string
	CreatedAt   string
}

func (r Repo) InsertEvento(ctx context.Context, tx *sql.Tx, e EventoRow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO eventos(id,proyecto_id,titulo,descripcion,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.ProyectoID, e.Titulo, e.Descripcion, e.PayloadJSON, e.CreatedAt)
	return err
}

func (r Repo) GetEvento(ctx context.Context, id string) (EventoRow, error) {
	var e EventoRow
	err := r.DB.QueryRowContext(ctx, `SELECT id,proyecto_id,titulo,descripcion,payload_json,created_at FROM eventos WHERE id=?`, id).
		Scan(&e.ID, &e.ProyectoID, &e.Titulo, &e.Descripcion, &e.PayloadJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type EventoFilters struct {
	ProyectoID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEventos(ctx context.Context, f EventoFilters) ([]EventoRow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProyectoID != "" {
		clauses = append(clauses, "proyecto_id=?")
		args = append(args, f.ProyectoID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,proyecto_id,titulo,descripcion,payload_json,created_at FROM eventos ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventoRow
	for rows.Next() {
		var e EventoRow
		if err := rows.Scan(&e.ID, &e.ProyectoID, &e.Titulo, &e.Descripcion, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEventos(ctx context.Context, proyectoID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM eventos WHERE proyecto_id=?`, proyectoID).Scan(&n)
	return n, err
}

func (r Repo) DeleteEvento(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM eventos WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
