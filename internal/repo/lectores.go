package repo

import (
	"context"
	"database/sql"

	"leccionario/internal/domain"
)

func (r Repo) InsertLector(ctx context.Context, tx *sql.Tx, l domain.Lector) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lectores(id,proyecto_id,nombre_lector,correo_lector,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.ProyectoID, l.NombreLector, l.CorreoLector, l.CreatedAt)
	return err
}

func (r Repo) ListLectores(ctx context.Context, proyectoID string) ([]domain.Lector, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proyecto_id,nombre_lector,correo_lector,created_at FROM lectores WHERE proyecto_id=? ORDER BY created_at ASC, id ASC`, proyectoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lector
	for rows.Next() {
		var l domain.Lector
		if err := rows.Scan(&l.ID, &l.ProyectoID, &l.NombreLector, &l.CorreoLector, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) GetLector(ctx context.Context, id string) (domain.Lector, error) {
	var l domain.Lector
	err := r.DB.QueryRowContext(ctx, `SELECT id,proyecto_id,nombre_lector,correo_lector,created_at FROM lectores WHERE id=?`, id).
		Scan(&l.ID, &l.ProyectoID, &l.NombreLector, &l.CorreoLector, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// GetLectorByCorreo resolves the allow-list entry of one email within a
// project, if present.
func (r Repo) GetLectorByCorreo(ctx context.Context, proyectoID, correo string) (domain.Lector, error) {
	var l domain.Lector
	err := r.DB.QueryRowContext(ctx, `SELECT id,proyecto_id,nombre_lector,correo_lector,created_at FROM lectores WHERE proyecto_id=? AND correo_lector=?`, proyectoID, correo).
		Scan(&l.ID, &l.ProyectoID, &l.NombreLector, &l.CorreoLector, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) CountLectores(ctx context.Context, proyectoID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM lectores WHERE proyecto_id=?`, proyectoID).Scan(&n)
	return n, err
}

func (r Repo) DeleteLector(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM lectores WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
