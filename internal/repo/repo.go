package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"leccionario/internal/config"
	"leccionario/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already registered")
)

const proyectoColumns = `id,descripcion,aplicacion_practica,es_privado,estado_id,estado_descripcion,
autor_nombre,autor_correo,responsable_nombre,responsable_correo,sitio,empresa,proceso,nivel_acceso,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProyecto(row rowScanner) (domain.Proyecto, error) {
	var p domain.Proyecto
	var nivel sql.NullString
	err := row.Scan(&p.ID, &p.Descripcion, &p.AplicacionPractica, &p.EsPrivado, &p.Estado.ID, &p.Estado.Descripcion,
		&p.Autor.Nombre, &p.Autor.Correo, &p.Responsable.Nombre, &p.Responsable.Correo,
		&p.Sitio, &p.Empresa, &p.Proceso, &nivel, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if nivel.Valid {
		p.NivelAcceso = &nivel.String
	}
	return p, err
}

func (r Repo) InsertProyecto(ctx context.Context, tx *sql.Tx, p domain.Proyecto) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proyectos(`+strings.ReplaceAll(proyectoColumns, "\n", "")+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Descripcion, p.AplicacionPractica, p.EsPrivado, p.Estado.ID, p.Estado.Descripcion,
		p.Autor.Nombre, p.Autor.Correo, p.Responsable.Nombre, p.Responsable.Correo,
		p.Sitio, p.Empresa, p.Proceso, nullableStringPtr(p.NivelAcceso), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProyecto(ctx context.Context, id string) (domain.Proyecto, error) {
	return scanProyecto(r.DB.QueryRowContext(ctx, `SELECT `+proyectoColumns+` FROM proyectos WHERE id=?`, id))
}

func (r Repo) GetProyectoTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proyecto, error) {
	return scanProyecto(tx.QueryRowContext(ctx, `SELECT `+proyectoColumns+` FROM proyectos WHERE id=?`, id))
}

// SingleProyecto resolves the implicit project of a workspace with exactly
// one project in it.
func (r Repo) SingleProyecto(ctx context.Context) (domain.Proyecto, error) {
	list, err := r.ListProyectos(ctx)
	if err != nil {
		return domain.Proyecto{}, err
	}
	if len(list) == 0 {
		return domain.Proyecto{}, ErrNotFound
	}
	if len(list) > 1 {
		return domain.Proyecto{}, fmt.Errorf("multiple proyectos exist; specify --proyecto")
	}
	return list[0], nil
}

func (r Repo) ListProyectos(ctx context.Context) ([]domain.Proyecto, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proyectoColumns+` FROM proyectos ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proyecto
	for rows.Next() {
		p, err := scanProyecto(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProyecto(ctx context.Context, tx *sql.Tx, p domain.Proyecto) error {
	res, err := tx.ExecContext(ctx, `UPDATE proyectos SET descripcion=?, aplicacion_practica=?, es_privado=?, estado_id=?, estado_descripcion=?,
autor_nombre=?, autor_correo=?, responsable_nombre=?, responsable_correo=?, sitio=?, empresa=?, proceso=?, nivel_acceso=?, updated_at=? WHERE id=?`,
		p.Descripcion, p.AplicacionPractica, p.EsPrivado, p.Estado.ID, p.Estado.Descripcion,
		p.Autor.Nombre, p.Autor.Correo, p.Responsable.Nombre, p.Responsable.Correo,
		p.Sitio, p.Empresa, p.Proceso, nullableStringPtr(p.NivelAcceso), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProyectoEstado(ctx context.Context, tx *sql.Tx, id string, estado domain.Estado, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proyectos SET estado_id=?, estado_descripcion=?, updated_at=? WHERE id=?`,
		estado.ID, estado.Descripcion, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProyecto(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM proyectos WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProyectoConfig(ctx context.Context, proyectoID string, cfg *config.Config) error {
	return upsertProyectoConfig(ctx, r.DB, nil, proyectoID, cfg)
}

func (r Repo) UpsertProyectoConfigTx(ctx context.Context, tx *sql.Tx, proyectoID string, cfg *config.Config) error {
	return upsertProyectoConfig(ctx, nil, tx, proyectoID, cfg)
}

func upsertProyectoConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, proyectoID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Proyecto.ID = proyectoID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(proyecto_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(proyecto_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, proyectoID, string(payload), now)
	return err
}

func (r Repo) GetProyectoConfig(ctx context.Context, proyectoID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE proyecto_id=?`, proyectoID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Proyecto.ID == "" {
		cfg.Proyecto.ID = proyectoID
	}
	return cfg, nil
}

func (r Repo) CountProyectosByEstado(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT estado_descripcion, count(*) FROM proyectos GROUP BY estado_descripcion`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var estado string
		var count int
		if err := rows.Scan(&estado, &count); err != nil {
			return nil, err
		}
		res[estado] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, proyectoID, evtType, entityKind, entityID string) ([]domain.AuditEvent, error) {
	return r.LatestEventsFrom(ctx, limit, 0, proyectoID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, proyectoID, evtType, entityKind, entityID string) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if proyectoID != "" {
		clauses = append(clauses, "proyecto_id=?")
		args = append(args, proyectoID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,proyecto_id,entity_kind,entity_id,actor_email,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var proyecto, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &proyecto, &e.EntityKind, &entity, &e.ActorEmail, &e.Payload); err != nil {
			return nil, err
		}
		e.ProyectoID = proyecto.String
		e.EntityID = entity.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns audit events with IDs greater than the cursor in
// ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, proyectoID string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if proyectoID != "" {
		clauses = append(clauses, "proyecto_id=?")
		args = append(args, proyectoID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,proyecto_id,entity_kind,entity_id,actor_email,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var proyecto, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &proyecto, &e.EntityKind, &entity, &e.ActorEmail, &e.Payload); err != nil {
			return nil, err
		}
		e.ProyectoID = proyecto.String
		e.EntityID = entity.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent audit event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, proyectoID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE proyecto_id=?`, proyectoID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
