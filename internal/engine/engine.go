package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"leccionario/internal/config"
	"leccionario/internal/domain"
	"leccionario/internal/events"
	"leccionario/internal/graph"
	"leccionario/internal/repo"
	"leccionario/internal/workflow"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Rules builds the workflow rule set with the config's role aliases.
func (e Engine) Rules() workflow.Rules {
	if e.Config == nil {
		return workflow.Default()
	}
	return workflow.Rules{Aliases: e.Config.Roles.Aliases}
}

// ProyectoCreateOptions are parameters for creating a lesson record.
type ProyectoCreateOptions struct {
	ID                 string
	Descripcion        string
	AplicacionPractica string
	EsPrivado          bool
	Responsable        domain.Identidad
	Sitio              string
	Empresa            string
	Proceso            string
	NivelAcceso        *string
	Actor              domain.Usuario
}

// CreateProyecto registers a new record in the initial status with the
// acting identity as its author, and seeds the per-project config.
func (e Engine) CreateProyecto(ctx context.Context, opts ProyectoCreateOptions) (domain.Proyecto, error) {
	if strings.TrimSpace(opts.Descripcion) == "" {
		return domain.Proyecto{}, errors.New("descripcion is required")
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewString()
	}
	inicial := workflow.EstadoBorrador
	if e.Config != nil && e.Config.Estados.Inicial != "" {
		inicial = e.Config.Estados.Inicial
	}
	p := domain.Proyecto{
		ID:                 id,
		Descripcion:        opts.Descripcion,
		AplicacionPractica: opts.AplicacionPractica,
		EsPrivado:          opts.EsPrivado,
		Estado:             domain.Estado{Descripcion: inicial},
		Autor:              domain.Identidad{Nombre: opts.Actor.Nombre, Correo: opts.Actor.Correo},
		Responsable:        opts.Responsable,
		Sitio:              opts.Sitio,
		Empresa:            opts.Empresa,
		Proceso:            opts.Proceso,
		NivelAcceso:        opts.NivelAcceso,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proyecto{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProyecto(ctx, tx, p); err != nil {
		return domain.Proyecto{}, fmt.Errorf("insert proyecto: %w", err)
	}
	seed := config.Default(p.ID)
	if e.Config != nil {
		copied := *e.Config
		copied.Proyecto.ID = p.ID
		seed = &copied
	}
	if err := e.Repo.UpsertProyectoConfigTx(ctx, tx, p.ID, seed); err != nil {
		return domain.Proyecto{}, fmt.Errorf("insert proyecto config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proyecto.created", p.ID, "proyecto", p.ID, opts.Actor.Correo, events.EventPayload{"estado": p.Estado.Descripcion}); err != nil {
		return domain.Proyecto{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proyecto{}, err
	}
	return p, nil
}

// ProyectoUpdateOptions carry the editable fields; nil means unchanged.
type ProyectoUpdateOptions struct {
	Descripcion        *string
	AplicacionPractica *string
	EsPrivado          *bool
	Responsable        *domain.Identidad
	Sitio              *string
	Empresa            *string
	Proceso            *string
	NivelAcceso        *string
	Actor              domain.Usuario
}

// UpdateProyecto edits record fields, guarded by the edit rule for the
// current status and acting identity.
func (e Engine) UpdateProyecto(ctx context.Context, id string, opts ProyectoUpdateOptions) (domain.Proyecto, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proyecto{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProyectoTx(ctx, tx, id)
	if err != nil {
		return domain.Proyecto{}, err
	}
	if !e.Rules().CanEdit(&p, opts.Actor) {
		return domain.Proyecto{}, workflow.NotAllowedError{Accion: "edit", Estado: p.Estado.Descripcion}
	}
	if opts.Descripcion != nil {
		p.Descripcion = *opts.Descripcion
	}
	if opts.AplicacionPractica != nil {
		p.AplicacionPractica = *opts.AplicacionPractica
	}
	if opts.EsPrivado != nil {
		p.EsPrivado = *opts.EsPrivado
	}
	if opts.Responsable != nil {
		p.Responsable = *opts.Responsable
	}
	if opts.Sitio != nil {
		p.Sitio = *opts.Sitio
	}
	if opts.Empresa != nil {
		p.Empresa = *opts.Empresa
	}
	if opts.Proceso != nil {
		p.Proceso = *opts.Proceso
	}
	if opts.NivelAcceso != nil {
		p.NivelAcceso = opts.NivelAcceso
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProyecto(ctx, tx, p); err != nil {
		return domain.Proyecto{}, err
	}
	if err := e.Events.Append(ctx, tx, "proyecto.updated", p.ID, "proyecto", p.ID, opts.Actor.Correo, nil); err != nil {
		return domain.Proyecto{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proyecto{}, err
	}
	return p, nil
}

func (e Engine) GetProyecto(ctx context.Context, id string) (domain.Proyecto, error) {
	return e.Repo.GetProyecto(ctx, id)
}

func (e Engine) ListProyectos(ctx context.Context) ([]domain.Proyecto, error) {
	return e.Repo.ListProyectos(ctx)
}

// AllowedActions recomputes the legal transitions for the identity, with an
// optional status override replacing the stored one.
func (e Engine) AllowedActions(ctx context.Context, proyectoID string, u domain.Usuario, overrideEstado string) ([]workflow.Action, error) {
	p, err := e.Repo.GetProyecto(ctx, proyectoID)
	if err != nil {
		return nil, err
	}
	var opts *workflow.Options
	if overrideEstado != "" {
		opts = &workflow.Options{OverrideEstado: overrideEstado}
	}
	return e.Rules().Allowed(&p, u, opts), nil
}

// ApplyAction validates and executes one workflow transition, persisting
// the new status and appending an audit event.
func (e Engine) ApplyAction(ctx context.Context, proyectoID string, u domain.Usuario, accion workflow.Action) (domain.Proyecto, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proyecto{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProyectoTx(ctx, tx, proyectoID)
	if err != nil {
		return domain.Proyecto{}, err
	}
	destino, err := e.Rules().Apply(&p, u, accion)
	if err != nil {
		return domain.Proyecto{}, err
	}
	anterior := p.Estado.Descripcion
	p.Estado = destino
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProyectoEstado(ctx, tx, p.ID, p.Estado, p.UpdatedAt); err != nil {
		return domain.Proyecto{}, err
	}
	if err := e.Events.Append(ctx, tx, "proyecto.flujo", p.ID, "proyecto", p.ID, u.Correo, events.EventPayload{
		"accion":   string(accion),
		"anterior": anterior,
		"estado":   p.Estado.Descripcion,
	}); err != nil {
		return domain.Proyecto{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proyecto{}, err
	}
	return p, nil
}

// IngestEvento stores one event payload verbatim. The payload must parse
// as an event DTO; its relations are NOT normalized here, every read
// recomputes the normalization from the stored bytes.
func (e Engine) IngestEvento(ctx context.Context, proyectoID string, payload []byte, actor domain.Usuario) (domain.Evento, error) {
	if _, err := e.Repo.GetProyecto(ctx, proyectoID); err != nil {
		return domain.Evento{}, err
	}
	var dto domain.EventoDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return domain.Evento{}, fmt.Errorf("invalid evento payload: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := dto.Evento.ID.String()
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	ev := domain.Evento{
		ID:          id,
		ProyectoID:  proyectoID,
		Titulo:      dto.Evento.Titulo,
		Descripcion: dto.Evento.Descripcion,
		PayloadJSON: string(payload),
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evento{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEvento(ctx, tx, repo.EventoRow{
		ID:          ev.ID,
		ProyectoID:  ev.ProyectoID,
		Titulo:      ev.Titulo,
		Descripcion: ev.Descripcion,
		PayloadJSON: ev.PayloadJSON,
		CreatedAt:   ev.CreatedAt,
	}); err != nil {
		return domain.Evento{}, fmt.Errorf("insert evento: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "evento.ingested", proyectoID, "evento", ev.ID, actor.Correo, events.EventPayload{"titulo": ev.Titulo}); err != nil {
		return domain.Evento{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evento{}, err
	}
	return ev, nil
}

func (e Engine) GetEvento(ctx context.Context, id string) (domain.Evento, error) {
	row, err := e.Repo.GetEvento(ctx, id)
	if err != nil {
		return domain.Evento{}, err
	}
	return domain.Evento{
		ID:          row.ID,
		ProyectoID:  row.ProyectoID,
		Titulo:      row.Titulo,
		Descripcion: row.Descripcion,
		PayloadJSON: row.PayloadJSON,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (e Engine) ListEventos(ctx context.Context, proyectoID string, limit int) ([]domain.Evento, error) {
	rows, err := e.Repo.ListEventos(ctx, repo.EventoFilters{ProyectoID: proyectoID, Limit: limit})
	if err != nil {
		return nil, err
	}
	res := make([]domain.Evento, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Evento{
			ID:          row.ID,
			ProyectoID:  row.ProyectoID,
			Titulo:      row.Titulo,
			Descripcion: row.Descripcion,
			CreatedAt:   row.CreatedAt,
		})
	}
	return res, nil
}

// DeleteEvento removes one stored event and records the removal.
func (e Engine) DeleteEvento(ctx context.Context, id string, actor domain.Usuario) error {
	row, err := e.Repo.GetEvento(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteEvento(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "evento.deleted", row.ProyectoID, "evento", row.ID, actor.Correo, events.EventPayload{"titulo": row.Titulo}); err != nil {
		return err
	}
	return tx.Commit()
}

// NormalizedEvento reloads the stored payload and recomputes the
// reconciled relation graph.
func (e Engine) NormalizedEvento(ctx context.Context, id string) (domain.EventoNormalizado, error) {
	row, err := e.Repo.GetEvento(ctx, id)
	if err != nil {
		return domain.EventoNormalizado{}, err
	}
	var dto domain.EventoDTO
	if err := json.Unmarshal([]byte(row.PayloadJSON), &dto); err != nil {
		return domain.EventoNormalizado{}, fmt.Errorf("stored evento %s: %w", id, err)
	}
	return graph.Normalize(dto), nil
}

// Etiquetas resolves relation ids of one entity kind in an event into
// display descriptions, using the configured description placeholder.
func (e Engine) Etiquetas(ctx context.Context, eventoID string, kind graph.Kind, ids []domain.FlexID) ([]string, error) {
	n, err := e.NormalizedEvento(ctx, eventoID)
	if err != nil {
		return nil, err
	}
	return graph.Labels(ids, graph.Entidades(n, kind), e.Config.SinDescripcion()), nil
}

// AddLector appends one allow-list entry for a private record. The same
// email may appear once per record.
func (e Engine) AddLector(ctx context.Context, proyectoID string, l domain.Identidad, actor domain.Usuario) (domain.Lector, error) {
	if strings.TrimSpace(l.Correo) == "" {
		return domain.Lector{}, errors.New("correo is required")
	}
	if _, err := e.Repo.GetProyecto(ctx, proyectoID); err != nil {
		return domain.Lector{}, err
	}
	if _, err := e.Repo.GetLectorByCorreo(ctx, proyectoID, l.Correo); err == nil {
		return domain.Lector{}, fmt.Errorf("lector %s: %w", l.Correo, repo.ErrDuplicate)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Lector{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	lector := domain.Lector{
		ID:           uuid.NewString(),
		ProyectoID:   proyectoID,
		NombreLector: l.Nombre,
		CorreoLector: l.Correo,
		CreatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lector{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertLector(ctx, tx, lector); err != nil {
		return domain.Lector{}, fmt.Errorf("insert lector: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "lector.added", proyectoID, "lector", lector.ID, actor.Correo, events.EventPayload{"correo": lector.CorreoLector}); err != nil {
		return domain.Lector{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lector{}, err
	}
	return lector, nil
}

func (e Engine) ListLectores(ctx context.Context, proyectoID string) ([]domain.Lector, error) {
	return e.Repo.ListLectores(ctx, proyectoID)
}

func (e Engine) RemoveLector(ctx context.Context, id string, actor domain.Usuario) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLector(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteLector(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lector.removed", l.ProyectoID, "lector", l.ID, actor.Correo, events.EventPayload{"correo": l.CorreoLector}); err != nil {
		return err
	}
	return tx.Commit()
}

// Resumen summarizes one record and its attached data. Totales are
// recomputed from the stored payloads, like every other read.
type Resumen struct {
	Proyecto domain.Proyecto `json:"proyecto"`
	Eventos  int             `json:"eventos"`
	Lectores int             `json:"lectores"`
	Totales  ResumenTotales  `json:"totales"`
}

type ResumenTotales struct {
	Impactos   int `json:"impactos"`
	Acciones   int `json:"acciones"`
	Resultados int `json:"resultados"`
	Lecciones  int `json:"lecciones"`
}

func (e Engine) GetResumen(ctx context.Context, proyectoID string) (Resumen, error) {
	p, err := e.Repo.GetProyecto(ctx, proyectoID)
	if err != nil {
		return Resumen{}, err
	}
	eventos, err := e.Repo.CountEventos(ctx, proyectoID)
	if err != nil {
		return Resumen{}, err
	}
	lectores, err := e.Repo.CountLectores(ctx, proyectoID)
	if err != nil {
		return Resumen{}, err
	}
	rows, err := e.Repo.ListEventos(ctx, repo.EventoFilters{ProyectoID: proyectoID})
	if err != nil {
		return Resumen{}, err
	}
	res := Resumen{Proyecto: p, Eventos: eventos, Lectores: lectores}
	for _, row := range rows {
		var dto domain.EventoDTO
		if err := json.Unmarshal([]byte(row.PayloadJSON), &dto); err != nil {
			continue
		}
		n := graph.Normalize(dto)
		res.Totales.Impactos += len(n.Impactos)
		res.Totales.Acciones += len(n.Acciones)
		res.Totales.Resultados += len(n.Resultados)
		res.Totales.Lecciones += len(n.Lecciones)
	}
	return res, nil
}

// ProyectosPorEstado counts all lesson records grouped by status, the
// dashboard headline numbers.
func (e Engine) ProyectosPorEstado(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountProyectosByEstado(ctx)
}

// LeccionHit is one search result: a lesson inside a stored event.
type LeccionHit struct {
	EventoID    string        `json:"evento_id"`
	Titulo      string        `json:"titulo,omitempty"`
	LeccionID   domain.FlexID `json:"leccion_id"`
	Descripcion string        `json:"descripcion"`
}

// BuscarLecciones scans stored events and matches lesson descriptions
// case/diacritic-insensitively against the query.
func (e Engine) BuscarLecciones(ctx context.Context, proyectoID, q string) ([]LeccionHit, error) {
	needle := workflow.Fold(q)
	if needle == "" {
		return []LeccionHit{}, nil
	}
	rows, err := e.Repo.ListEventos(ctx, repo.EventoFilters{ProyectoID: proyectoID})
	if err != nil {
		return nil, err
	}
	hits := []LeccionHit{}
	for _, row := range rows {
		var dto domain.EventoDTO
		if err := json.Unmarshal([]byte(row.PayloadJSON), &dto); err != nil {
			continue
		}
		n := graph.Normalize(dto)
		for _, l := range n.Lecciones {
			if strings.Contains(workflow.Fold(l.Leccion.Descripcion), needle) {
				hits = append(hits, LeccionHit{
					EventoID:    row.ID,
					Titulo:      row.Titulo,
					LeccionID:   l.Leccion.ID,
					Descripcion: l.Leccion.Descripcion,
				})
			}
		}
	}
	return hits, nil
}

// CreateAPIKey mints a key, stores only its hash and returns the cleartext
// once.
func (e Engine) CreateAPIKey(ctx context.Context, nombre string, u domain.Usuario, actor domain.Usuario) (domain.APIKey, string, error) {
	if strings.TrimSpace(u.Correo) == "" {
		return domain.APIKey{}, "", errors.New("correo is required")
	}
	if strings.TrimSpace(u.Rol) == "" {
		return domain.APIKey{}, "", errors.New("rol is required")
	}
	cleartext := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Nombre:    nombre,
		Correo:    u.Correo,
		Rol:       u.Rol,
		KeyHash:   repo.HashAPIKey(cleartext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, actor.Correo, events.EventPayload{"correo": key.Correo}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, cleartext, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, correo string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, correo)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}
