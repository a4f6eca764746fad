package server

import (
	"strings"

	"leccionario/internal/domain"
	"leccionario/internal/engine"
	"leccionario/internal/workflow"
)

type IdentidadDTO struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo,omitempty"`
}

type CreateProyectoRequest struct {
	ID                 string       `json:"id,omitempty"`
	Descripcion        string       `json:"descripcion"`
	AplicacionPractica string       `json:"aplicacionPractica,omitempty"`
	EsPrivado          bool         `json:"esPrivado,omitempty"`
	Responsable        IdentidadDTO `json:"responsable,omitempty"`
	Sitio              string       `json:"sitio,omitempty"`
	Empresa            string       `json:"empresa,omitempty"`
	Proceso            string       `json:"proceso,omitempty"`
	NivelAcceso        *string      `json:"nivelAcceso,omitempty"`
}

type UpdateProyectoRequest struct {
	Descripcion        *string       `json:"descripcion,omitempty"`
	AplicacionPractica *string       `json:"aplicacionPractica,omitempty"`
	EsPrivado          *bool         `json:"esPrivado,omitempty"`
	Responsable        *IdentidadDTO `json:"responsable,omitempty"`
	Sitio              *string       `json:"sitio,omitempty"`
	Empresa            *string       `json:"empresa,omitempty"`
	Proceso            *string       `json:"proceso,omitempty"`
	NivelAcceso        *string       `json:"nivelAcceso,omitempty"`
}

type ProyectoResponse struct {
	ID                 string           `json:"id"`
	Descripcion        string           `json:"descripcion"`
	AplicacionPractica string           `json:"aplicacionPractica,omitempty"`
	EsPrivado          bool             `json:"esPrivado"`
	Estado             domain.Estado    `json:"estado"`
	Autor              domain.Identidad `json:"autor"`
	Responsable        domain.Identidad `json:"responsable"`
	Sitio              string           `json:"sitio,omitempty"`
	Empresa            string           `json:"empresa,omitempty"`
	Proceso            string           `json:"proceso,omitempty"`
	NivelAcceso        string           `json:"nivelAcceso"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

// FlujoResponse lists the transitions the identity may take, in the fixed
// presentation order, plus the edit verdict.
type FlujoResponse struct {
	Acciones    []string `json:"acciones"`
	PuedeEditar bool     `json:"puedeEditar"`
}

type FlujoRequest struct {
	Accion string `json:"accion" enum:"publish,sendToReview,returnToDraft,returnToReview"`
}

type EventoResponse struct {
	ID          string `json:"id"`
	ProyectoID  string `json:"proyecto_id"`
	Titulo      string `json:"titulo,omitempty"`
	Descripcion string `json:"descripcion,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EtiquetasRequest struct {
	Tipo string          `json:"tipo" enum:"impacto,accion,resultado,leccion"`
	IDs  []domain.FlexID `json:"ids"`
}

type EtiquetasResponse struct {
	Etiquetas []string `json:"etiquetas"`
}

type LectorRequest struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo"`
}

type ClaveRequest struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo"`
	Rol    string `json:"rol"`
}

type ClaveResponse struct {
	ID        string `json:"id"`
	Nombre    string `json:"nombre,omitempty"`
	Correo    string `json:"correo"`
	Rol       string `json:"rol"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ClaveCreatedResponse carries the cleartext key exactly once.
type ClaveCreatedResponse struct {
	ClaveResponse
	Clave string `json:"clave"`
}

type MeResponse struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo"`
	Rol    string `json:"rol,omitempty"`
	Source string `json:"source"`
}

type DevLoginRequest struct {
	Correo string `json:"correo"`
	Nombre string `json:"nombre,omitempty"`
	Rol    string `json:"rol,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type AuditEventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProyectoID string `json:"proyecto_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorEmail string `json:"actor_email"`
	Payload    string `json:"payload_json,omitempty"`
}

// EstadisticasResponse groups record counts by status description.
type EstadisticasResponse struct {
	ProyectosPorEstado map[string]int `json:"proyectosPorEstado"`
}

type paginatedEventos struct {
	Items      []EventoResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedAuditEvents struct {
	Items      []AuditEventResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func proyectoResponse(p domain.Proyecto, nivelAccesoPlaceholder string) ProyectoResponse {
	nivel := nivelAccesoPlaceholder
	if p.NivelAcceso != nil && *p.NivelAcceso != "" {
		nivel = *p.NivelAcceso
	}
	return ProyectoResponse{
		ID:                 p.ID,
		Descripcion:        p.Descripcion,
		AplicacionPractica: p.AplicacionPractica,
		EsPrivado:          p.EsPrivado,
		Estado:             p.Estado,
		Autor:              p.Autor,
		Responsable:        p.Responsable,
		Sitio:              p.Sitio,
		Empresa:            p.Empresa,
		Proceso:            p.Proceso,
		NivelAcceso:        nivel,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

// eventoResponse maps a stored event for display; an absent titulo shows
// the configured free-text placeholder, like nivelAcceso does.
func eventoResponse(ev domain.Evento, sinInformacion string) EventoResponse {
	titulo := ev.Titulo
	if strings.TrimSpace(titulo) == "" {
		titulo = sinInformacion
	}
	return EventoResponse{
		ID:          ev.ID,
		ProyectoID:  ev.ProyectoID,
		Titulo:      titulo,
		Descripcion: ev.Descripcion,
		CreatedAt:   ev.CreatedAt,
	}
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProyectoID: e.ProyectoID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorEmail: e.ActorEmail,
		Payload:    e.Payload,
	}
}

func claveResponse(k domain.APIKey) ClaveResponse {
	return ClaveResponse{
		ID:        k.ID,
		Nombre:    k.Nombre,
		Correo:    k.Correo,
		Rol:       k.Rol,
		CreatedAt: k.CreatedAt,
	}
}

func accionesAsStrings(in []workflow.Action) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, string(a))
	}
	return out
}

func updateOptions(req UpdateProyectoRequest, actor domain.Usuario) engine.ProyectoUpdateOptions {
	opts := engine.ProyectoUpdateOptions{
		Descripcion:        req.Descripcion,
		AplicacionPractica: req.AplicacionPractica,
		EsPrivado:          req.EsPrivado,
		Sitio:              req.Sitio,
		Empresa:            req.Empresa,
		Proceso:            req.Proceso,
		NivelAcceso:        req.NivelAcceso,
		Actor:              actor,
	}
	if req.Responsable != nil {
		opts.Responsable = &domain.Identidad{Nombre: req.Responsable.Nombre, Correo: req.Responsable.Correo}
	}
	return opts
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
