package domain

import (
	"bytes"
	"encoding/json"
)

// Estado is the nested lifecycle status object carried by a Proyecto.
// Descripcion holds the display name (Borrador, En Revisión, Publicado).
type Estado struct {
	ID          string `json:"id,omitempty"`
	Descripcion string `json:"descripcion"`
}

// Identidad is a name+email pair used for authors and responsible parties.
type Identidad struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo,omitempty"`
}

// Usuario is the acting identity consumed by the workflow engine. Rol is
// free text and compared case/diacritic-insensitively against known roles.
type Usuario struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo,omitempty"`
	Rol    string `json:"rol,omitempty"`
}

// Proyecto is the retrospective subject record (project or incident).
type Proyecto struct {
	ID                 string    `json:"id"`
	Descripcion        string    `json:"descripcion"`
	AplicacionPractica string    `json:"aplicacionPractica,omitempty"`
	EsPrivado          bool      `json:"esPrivado"`
	Estado             Estado    `json:"estado"`
	Autor              Identidad `json:"autor"`
	Responsable        Identidad `json:"responsable"`
	Sitio              string    `json:"sitio,omitempty"`
	Empresa            string    `json:"empresa,omitempty"`
	Proceso            string    `json:"proceso,omitempty"`
	NivelAcceso        *string   `json:"nivelAcceso,omitempty"`
	CreatedAt          string    `json:"created_at" format:"date-time"`
	UpdatedAt          string    `json:"updated_at" format:"date-time"`
}

// Lector is an allow-listed viewer of a private project. Enforcement is
// external; the service only stores and displays the list.
type Lector struct {
	ID           string `json:"id"`
	ProyectoID   string `json:"proyecto_id"`
	NombreLector string `json:"nombreLector"`
	CorreoLector string `json:"correoLector"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Evento is a stored event row. The raw DTO payload is kept verbatim;
// normalization is recomputed from it on every read, never cached.
type Evento struct {
	ID          string `json:"id"`
	ProyectoID  string `json:"proyecto_id"`
	Titulo      string `json:"titulo,omitempty"`
	Descripcion string `json:"descripcion,omitempty"`
	PayloadJSON string `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// FlexID is an entity id as found on the wire: sometimes a JSON string,
// sometimes a number, sometimes null. Identity is by string coercion, so
// numeric and string ids that render identically are the same id.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 || bytes.Equal(trim, []byte("null")) {
		*f = ""
		return nil
	}
	if trim[0] == '"' {
		var s string
		if err := json.Unmarshal(trim, &s); err != nil {
			*f = ""
			return nil
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trim, &n); err == nil {
		*f = FlexID(n.String())
		return nil
	}
	*f = FlexID(string(trim))
	return nil
}

func (f FlexID) String() string { return string(f) }

// Entidad is the inner record shared by the four causal-chain kinds.
// Any of Identificador, ID or a positional synthetic key may end up being
// the canonical identity.
type Entidad struct {
	ID            FlexID `json:"id,omitempty"`
	Identificador FlexID `json:"identificador,omitempty"`
	Descripcion   string `json:"descripcion,omitempty"`
}

// EventoInfo is the event header inside a DTO payload.
type EventoInfo struct {
	ID          FlexID `json:"id,omitempty"`
	Titulo      string `json:"titulo,omitempty"`
	Descripcion string `json:"descripcion,omitempty"`
}

// ImpactoRel wraps an Impacto with either nested child Acciones (tree
// shape) or flat AccionIDs references, or both.
type ImpactoRel struct {
	Impacto   Entidad     `json:"impacto"`
	Acciones  []AccionRel `json:"acciones,omitempty"`
	AccionIDs []FlexID    `json:"accionIds,omitempty"`
}

type AccionRel struct {
	Accion       Entidad        `json:"accion"`
	Resultados   []ResultadoRel `json:"resultados,omitempty"`
	ImpactoIDs   []FlexID       `json:"impactoIds,omitempty"`
	ResultadoIDs []FlexID       `json:"resultadoIds,omitempty"`
}

type ResultadoRel struct {
	Resultado  Entidad      `json:"resultado"`
	Lecciones  []LeccionRel `json:"lecciones,omitempty"`
	AccionIDs  []FlexID     `json:"accionIds,omitempty"`
	LeccionIDs []FlexID     `json:"leccionIds,omitempty"`
}

type LeccionRel struct {
	Leccion      Entidad  `json:"leccion"`
	ResultadoIDs []FlexID `json:"resultadoIds,omitempty"`
}

// EventoDTO is the wire payload for one event, in either or both of the
// historical relation shapes.
type EventoDTO struct {
	Evento     EventoInfo     `json:"evento"`
	Impactos   []ImpactoRel   `json:"impactos,omitempty"`
	Acciones   []AccionRel    `json:"acciones,omitempty"`
	Resultados []ResultadoRel `json:"resultados,omitempty"`
	Lecciones  []LeccionRel   `json:"lecciones,omitempty"`
}

// EventoNormalizado is the canonical output: four collections whose
// relation-id lists are complete, deduplicated and symmetric.
type EventoNormalizado struct {
	Evento     EventoInfo     `json:"evento"`
	Impactos   []ImpactoRel   `json:"impactos"`
	Acciones   []AccionRel    `json:"acciones"`
	Resultados []ResultadoRel `json:"resultados"`
	Lecciones  []LeccionRel   `json:"lecciones"`
}

// AuditEvent is one row of the append-only change log.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProyectoID string `json:"proyecto_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorEmail string `json:"actor_email"`
	Payload    string `json:"payload_json"`
}

// APIKey maps a hashed key to the identity claims it authenticates.
type APIKey struct {
	ID        string `json:"id"`
	Nombre    string `json:"nombre,omitempty"`
	Correo    string `json:"correo"`
	Rol       string `json:"rol"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Usuario returns the identity claims the key authenticates.
func (k APIKey) Usuario() Usuario {
	return Usuario{Nombre: k.Nombre, Correo: k.Correo, Rol: k.Rol}
}
