// Package workflow computes the legal state transitions of a lesson record
// from its current status and the acting identity. It is pure: unknown
// statuses or roles yield zero actions rather than errors (fail closed).
package workflow

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"leccionario/internal/domain"
)

// Action is a workflow transition, not a stored entity; it is recomputed
// from status + identity on every call.
type Action string

const (
	ActionPublish        Action = "publish"
	ActionSendToReview   Action = "sendToReview"
	ActionReturnToDraft  Action = "returnToDraft"
	ActionReturnToReview Action = "returnToReview"
)

// presentationOrder fixes the output order regardless of rule evaluation
// order.
var presentationOrder = []Action{ActionPublish, ActionSendToReview, ActionReturnToDraft, ActionReturnToReview}

// Canonical role names. Incoming roles are free text and matched
// case/diacritic-insensitively, optionally extended with config aliases.
const (
	RolAdministrador = "administrador"
	RolResponsable   = "responsable"
	RolColaborador   = "colaborador"
)

// Display names of the three lifecycle states.
const (
	EstadoBorrador   = "Borrador"
	EstadoEnRevision = "En Revisión"
	EstadoPublicado  = "Publicado"
)

// NotAllowedError reports a transition the acting identity may not perform.
type NotAllowedError struct {
	Accion Action
	Estado string
}

func (e NotAllowedError) Error() string {
	return fmt.Sprintf("acción %s no permitida en estado %s", e.Accion, e.Estado)
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold strips diacritics, lower-cases and trims for the insensitive
// comparisons used throughout (statuses, roles, emails, search).
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// SameCorreo compares two emails after folding. Two empty emails are never
// the same person: an unset identity matches nothing.
func SameCorreo(a, b string) bool {
	fa, fb := Fold(a), Fold(b)
	if fa == "" || fb == "" {
		return false
	}
	return fa == fb
}

// Rules evaluates the transition table. Aliases maps a canonical role name
// to additional accepted spellings (already folded or not).
type Rules struct {
	Aliases map[string][]string
}

// Default returns the rule set with no extra role aliases.
func Default() Rules {
	return Rules{}
}

func (r Rules) roleOf(u domain.Usuario) string {
	rol := Fold(u.Rol)
	if rol == "" {
		return ""
	}
	for _, canonical := range []string{RolAdministrador, RolResponsable, RolColaborador} {
		if rol == canonical {
			return canonical
		}
		for _, alias := range r.Aliases[canonical] {
			if rol == Fold(alias) {
				return canonical
			}
		}
	}
	return ""
}

// Options tweak an evaluation; OverrideEstado substitutes the record's
// current status.
type Options struct {
	OverrideEstado string
}

// Allowed computes the ordered set of legal transitions for the identity.
// A nil record has no status and therefore no transitions.
func (r Rules) Allowed(p *domain.Proyecto, u domain.Usuario, opts *Options) []Action {
	estado := ""
	var autor, responsable string
	if p != nil {
		estado = p.Estado.Descripcion
		autor = p.Autor.Correo
		responsable = p.Responsable.Correo
	}
	if opts != nil && strings.TrimSpace(opts.OverrideEstado) != "" {
		estado = opts.OverrideEstado
	}

	role := r.roleOf(u)
	esAutor := SameCorreo(u.Correo, autor)
	esResponsable := SameCorreo(u.Correo, responsable)

	set := map[Action]bool{}
	switch Fold(estado) {
	case Fold(EstadoBorrador):
		switch role {
		case RolAdministrador:
			set[ActionSendToReview] = true
			set[ActionPublish] = true
		case RolResponsable:
			// A Responsable author publishes directly and does not get
			// sendToReview; the table is applied as documented.
			if esAutor {
				set[ActionPublish] = true
			}
		case RolColaborador:
			if esAutor {
				set[ActionSendToReview] = true
			}
		}
	case Fold(EstadoEnRevision):
		if role == RolAdministrador || (role == RolResponsable && esResponsable) {
			set[ActionPublish] = true
			set[ActionReturnToDraft] = true
		}
	case Fold(EstadoPublicado):
		if role == RolAdministrador {
			set[ActionReturnToReview] = true
		}
	}

	out := []Action{}
	for _, a := range presentationOrder {
		if set[a] {
			out = append(out, a)
		}
	}
	return out
}

// CanEdit reports whether the identity may edit the record's fields. A nil
// record is a new one and always editable.
func (r Rules) CanEdit(p *domain.Proyecto, u domain.Usuario) bool {
	if p == nil {
		return true
	}
	if r.roleOf(u) == RolAdministrador {
		return true
	}
	switch Fold(p.Estado.Descripcion) {
	case Fold(EstadoBorrador):
		return SameCorreo(u.Correo, p.Autor.Correo)
	case Fold(EstadoEnRevision):
		return SameCorreo(u.Correo, p.Responsable.Correo)
	}
	return false
}

// Apply validates the transition and returns the resulting status.
func (r Rules) Apply(p *domain.Proyecto, u domain.Usuario, accion Action) (domain.Estado, error) {
	estado := ""
	if p != nil {
		estado = p.Estado.Descripcion
	}
	for _, allowed := range r.Allowed(p, u, nil) {
		if allowed == accion {
			destino, ok := accion.Destino()
			if !ok {
				break
			}
			return destino, nil
		}
	}
	return domain.Estado{}, NotAllowedError{Accion: accion, Estado: estado}
}

// Destino maps an action to its target status.
func (a Action) Destino() (domain.Estado, bool) {
	switch a {
	case ActionSendToReview, ActionReturnToReview:
		return domain.Estado{Descripcion: EstadoEnRevision}, true
	case ActionPublish:
		return domain.Estado{Descripcion: EstadoPublicado}, true
	case ActionReturnToDraft:
		return domain.Estado{Descripcion: EstadoBorrador}, true
	}
	return domain.Estado{}, false
}

// ParseAction maps wire input to an Action.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.TrimSpace(s)) {
	case ActionPublish:
		return ActionPublish, true
	case ActionSendToReview:
		return ActionSendToReview, true
	case ActionReturnToDraft:
		return ActionReturnToDraft, true
	case ActionReturnToReview:
		return ActionReturnToReview, true
	}
	return "", false
}
