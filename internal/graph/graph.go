// Package graph normalizes the relation graph of one evento. Upstream
// payloads express impacto/accion/resultado/leccion relations in two
// historical shapes (nested child arrays and flat sibling lists with *Ids
// references) and identify entities inconsistently by identificador, id or
// position. Everything here is pure and total: malformed or sparse input
// degrades to empty collections, never to an error.
package graph

import (
	"fmt"
	"strings"

	"leccionario/internal/domain"
)

// Kind is one of the four causal-chain entity kinds.
type Kind string

const (
	KindImpacto   Kind = "impacto"
	KindAccion    Kind = "accion"
	KindResultado Kind = "resultado"
	KindLeccion   Kind = "leccion"
)

// Kinds in causal-chain order.
var Kinds = []Kind{KindImpacto, KindAccion, KindResultado, KindLeccion}

// entry is one canonical entity record inside an Index. All aliases of the
// entity point at the same entry.
type entry struct {
	kind      Kind
	canonical string
	entidad   domain.Entidad
	relations map[Kind]*entrySet
}

func (e *entry) relatedTo(other *entry) {
	set, ok := e.relations[other.kind]
	if !ok {
		set = &entrySet{seen: map[*entry]struct{}{}}
		e.relations[other.kind] = set
	}
	set.add(other)
}

// entrySet keeps insertion order and deduplicates by record identity.
type entrySet struct {
	order []*entry
	seen  map[*entry]struct{}
}

func (s *entrySet) add(e *entry) {
	if _, ok := s.seen[e]; ok {
		return
	}
	s.seen[e] = struct{}{}
	s.order = append(s.order, e)
}

func (s *entrySet) canonicals() []domain.FlexID {
	if s == nil || len(s.order) == 0 {
		return nil
	}
	out := make([]domain.FlexID, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, domain.FlexID(e.canonical))
	}
	return out
}

// Index is the identity arena: a kind-scoped alias table where every known
// alias of an entity (identificador, id, synthetic fallback) resolves to one
// shared record.
type Index struct {
	byAlias map[string]*entry
	order   map[Kind][]*entry
	counts  map[Kind]int
}

func NewIndex() *Index {
	return &Index{
		byAlias: map[string]*entry{},
		order:   map[Kind][]*entry{},
		counts:  map[Kind]int{},
	}
}

func aliasKey(kind Kind, id string) string {
	return string(kind) + "\x00" + id
}

// CanonicalKey picks the canonical id for an entity: identificador when
// present, else id, else the caller's synthetic fallback.
func CanonicalKey(e domain.Entidad, fallback string) string {
	if id := strings.TrimSpace(e.Identificador.String()); id != "" {
		return id
	}
	if id := strings.TrimSpace(e.ID.String()); id != "" {
		return id
	}
	return fallback
}

// Lookup resolves any alias of a registered entity.
func (ix *Index) Lookup(kind Kind, id string) (*entry, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	e, ok := ix.byAlias[aliasKey(kind, id)]
	return e, ok
}

// register adds an entity under every alias it carries. A hit on any
// existing alias is an idempotent merge: first occurrence wins for the
// descriptive fields, aliases accumulate, relation sets stay shared.
func (ix *Index) register(kind Kind, ent domain.Entidad, fallback string) *entry {
	ix.counts[kind]++
	canonical := CanonicalKey(ent, fallback)

	rec, ok := ix.Lookup(kind, canonical)
	if !ok {
		rec, ok = ix.Lookup(kind, ent.ID.String())
	}
	if !ok {
		rec, ok = ix.Lookup(kind, ent.Identificador.String())
	}
	if !ok {
		rec = &entry{
			kind:      kind,
			canonical: canonical,
			entidad:   ent,
			relations: map[Kind]*entrySet{},
		}
		ix.order[kind] = append(ix.order[kind], rec)
	} else {
		if strings.TrimSpace(rec.entidad.Descripcion) == "" {
			rec.entidad.Descripcion = ent.Descripcion
		}
		if rec.entidad.ID == "" {
			rec.entidad.ID = ent.ID
		}
		if rec.entidad.Identificador == "" {
			rec.entidad.Identificador = ent.Identificador
		}
	}
	for _, alias := range []string{canonical, strings.TrimSpace(ent.ID.String()), strings.TrimSpace(ent.Identificador.String())} {
		if alias == "" {
			continue
		}
		key := aliasKey(kind, alias)
		if _, taken := ix.byAlias[key]; !taken {
			ix.byAlias[key] = rec
		}
	}
	return rec
}

// nextFallback builds the synthetic positional key for the kind's next
// registration: "<eventPath>-<kind>-<index>".
func (ix *Index) nextFallback(path string, kind Kind) string {
	return fmt.Sprintf("%s-%s-%d", path, kind, ix.counts[kind])
}

// output returns the entity as emitted. An entity that declared no id of
// its own gets the synthetic canonical backfilled, so the key carried by
// reciprocal *Ids lists is addressable on the entity itself.
func (e *entry) output() domain.Entidad {
	ent := e.entidad
	if strings.TrimSpace(ent.ID.String()) == "" && strings.TrimSpace(ent.Identificador.String()) == "" {
		ent.ID = domain.FlexID(e.canonical)
	}
	return ent
}

func link(a, b *entry) {
	a.relatedTo(b)
	b.relatedTo(a)
}

func eventPath(info domain.EventoInfo) string {
	if id := strings.TrimSpace(info.ID.String()); id != "" {
		return id
	}
	return "evento"
}

// Normalize reconciles both relation shapes of one evento DTO into four
// collections whose *Ids lists are complete, deduplicated and symmetric.
// Dangling references are dropped silently; the result never aliases the
// input slices.
func Normalize(dto domain.EventoDTO) domain.EventoNormalizado {
	ix := NewIndex()
	path := eventPath(dto.Evento)

	// Registration walks top-down through the causal chain: nested data, when
	// present, only flows downward.
	impactos := make([]*entry, 0, len(dto.Impactos))
	for _, ir := range dto.Impactos {
		imp := ix.register(KindImpacto, ir.Impacto, ix.nextFallback(path, KindImpacto))
		impactos = append(impactos, imp)
		for _, ar := range ir.Acciones {
			acc := registerAccion(ix, path, ar)
			link(imp, acc)
		}
	}
	acciones := make([]*entry, 0, len(dto.Acciones))
	for _, ar := range dto.Acciones {
		acciones = append(acciones, registerAccion(ix, path, ar))
	}
	resultados := make([]*entry, 0, len(dto.Resultados))
	for _, rr := range dto.Resultados {
		resultados = append(resultados, registerResultado(ix, path, rr))
	}
	lecciones := make([]*entry, 0, len(dto.Lecciones))
	for _, lr := range dto.Lecciones {
		lecciones = append(lecciones, ix.register(KindLeccion, lr.Leccion, ix.nextFallback(path, KindLeccion)))
	}

	// Backward-compatibility pass over the flat shape: every *Ids reference
	// that resolves through the alias table yields a reciprocal link.
	for i, ir := range dto.Impactos {
		linkRefs(ix, impactos[i], KindAccion, ir.AccionIDs)
	}
	for i, ar := range dto.Acciones {
		linkRefs(ix, acciones[i], KindImpacto, ar.ImpactoIDs)
		linkRefs(ix, acciones[i], KindResultado, ar.ResultadoIDs)
	}
	for i, rr := range dto.Resultados {
		linkRefs(ix, resultados[i], KindAccion, rr.AccionIDs)
		linkRefs(ix, resultados[i], KindLeccion, rr.LeccionIDs)
	}
	for i, lr := range dto.Lecciones {
		linkRefs(ix, lecciones[i], KindResultado, lr.ResultadoIDs)
	}

	return collapse(dto.Evento, ix)
}

func registerAccion(ix *Index, path string, ar domain.AccionRel) *entry {
	acc := ix.register(KindAccion, ar.Accion, ix.nextFallback(path, KindAccion))
	for _, rr := range ar.Resultados {
		res := registerResultado(ix, path, rr)
		link(acc, res)
	}
	return acc
}

func registerResultado(ix *Index, path string, rr domain.ResultadoRel) *entry {
	res := ix.register(KindResultado, rr.Resultado, ix.nextFallback(path, KindResultado))
	for _, lr := range rr.Lecciones {
		lec := ix.register(KindLeccion, lr.Leccion, ix.nextFallback(path, KindLeccion))
		link(res, lec)
	}
	return res
}

func linkRefs(ix *Index, from *entry, kind Kind, refs []domain.FlexID) {
	for _, ref := range refs {
		target, ok := ix.Lookup(kind, ref.String())
		if !ok {
			continue
		}
		link(from, target)
	}
}

// collapse flattens the accumulated relation sets into the output wrappers.
func collapse(info domain.EventoInfo, ix *Index) domain.EventoNormalizado {
	out := domain.EventoNormalizado{
		Evento:     info,
		Impactos:   []domain.ImpactoRel{},
		Acciones:   []domain.AccionRel{},
		Resultados: []domain.ResultadoRel{},
		Lecciones:  []domain.LeccionRel{},
	}
	for _, e := range ix.order[KindImpacto] {
		out.Impactos = append(out.Impactos, domain.ImpactoRel{
			Impacto:   e.output(),
			AccionIDs: e.relations[KindAccion].canonicals(),
		})
	}
	for _, e := range ix.order[KindAccion] {
		out.Acciones = append(out.Acciones, domain.AccionRel{
			Accion:       e.output(),
			ImpactoIDs:   e.relations[KindImpacto].canonicals(),
			ResultadoIDs: e.relations[KindResultado].canonicals(),
		})
	}
	for _, e := range ix.order[KindResultado] {
		out.Resultados = append(out.Resultados, domain.ResultadoRel{
			Resultado:  e.output(),
			AccionIDs:  e.relations[KindAccion].canonicals(),
			LeccionIDs: e.relations[KindLeccion].canonicals(),
		})
	}
	for _, e := range ix.order[KindLeccion] {
		out.Lecciones = append(out.Lecciones, domain.LeccionRel{
			Leccion:      e.output(),
			ResultadoIDs: e.relations[KindResultado].canonicals(),
		})
	}
	return out
}

// Entidades extracts the inner records of one kind from a normalized event,
// in collection order.
func Entidades(n domain.EventoNormalizado, kind Kind) []domain.Entidad {
	var out []domain.Entidad
	switch kind {
	case KindImpacto:
		for _, w := range n.Impactos {
			out = append(out, w.Impacto)
		}
	case KindAccion:
		for _, w := range n.Acciones {
			out = append(out, w.Accion)
		}
	case KindResultado:
		for _, w := range n.Resultados {
			out = append(out, w.Resultado)
		}
	case KindLeccion:
		for _, w := range n.Lecciones {
			out = append(out, w.Leccion)
		}
	}
	return out
}

// ParseKind maps a wire string to a Kind; unrecognized input reports false.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "impacto", "impactos":
		return KindImpacto, true
	case "accion", "acciones":
		return KindAccion, true
	case "resultado", "resultados":
		return KindResultado, true
	case "leccion", "lecciones":
		return KindLeccion, true
	}
	return "", false
}
