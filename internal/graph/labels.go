package graph

import (
	"strconv"
	"strings"

	"leccionario/internal/domain"
)

// SinDescripcion is the default placeholder for entities without
// description text; callers may override it per config.
const SinDescripcion = "Sin descripción"

// Labels resolves raw relation ids to display descriptions over one
// normalized collection. Source payloads address related entities by
// declared identifier, by raw id, or by 1-based display position, so the
// lookup table registers every candidate key of every entry — canonical id,
// auxiliary ids, and both the 0-based and 1-based positional index — with
// first registration winning. The result preserves input order, drops blank
// or unmatched ids, and is unique by resulting description. An empty
// placeholder selects SinDescripcion.
func Labels(ids []domain.FlexID, dataset []domain.Entidad, placeholder string) []string {
	if placeholder == "" {
		placeholder = SinDescripcion
	}
	table := make(map[string]string, len(dataset)*4)
	put := func(key, desc string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, taken := table[key]; !taken {
			table[key] = desc
		}
	}
	for i, ent := range dataset {
		desc := strings.TrimSpace(ent.Descripcion)
		if desc == "" {
			desc = placeholder
		}
		put(CanonicalKey(ent, ""), desc)
		put(ent.Identificador.String(), desc)
		put(ent.ID.String(), desc)
		put(strconv.Itoa(i), desc)
		put(strconv.Itoa(i+1), desc)
	}

	out := []string{}
	seen := map[string]struct{}{}
	for _, id := range ids {
		key := strings.TrimSpace(id.String())
		if key == "" {
			continue
		}
		desc, ok := table[key]
		if !ok {
			continue
		}
		if _, dup := seen[desc]; dup {
			continue
		}
		seen[desc] = struct{}{}
		out = append(out, desc)
	}
	return out
}
