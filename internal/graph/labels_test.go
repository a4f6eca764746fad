package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leccionario/internal/domain"
)

func TestLabels_OrderPreservingUniqueByDescription(t *testing.T) {
	dataset := []domain.Entidad{
		ent("1", "", "A"),
		ent("2", "", "B"),
	}
	got := Labels(ids("2", "1", "2"), dataset, "")
	assert.Equal(t, []string{"B", "A"}, got)
}

func TestLabels_PositionalAddressing(t *testing.T) {
	dataset := []domain.Entidad{
		ent("x-900", "", "primera"),
		ent("x-901", "", "segunda"),
		ent("x-902", "", "tercera"),
	}
	// 1-based display positions; "3" resolves to the third entry because no
	// declared id claimed that key first.
	got := Labels(ids("3", "x-900"), dataset, "")
	assert.Equal(t, []string{"tercera", "primera"}, got)
}

func TestLabels_IdentificadorAndIdAliases(t *testing.T) {
	dataset := []domain.Entidad{
		ent("10", "IMP-A", "alfa"),
		ent("11", "IMP-B", "beta"),
	}
	assert.Equal(t, []string{"alfa"}, Labels(ids("IMP-A"), dataset, ""))
	assert.Equal(t, []string{"alfa"}, Labels(ids("10"), dataset, ""))
	assert.Equal(t, []string{"beta", "alfa"}, Labels(ids("11", "IMP-A"), dataset, ""))
}

func TestLabels_SkipsBlanksAndMisses(t *testing.T) {
	dataset := []domain.Entidad{ent("1", "", "A")}
	got := Labels(ids("", "  ", "nope", "1"), dataset, "")
	assert.Equal(t, []string{"A"}, got)
}

func TestLabels_PlaceholderForMissingDescription(t *testing.T) {
	dataset := []domain.Entidad{
		ent("1", "", ""),
		ent("2", "", "   "),
	}
	// Both collapse onto the placeholder, which then deduplicates.
	got := Labels(ids("1", "2"), dataset, "")
	assert.Equal(t, []string{SinDescripcion}, got)
}

func TestLabels_ConfiguredPlaceholder(t *testing.T) {
	dataset := []domain.Entidad{ent("1", "", "")}
	got := Labels(ids("1"), dataset, "(sin texto)")
	assert.Equal(t, []string{"(sin texto)"}, got)
}

func TestLabels_ResolvesSyntheticKeys(t *testing.T) {
	// An id-less entity is addressed by its backfilled synthetic key: the
	// ids a normalized event emits must resolve against its own collection.
	dto := domain.EventoDTO{
		Evento: domain.EventoInfo{ID: "ev-9"},
		Impactos: []domain.ImpactoRel{
			{Impacto: domain.Entidad{Descripcion: "sin id"}, Acciones: []domain.AccionRel{
				{Accion: ent("a1", "", "accion")},
			}},
		},
	}
	n := Normalize(dto)
	require.Len(t, n.Acciones, 1)
	require.NotEmpty(t, n.Acciones[0].ImpactoIDs)

	got := Labels(n.Acciones[0].ImpactoIDs, Entidades(n, KindImpacto), "")
	assert.Equal(t, []string{"sin id"}, got)
}

func TestLabels_EmptyInputs(t *testing.T) {
	assert.Empty(t, Labels(nil, nil, ""))
	assert.Empty(t, Labels(ids("1"), nil, ""))
	assert.Empty(t, Labels(nil, []domain.Entidad{ent("1", "", "A")}, ""))
}
