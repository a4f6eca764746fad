package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leccionario/internal/domain"
)

func proyecto(estado string, autor, responsable domain.Identidad) *domain.Proyecto {
	return &domain.Proyecto{
		ID:          "p-1",
		Estado:      domain.Estado{Descripcion: estado},
		Autor:       autor,
		Responsable: responsable,
	}
}

var (
	ana  = domain.Identidad{Nombre: "Ana", Correo: "ana@example.com"}
	luis = domain.Identidad{Nombre: "Luis", Correo: "luis@example.com"}
)

func usuario(id domain.Identidad, rol string) domain.Usuario {
	return domain.Usuario{Nombre: id.Nombre, Correo: id.Correo, Rol: rol}
}

func TestAllowed_TransitionTable(t *testing.T) {
	rules := Default()
	tests := []struct {
		name   string
		estado string
		user   domain.Usuario
		want   []Action
	}{
		{"borrador administrador", "Borrador", usuario(luis, "Administrador"), []Action{ActionPublish, ActionSendToReview}},
		{"borrador responsable autor", "Borrador", usuario(ana, "Responsable"), []Action{ActionPublish}},
		{"borrador responsable no autor", "Borrador", usuario(luis, "Responsable"), []Action{}},
		{"borrador colaborador autor", "Borrador", usuario(ana, "Colaborador"), []Action{ActionSendToReview}},
		{"borrador colaborador no autor", "Borrador", usuario(luis, "Colaborador"), []Action{}},
		{"revision administrador", "En Revisión", usuario(ana, "Administrador"), []Action{ActionPublish, ActionReturnToDraft}},
		{"revision responsable designado", "En Revisión", usuario(luis, "Responsable"), []Action{ActionPublish, ActionReturnToDraft}},
		{"revision responsable ajeno", "En Revisión", usuario(ana, "Responsable"), []Action{}},
		{"revision colaborador", "En Revisión", usuario(ana, "Colaborador"), []Action{}},
		{"publicado administrador", "Publicado", usuario(ana, "Administrador"), []Action{ActionReturnToReview}},
		{"publicado colaborador", "Publicado", usuario(ana, "Colaborador"), []Action{}},
		{"estado desconocido", "Archivado", usuario(ana, "Administrador"), []Action{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := proyecto(tt.estado, ana, luis)
			assert.Equal(t, tt.want, rules.Allowed(p, tt.user, nil))
		})
	}
}

func TestAllowed_CaseAndDiacriticInsensitive(t *testing.T) {
	rules := Default()
	p := proyecto("en revision", ana, luis)
	got := rules.Allowed(p, usuario(ana, "ADMINISTRADOR"), nil)
	assert.Equal(t, []Action{ActionPublish, ActionReturnToDraft}, got)

	// Accented status spelling matches the unaccented one and vice versa.
	p = proyecto("EN REVISIÓN", ana, luis)
	got = rules.Allowed(p, usuario(luis, "responsable"), nil)
	assert.Equal(t, []Action{ActionPublish, ActionReturnToDraft}, got)
}

func TestAllowed_EstadoOverride(t *testing.T) {
	rules := Default()
	p := proyecto("Borrador", ana, luis)
	got := rules.Allowed(p, usuario(ana, "Administrador"), &Options{OverrideEstado: "Publicado"})
	assert.Equal(t, []Action{ActionReturnToReview}, got)
}

func TestAllowed_NilRecordHasNoTransitions(t *testing.T) {
	rules := Default()
	assert.Empty(t, rules.Allowed(nil, usuario(ana, "Administrador"), nil))
}

func TestAllowed_RoleAliases(t *testing.T) {
	rules := Rules{Aliases: map[string][]string{
		RolAdministrador: {"admin", "Administrator"},
	}}
	p := proyecto("Publicado", ana, luis)
	assert.Equal(t, []Action{ActionReturnToReview}, rules.Allowed(p, usuario(ana, "admin"), nil))
	assert.Empty(t, rules.Allowed(p, usuario(ana, "gerente"), nil))
}

func TestCanEdit(t *testing.T) {
	rules := Default()

	assert.True(t, rules.CanEdit(nil, usuario(ana, "Colaborador")), "new record always editable")

	p := proyecto("Borrador", ana, luis)
	assert.True(t, rules.CanEdit(p, usuario(ana, "Colaborador")), "author edits own draft")
	assert.False(t, rules.CanEdit(p, usuario(luis, "Colaborador")))
	assert.True(t, rules.CanEdit(p, usuario(luis, "Administrador")))

	p = proyecto("En Revisión", ana, luis)
	assert.True(t, rules.CanEdit(p, usuario(luis, "Colaborador")), "responsible edits under review")
	assert.False(t, rules.CanEdit(p, usuario(ana, "Colaborador")))

	p = proyecto("Publicado", ana, luis)
	assert.False(t, rules.CanEdit(p, usuario(ana, "Colaborador")), "published locks the author out")
	assert.True(t, rules.CanEdit(p, usuario(ana, "Administrador")))
}

func TestSameCorreo(t *testing.T) {
	assert.True(t, SameCorreo("Ana@Example.com ", "ana@example.com"))
	assert.True(t, SameCorreo("maría@example.com", "maria@example.com"))
	assert.False(t, SameCorreo("", ""), "two unset identities are never the same person")
	assert.False(t, SameCorreo("  ", ""))
	assert.False(t, SameCorreo("ana@example.com", ""))
}

func TestApply(t *testing.T) {
	rules := Default()
	p := proyecto("Borrador", ana, luis)

	estado, err := rules.Apply(p, usuario(ana, "Colaborador"), ActionSendToReview)
	require.NoError(t, err)
	assert.Equal(t, EstadoEnRevision, estado.Descripcion)

	_, err = rules.Apply(p, usuario(ana, "Colaborador"), ActionPublish)
	var notAllowed NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, ActionPublish, notAllowed.Accion)
}

func TestDestino(t *testing.T) {
	for accion, want := range map[Action]string{
		ActionPublish:        EstadoPublicado,
		ActionSendToReview:   EstadoEnRevision,
		ActionReturnToDraft:  EstadoBorrador,
		ActionReturnToReview: EstadoEnRevision,
	} {
		estado, ok := accion.Destino()
		require.True(t, ok)
		assert.Equal(t, want, estado.Descripcion)
	}
	_, ok := Action("otra").Destino()
	assert.False(t, ok)
}

func TestParseAction(t *testing.T) {
	got, ok := ParseAction(" publish ")
	require.True(t, ok)
	assert.Equal(t, ActionPublish, got)
	_, ok = ParseAction("archive")
	assert.False(t, ok)
}
