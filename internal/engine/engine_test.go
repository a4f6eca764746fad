package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"leccionario/internal/config"
	"leccionario/internal/db"
	"leccionario/internal/domain"
	"leccionario/internal/engine"
	"leccionario/internal/graph"
	"leccionario/internal/migrate"
	"leccionario/internal/repo"
	"leccionario/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	autora = domain.Usuario{Nombre: "Ana", Correo: "ana@example.com", Rol: "Colaborador"}
	revisa = domain.Usuario{Nombre: "Luis", Correo: "luis@example.com", Rol: "Responsable"}
	admin  = domain.Usuario{Nombre: "Root", Correo: "root@example.com", Rol: "Administrador"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("lec-1"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func crearProyecto(t *testing.T, env testEnv) domain.Proyecto {
	t.Helper()
	p, err := env.Engine.CreateProyecto(env.Ctx, engine.ProyectoCreateOptions{
		ID:          "lec-1",
		Descripcion: "Falla en bomba de alimentación",
		Responsable: domain.Identidad{Nombre: revisa.Nombre, Correo: revisa.Correo},
		Actor:       autora,
	})
	if err != nil {
		t.Fatalf("create proyecto: %v", err)
	}
	return p
}

func TestCreateProyectoStartsInBorrador(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if p.Estado.Descripcion != workflow.EstadoBorrador {
		t.Fatalf("estado = %q, want Borrador", p.Estado.Descripcion)
	}
	if p.Autor.Correo != autora.Correo {
		t.Fatalf("autor = %q", p.Autor.Correo)
	}
	if _, err := env.Engine.Repo.GetProyectoConfig(env.Ctx, p.ID); err != nil {
		t.Fatalf("seeded config: %v", err)
	}
}

func TestFlujoCompleto(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)

	// author sends to review, responsible publishes
	p, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionSendToReview)
	if err != nil || p.Estado.Descripcion != workflow.EstadoEnRevision {
		t.Fatalf("sendToReview: %v (estado %q)", err, p.Estado.Descripcion)
	}
	p, err = env.Engine.ApplyAction(env.Ctx, p.ID, revisa, workflow.ActionPublish)
	if err != nil || p.Estado.Descripcion != workflow.EstadoPublicado {
		t.Fatalf("publish: %v (estado %q)", err, p.Estado.Descripcion)
	}
	// only an administrator reopens a published record
	if _, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionReturnToReview); err == nil {
		t.Fatalf("expected transition error for autora")
	}
	p, err = env.Engine.ApplyAction(env.Ctx, p.ID, admin, workflow.ActionReturnToReview)
	if err != nil || p.Estado.Descripcion != workflow.EstadoEnRevision {
		t.Fatalf("returnToReview: %v", err)
	}
}

func TestApplyActionNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	_, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionPublish)
	var notAllowed workflow.NotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected NotAllowedError, got %v", err)
	}
	// status unchanged
	got, err := env.Engine.GetProyecto(env.Ctx, p.ID)
	if err != nil || got.Estado.Descripcion != workflow.EstadoBorrador {
		t.Fatalf("estado = %q, %v", got.Estado.Descripcion, err)
	}
}

func TestUpdateProyectoGuardedByEstado(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)

	desc := "Falla en bomba de alimentación (rev 2)"
	if _, err := env.Engine.UpdateProyecto(env.Ctx, p.ID, engine.ProyectoUpdateOptions{Descripcion: &desc, Actor: autora}); err != nil {
		t.Fatalf("author edits own draft: %v", err)
	}
	if _, err := env.Engine.UpdateProyecto(env.Ctx, p.ID, engine.ProyectoUpdateOptions{Descripcion: &desc, Actor: revisa}); err == nil {
		t.Fatalf("expected edit denial for non-author in draft")
	}

	if _, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionSendToReview); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProyecto(env.Ctx, p.ID, engine.ProyectoUpdateOptions{Descripcion: &desc, Actor: autora}); err == nil {
		t.Fatalf("expected edit denial for author under review")
	}
	if _, err := env.Engine.UpdateProyecto(env.Ctx, p.ID, engine.ProyectoUpdateOptions{Descripcion: &desc, Actor: revisa}); err != nil {
		t.Fatalf("responsible edits under review: %v", err)
	}
}

func TestAllowedActionsWithOverride(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	got, err := env.Engine.AllowedActions(env.Ctx, p.ID, admin, "Publicado")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != workflow.ActionReturnToReview {
		t.Fatalf("override actions = %v", got)
	}
}

const eventoPayload = `{
  "evento": {"id": "ev-1", "titulo": "Parada no programada"},
  "impactos": [
    {"impacto": {"id": 1, "descripcion": "Pérdida de producción"},
     "acciones": [{"accion": {"id": "a-1", "descripcion": "Revisar sellos"}}]}
  ],
  "acciones": [
    {"accion": {"id": "a-1"}, "resultadoIds": ["r-1"]}
  ],
  "resultados": [
    {"resultado": {"id": "r-1", "descripcion": "Sellos reemplazados"},
     "lecciones": [{"leccion": {"id": "l-1", "descripcion": "Inspeccionar sellos cada trimestre"}}]}
  ]
}`

func TestIngestEventoAndNormalize(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)

	ev, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(eventoPayload), autora)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ev.ID != "ev-1" {
		t.Fatalf("evento id = %q", ev.ID)
	}

	n, err := env.Engine.NormalizedEvento(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(n.Impactos) != 1 || len(n.Acciones) != 1 || len(n.Resultados) != 1 || len(n.Lecciones) != 1 {
		t.Fatalf("collections = %d/%d/%d/%d", len(n.Impactos), len(n.Acciones), len(n.Resultados), len(n.Lecciones))
	}
	a := n.Acciones[0]
	if len(a.ImpactoIDs) != 1 || a.ImpactoIDs[0] != "1" {
		t.Fatalf("accion.impactoIds = %v", a.ImpactoIDs)
	}
	if len(a.ResultadoIDs) != 1 || a.ResultadoIDs[0] != "r-1" {
		t.Fatalf("accion.resultadoIds = %v", a.ResultadoIDs)
	}
}

func TestEtiquetas(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	ev, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(eventoPayload), autora)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Etiquetas(env.Ctx, ev.ID, graph.KindResultado, []domain.FlexID{"r-1", "nope", "r-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "Sellos reemplazados" {
		t.Fatalf("etiquetas = %v", got)
	}
}

func TestEtiquetasUsesConfiguredPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Placeholders.SinDescripcion = "(sin texto)"
	p := crearProyecto(t, env)
	payload := `{
	  "evento": {"id": "ev-2", "titulo": "Parada"},
	  "resultados": [{"resultado": {"id": "r-9"}}]
	}`
	ev, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(payload), autora)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Etiquetas(env.Ctx, ev.ID, graph.KindResultado, []domain.FlexID{"r-9"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "(sin texto)" {
		t.Fatalf("etiquetas = %v", got)
	}
}

func TestBuscarLecciones(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if _, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(eventoPayload), autora); err != nil {
		t.Fatal(err)
	}
	hits, err := env.Engine.BuscarLecciones(env.Ctx, p.ID, "SELLOS")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].LeccionID != "l-1" {
		t.Fatalf("hits = %+v", hits)
	}
	hits, err = env.Engine.BuscarLecciones(env.Ctx, p.ID, "válvula")
	if err != nil || len(hits) != 0 {
		t.Fatalf("hits = %+v, %v", hits, err)
	}
}

func TestLectores(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	l, err := env.Engine.AddLector(env.Ctx, p.ID, domain.Identidad{Nombre: "Eva", Correo: "eva@example.com"}, autora)
	if err != nil {
		t.Fatalf("add lector: %v", err)
	}
	list, err := env.Engine.ListLectores(env.Ctx, p.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	if err := env.Engine.RemoveLector(env.Ctx, l.ID, autora); err != nil {
		t.Fatalf("remove lector: %v", err)
	}
	list, _ = env.Engine.ListLectores(env.Ctx, p.ID)
	if len(list) != 0 {
		t.Fatalf("lector not removed: %v", list)
	}
}

func TestAddLectorRejectsDuplicateCorreo(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if _, err := env.Engine.AddLector(env.Ctx, p.ID, domain.Identidad{Correo: "eva@example.com"}, autora); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := env.Engine.AddLector(env.Ctx, p.ID, domain.Identidad{Nombre: "Eva", Correo: "eva@example.com"}, autora)
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	list, _ := env.Engine.ListLectores(env.Ctx, p.ID)
	if len(list) != 1 {
		t.Fatalf("lectores = %v", list)
	}
}

func TestDeleteEvento(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	ev, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(eventoPayload), autora)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteEvento(env.Ctx, ev.ID, admin); err != nil {
		t.Fatalf("delete evento: %v", err)
	}
	if _, err := env.Engine.GetEvento(env.Ctx, ev.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := env.Engine.DeleteEvento(env.Ctx, ev.ID, admin); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, p.ID, "evento.deleted", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("audit = %v, %v", evts, err)
	}
	if evts[0].ActorEmail != admin.Correo {
		t.Fatalf("actor = %q", evts[0].ActorEmail)
	}
}

func TestProyectosPorEstado(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if _, err := env.Engine.CreateProyecto(env.Ctx, engine.ProyectoCreateOptions{
		ID:          "lec-2",
		Descripcion: "Fuga en válvula de alivio",
		Responsable: domain.Identidad{Correo: revisa.Correo},
		Actor:       autora,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionSendToReview); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Engine.ProyectosPorEstado(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[workflow.EstadoBorrador] != 1 || counts[workflow.EstadoEnRevision] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestResumen(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if _, err := env.Engine.IngestEvento(env.Ctx, p.ID, []byte(eventoPayload), autora); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddLector(env.Ctx, p.ID, domain.Identidad{Correo: "eva@example.com"}, autora); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.GetResumen(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Eventos != 1 || res.Lectores != 1 {
		t.Fatalf("resumen = %+v", res)
	}
	want := engine.ResumenTotales{Impactos: 1, Acciones: 1, Resultados: 1, Lecciones: 1}
	if res.Totales != want {
		t.Fatalf("totales = %+v", res.Totales)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, cleartext, err := env.Engine.CreateAPIKey(env.Ctx, "ci", domain.Usuario{Correo: "bot@example.com", Rol: "colaborador"}, admin)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if cleartext == "" || key.KeyHash == cleartext {
		t.Fatalf("cleartext must differ from stored hash")
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "bot@example.com")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys = %v, %v", keys, err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatal(err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	p := crearProyecto(t, env)
	if _, err := env.Engine.ApplyAction(env.Ctx, p.ID, autora, workflow.ActionSendToReview); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, p.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) < 2 {
		t.Fatalf("expected created+flujo events, got %d", len(evts))
	}
	if evts[0].Type != "proyecto.flujo" {
		t.Fatalf("latest event = %q", evts[0].Type)
	}
	if evts[0].ActorEmail != autora.Correo {
		t.Fatalf("actor = %q", evts[0].ActorEmail)
	}
}
