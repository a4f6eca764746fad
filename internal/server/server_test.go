package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"leccionario/internal/config"
	"leccionario/internal/db"
	"leccionario/internal/engine"
	"leccionario/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("leccionario"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:                "test-secret",
			AllowSimulatedUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(nombre, correo, rol string) map[string]string {
	raw, _ := json.Marshal(map[string]string{"nombre": nombre, "correo": correo, "rol": rol})
	return map[string]string{"X-Usuario-Simulado": string(raw)}
}

func TestFlujoLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	autora := asUser("Ana", "ana@example.com", "Colaborador")
	responsable := asUser("Luis", "luis@example.com", "Responsable")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos", map[string]any{
		"descripcion": "Falla en compresor",
		"responsable": map[string]string{"nombre": "Luis", "correo": "luis@example.com"},
	}, autora)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proyecto status %d: %s", res.StatusCode, string(data))
	}
	var created ProyectoResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal proyecto: %v", err)
	}
	if created.Estado.Descripcion != "Borrador" {
		t.Fatalf("estado = %q", created.Estado.Descripcion)
	}

	flujoRes, flujoBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proyectos/"+created.ID+"/flujo", nil, autora)
	if flujoRes.StatusCode != http.StatusOK {
		t.Fatalf("get flujo status %d: %s", flujoRes.StatusCode, string(flujoBody))
	}
	var flujo FlujoResponse
	_ = json.Unmarshal(flujoBody, &flujo)
	if len(flujo.Acciones) != 1 || flujo.Acciones[0] != "sendToReview" {
		t.Fatalf("acciones = %v", flujo.Acciones)
	}
	if !flujo.PuedeEditar {
		t.Fatalf("author must be able to edit their draft")
	}

	// author may not publish a draft
	pubRes, pubBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos/"+created.ID+"/flujo", map[string]string{
		"accion": "publish",
	}, autora)
	if pubRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", pubRes.StatusCode, string(pubBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(pubBody, &envelope)
	if envelope.Error.Code != "transition_not_allowed" {
		t.Fatalf("error code = %q: %s", envelope.Error.Code, string(pubBody))
	}

	sendRes, sendBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos/"+created.ID+"/flujo", map[string]string{
		"accion": "sendToReview",
	}, autora)
	if sendRes.StatusCode != http.StatusOK {
		t.Fatalf("sendToReview status %d: %s", sendRes.StatusCode, string(sendBody))
	}

	pubRes, pubBody = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos/"+created.ID+"/flujo", map[string]string{
		"accion": "publish",
	}, responsable)
	if pubRes.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", pubRes.StatusCode, string(pubBody))
	}
	var published ProyectoResponse
	_ = json.Unmarshal(pubBody, &published)
	if published.Estado.Descripcion != "Publicado" {
		t.Fatalf("estado = %q", published.Estado.Descripcion)
	}
}

func TestEventoGrafoYEtiquetas(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	autora := asUser("Ana", "ana@example.com", "Colaborador")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos", map[string]any{
		"id":          "lec-1",
		"descripcion": "Derrame menor",
	}, autora)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proyecto: %d %s", res.StatusCode, string(data))
	}

	evRes, evBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proyectos/lec-1/eventos", map[string]any{
		"evento": map[string]any{"id": "ev-1", "titulo": "Derrame en patio"},
		"impactos": []map[string]any{
			{"impacto": map[string]any{"id": 1, "descripcion": "Suelo contaminado"},
				"acciones": []map[string]any{
					{"accion": map[string]any{"id": "a-1", "descripcion": "Contención"}},
				}},
		},
		"acciones": []map[string]any{
			{"accion": map[string]any{"id": "a-1"}, "resultadoIds": []string{"r-1"}},
		},
		"resultados": []map[string]any{
			{"resultado": map[string]any{"id": "r-1", "descripcion": "Área recuperada"}},
		},
	}, autora)
	if evRes.StatusCode != http.StatusCreated {
		t.Fatalf("ingest evento: %d %s", evRes.StatusCode, string(evBody))
	}

	grafoRes, grafoBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/eventos/ev-1/grafo", nil, autora)
	if grafoRes.StatusCode != http.StatusOK {
		t.Fatalf("grafo: %d %s", grafoRes.StatusCode, string(grafoBody))
	}
	var grafo struct {
		Acciones []struct {
			ImpactoIDs   []string `json:"impactoIds"`
			ResultadoIDs []string `json:"resultadoIds"`
		} `json:"acciones"`
	}
	if err := json.Unmarshal(grafoBody, &grafo); err != nil {
		t.Fatalf("unmarshal grafo: %v", err)
	}
	if len(grafo.Acciones) != 1 {
		t.Fatalf("acciones = %+v", grafo.Acciones)
	}
	if len(grafo.Acciones[0].ImpactoIDs) != 1 || len(grafo.Acciones[0].ResultadoIDs) != 1 {
		t.Fatalf("relation ids = %+v", grafo.Acciones[0])
	}

	etRes, etBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/eventos/ev-1/etiquetas", map[string]any{
		"tipo": "resultado",
		"ids":  []string{"r-1", "r-1", "nope"},
	}, autora)
	if etRes.StatusCode != http.StatusOK {
		t.Fatalf("etiquetas: %d %s", etRes.StatusCode, string(etBody))
	}
	var etiquetas EtiquetasResponse
	_ = json.Unmarshal(etBody, &etiquetas)
	if len(etiquetas.Etiquetas) != 1 || etiquetas.Etiquetas[0] != "Área recuperada" {
		t.Fatalf("etiquetas = %v", etiquetas.Etiquetas)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proyectos", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]string{
		"correo": "ana@example.com",
		"nombre": "Ana",
		"rol":    "Colaborador",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("token missing: %v %s", err, string(body))
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meBody))
	}
	var me MeResponse
	_ = json.Unmarshal(meBody, &me)
	if me.Correo != "ana@example.com" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}
}
