package leccionariosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leccionario HTTP API client.
type Client struct {
	BaseURL     string
	ProyectoID  string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, proyectoID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		ProyectoID: proyectoID,
		Timeout:    10 * time.Second,
	}
}

// Identidad is a name/email pair.
type Identidad struct {
	Nombre string `json:"nombre,omitempty"`
	Correo string `json:"correo,omitempty"`
}

// Estado is a workflow status.
type Estado struct {
	ID          string `json:"id,omitempty"`
	Descripcion string `json:"descripcion"`
}

// Proyecto represents the API lesson record model (partial).
type Proyecto struct {
	ID          string    `json:"id"`
	Descripcion string    `json:"descripcion"`
	EsPrivado   bool      `json:"esPrivado"`
	Estado      Estado    `json:"estado"`
	Autor       Identidad `json:"autor"`
	Responsable Identidad `json:"responsable"`
	NivelAcceso string    `json:"nivelAcceso"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
}

// Flujo lists the transitions the authenticated identity may take.
type Flujo struct {
	Acciones    []string `json:"acciones"`
	PuedeEditar bool     `json:"puedeEditar"`
}

// Evento is a stored event header.
type Evento struct {
	ID          string `json:"id"`
	ProyectoID  string `json:"proyecto_id"`
	Titulo      string `json:"titulo"`
	Descripcion string `json:"descripcion,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Entidad is one node of the normalized event graph.
type Entidad struct {
	ID          string `json:"id"`
	Descripcion string `json:"descripcion"`
}

// Grafo is the reconciled relation graph of one event.
type Grafo struct {
	Impactos []struct {
		Impacto   Entidad  `json:"impacto"`
		AccionIDs []string `json:"accionIds"`
	} `json:"impactos"`
	Acciones []struct {
		Accion       Entidad  `json:"accion"`
		ImpactoIDs   []string `json:"impactoIds"`
		ResultadoIDs []string `json:"resultadoIds"`
	} `json:"acciones"`
	Resultados []struct {
		Resultado  Entidad  `json:"resultado"`
		AccionIDs  []string `json:"accionIds"`
		LeccionIDs []string `json:"leccionIds"`
	} `json:"resultados"`
	Lecciones []struct {
		Leccion      Entidad  `json:"leccion"`
		ResultadoIDs []string `json:"resultadoIds"`
	} `json:"lecciones"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProyecto creates a lesson record.
func (c *Client) CreateProyecto(ctx context.Context, id, descripcion string, responsable Identidad) (Proyecto, error) {
	body := map[string]any{
		"descripcion": descripcion,
	}
	if id != "" {
		body["id"] = id
	}
	if responsable.Correo != "" || responsable.Nombre != "" {
		body["responsable"] = responsable
	}
	var resp Proyecto
	err := c.do(ctx, http.MethodPost, "v0/proyectos", body, &resp)
	return resp, err
}

// GetProyecto fetches one lesson record.
func (c *Client) GetProyecto(ctx context.Context, id string) (Proyecto, error) {
	var resp Proyecto
	err := c.do(ctx, http.MethodGet, "v0/proyectos/"+url.PathEscape(c.proyecto(id)), nil, &resp)
	return resp, err
}

// Flujo returns the allowed transitions for the record, optionally evaluated
// against a status other than the stored one.
func (c *Client) Flujo(ctx context.Context, id, estado string) (Flujo, error) {
	endpoint := fmt.Sprintf("v0/proyectos/%s/flujo", url.PathEscape(c.proyecto(id)))
	if estado != "" {
		endpoint += "?estado=" + url.QueryEscape(estado)
	}
	var resp Flujo
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyAccion executes one workflow transition.
func (c *Client) ApplyAccion(ctx context.Context, id, accion string) (Proyecto, error) {
	var resp Proyecto
	endpoint := fmt.Sprintf("v0/proyectos/%s/flujo", url.PathEscape(c.proyecto(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"accion": accion}, &resp)
	return resp, err
}

// IngestEvento submits one raw event payload. The bytes are stored verbatim.
func (c *Client) IngestEvento(ctx context.Context, proyectoID string, payload json.RawMessage) (Evento, error) {
	var resp Evento
	endpoint := fmt.Sprintf("v0/proyectos/%s/eventos", url.PathEscape(c.proyecto(proyectoID)))
	err := c.doRaw(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// Grafo fetches the normalized relation graph of one event.
func (c *Client) Grafo(ctx context.Context, eventoID string) (Grafo, error) {
	var resp Grafo
	err := c.do(ctx, http.MethodGet, "v0/eventos/"+url.PathEscape(eventoID)+"/grafo", nil, &resp)
	return resp, err
}

// Etiquetas resolves relation ids of one entity kind into descriptions.
func (c *Client) Etiquetas(ctx context.Context, eventoID, tipo string, ids []string) ([]string, error) {
	var resp struct {
		Etiquetas []string `json:"etiquetas"`
	}
	endpoint := "v0/eventos/" + url.PathEscape(eventoID) + "/etiquetas"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"tipo": tipo, "ids": ids}, &resp)
	return resp.Etiquetas, err
}

// LeccionHit is one search result.
type LeccionHit struct {
	EventoID    string `json:"evento_id"`
	Titulo      string `json:"titulo,omitempty"`
	LeccionID   string `json:"leccion_id"`
	Descripcion string `json:"descripcion"`
}

// BuscarLecciones searches lesson descriptions across stored events.
func (c *Client) BuscarLecciones(ctx context.Context, proyectoID, q string) ([]LeccionHit, error) {
	var resp []LeccionHit
	endpoint := fmt.Sprintf("v0/lecciones?proyecto=%s&q=%s",
		url.QueryEscape(c.proyecto(proyectoID)), url.QueryEscape(q))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	return c.doRaw(ctx, method, endpoint, raw, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body json.RawMessage, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) proyecto(override string) string {
	if override != "" {
		return override
	}
	return c.ProyectoID
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
