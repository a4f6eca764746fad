package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"leccionario/internal/domain"
	"leccionario/internal/engine"
	"leccionario/internal/graph"
	"leccionario/internal/repo"
	"leccionario/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_not_allowed"`
	Message string         `json:"message" example:"acción publish no permitida en estado Borrador"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"accion\":\"publish\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Leccionario API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Leccionario API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProyectos(group, cfg.Engine)
	registerFlujo(group, cfg.Engine)
	registerResumen(group, cfg.Engine)
	registerEstadisticas(group, cfg.Engine)
	registerEventos(group, cfg.Engine)
	registerLectores(group, cfg.Engine)
	registerLecciones(group, cfg.Engine)
	registerClaves(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var na workflow.NotAllowedError
	if errors.As(err, &na) {
		return newAPIError(http.StatusForbidden, "transition_not_allowed", err.Error(), map[string]any{
			"accion": string(na.Accion),
			"estado": na.Estado,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]struct{}{
		path.Join("/", basePath, "health"):         {},
		path.Join("/", basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="es">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leccionario API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProyectos(api huma.API, e engine.Engine) {
	placeholder := e.Config.NivelAccesoNoEspecificado()

	huma.Register(api, huma.Operation{
		OperationID:   "create-proyecto",
		Method:        http.MethodPost,
		Path:          "/proyectos",
		Summary:       "Create lesson record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProyectoRequest `json:"body"`
	}) (*struct {
		Body ProyectoResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.CreateProyecto(ctx, engine.ProyectoCreateOptions{
			ID:                 input.Body.ID,
			Descripcion:        input.Body.Descripcion,
			AplicacionPractica: input.Body.AplicacionPractica,
			EsPrivado:          input.Body.EsPrivado,
			Responsable:        domain.Identidad{Nombre: input.Body.Responsable.Nombre, Correo: input.Body.Responsable.Correo},
			Sitio:              input.Body.Sitio,
			Empresa:            input.Body.Empresa,
			Proceso:            input.Body.Proceso,
			NivelAcceso:        input.Body.NivelAcceso,
			Actor:              actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProyectoResponse `json:"body"`
		}{Body: proyectoResponse(p, placeholder)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proyectos",
		Method:      http.MethodGet,
		Path:        "/proyectos",
		Summary:     "List lesson records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProyectoResponse `json:"body"`
	}, error) {
		items, err := e.ListProyectos(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProyectoResponse, 0, len(items))
		for _, p := range items {
			res = append(res, proyectoResponse(p, placeholder))
		}
		return &struct {
			Body []ProyectoResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proyecto",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}",
		Summary:     "Get lesson record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
	}) (*struct {
		Body ProyectoResponse `json:"body"`
	}, error) {
		p, err := e.GetProyecto(ctx, input.ProyectoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProyectoResponse `json:"body"`
		}{Body: proyectoResponse(p, placeholder)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-proyecto",
		Method:      http.MethodPatch,
		Path:        "/proyectos/{proyecto_id}",
		Summary:     "Edit lesson record fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProyectoID string                `path:"proyecto_id"`
		Body       UpdateProyectoRequest `json:"body"`
	}) (*struct {
		Body ProyectoResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProyecto(ctx, input.ProyectoID, updateOptions(input.Body, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProyectoResponse `json:"body"`
		}{Body: proyectoResponse(p, placeholder)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-proyecto",
		Method:      http.MethodDelete,
		Path:        "/proyectos/{proyecto_id}",
		Summary:     "Delete lesson record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
	}) (*struct{}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if workflow.Fold(actor.Rol) != workflow.RolAdministrador {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "solo un administrador puede eliminar registros", nil)
		}
		if err := e.Repo.DeleteProyecto(ctx, input.ProyectoID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFlujo(api huma.API, e engine.Engine) {
	placeholder := e.Config.NivelAccesoNoEspecificado()

	huma.Register(api, huma.Operation{
		OperationID: "get-flujo",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}/flujo",
		Summary:     "Allowed workflow actions for the caller",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
		Estado     string `query:"estado"`
	}) (*struct {
		Body FlujoResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acciones, err := e.AllowedActions(ctx, input.ProyectoID, actor, input.Estado)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetProyecto(ctx, input.ProyectoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlujoResponse `json:"body"`
		}{Body: FlujoResponse{
			Acciones:    nonNilSlice(accionesAsStrings(acciones)),
			PuedeEditar: e.Rules().CanEdit(&p, actor),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-flujo",
		Method:      http.MethodPost,
		Path:        "/proyectos/{proyecto_id}/flujo",
		Summary:     "Apply a workflow transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProyectoID string       `path:"proyecto_id"`
		Body       FlujoRequest `json:"body"`
	}) (*struct {
		Body ProyectoResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		accion, ok := workflow.ParseAction(input.Body.Accion)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "acción desconocida", map[string]any{"accion": input.Body.Accion})
		}
		p, err := e.ApplyAction(ctx, input.ProyectoID, actor, accion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProyectoResponse `json:"body"`
		}{Body: proyectoResponse(p, placeholder)}, nil
	})
}

func registerResumen(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-resumen",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}/resumen",
		Summary:     "Record summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
	}) (*struct {
		Body engine.Resumen `json:"body"`
	}, error) {
		res, err := e.GetResumen(ctx, input.ProyectoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Resumen `json:"body"`
		}{Body: res}, nil
	})
}

func registerEstadisticas(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-estadisticas",
		Method:      http.MethodGet,
		Path:        "/estadisticas",
		Summary:     "Record counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EstadisticasResponse `json:"body"`
	}, error) {
		counts, err := e.ProyectosPorEstado(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if counts == nil {
			counts = map[string]int{}
		}
		return &struct {
			Body EstadisticasResponse `json:"body"`
		}{Body: EstadisticasResponse{ProyectosPorEstado: counts}}, nil
	})
}

func registerEventos(api huma.API, e engine.Engine) {
	sinInformacion := e.Config.SinInformacion()

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-evento",
		Method:        http.MethodPost,
		Path:          "/proyectos/{proyecto_id}/eventos",
		Summary:       "Ingest one event payload",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProyectoID string           `path:"proyecto_id"`
		Body       domain.EventoDTO `json:"body"`
	}) (*struct {
		Body EventoResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		// The stored payload is the submitted bytes, not a re-marshal.
		ev, err := e.IngestEvento(ctx, input.ProyectoID, raw, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventoResponse `json:"body"`
		}{Body: eventoResponse(ev, sinInformacion)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-eventos",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}/eventos",
		Summary:     "List events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEventos `json:"body"`
	}, error) {
		items, err := e.ListEventos(ctx, input.ProyectoID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEventos{Items: []EventoResponse{}}
		for _, ev := range items {
			resp.Items = append(resp.Items, eventoResponse(ev, sinInformacion))
		}
		return &struct {
			Body paginatedEventos `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evento",
		Method:      http.MethodGet,
		Path:        "/eventos/{evento_id}",
		Summary:     "Get event header",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventoID string `path:"evento_id"`
	}) (*struct {
		Body EventoResponse `json:"body"`
	}, error) {
		ev, err := e.GetEvento(ctx, input.EventoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventoResponse `json:"body"`
		}{Body: eventoResponse(ev, sinInformacion)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evento-grafo",
		Method:      http.MethodGet,
		Path:        "/eventos/{evento_id}/grafo",
		Summary:     "Normalized causal graph of an event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventoID string `path:"evento_id"`
	}) (*struct {
		Body domain.EventoNormalizado `json:"body"`
	}, error) {
		n, err := e.NormalizedEvento(ctx, input.EventoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EventoNormalizado `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-evento",
		Method:      http.MethodDelete,
		Path:        "/eventos/{evento_id}",
		Summary:     "Delete event",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventoID string `path:"evento_id"`
	}) (*struct{}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if workflow.Fold(actor.Rol) != workflow.RolAdministrador {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "solo un administrador puede eliminar eventos", nil)
		}
		if err := e.DeleteEvento(ctx, input.EventoID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-etiquetas",
		Method:      http.MethodPost,
		Path:        "/eventos/{evento_id}/etiquetas",
		Summary:     "Resolve relation ids into descriptions",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		EventoID string           `path:"evento_id"`
		Body     EtiquetasRequest `json:"body"`
	}) (*struct {
		Body EtiquetasResponse `json:"body"`
	}, error) {
		kind, ok := graph.ParseKind(input.Body.Tipo)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tipo desconocido", map[string]any{"tipo": input.Body.Tipo})
		}
		etiquetas, err := e.Etiquetas(ctx, input.EventoID, kind, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EtiquetasResponse `json:"body"`
		}{Body: EtiquetasResponse{Etiquetas: nonNilSlice(etiquetas)}}, nil
	})
}

func registerLectores(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-lector",
		Method:        http.MethodPost,
		Path:          "/proyectos/{proyecto_id}/lectores",
		Summary:       "Allow-list a viewer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProyectoID string        `path:"proyecto_id"`
		Body       LectorRequest `json:"body"`
	}) (*struct {
		Body domain.Lector `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.AddLector(ctx, input.ProyectoID, domain.Identidad{Nombre: input.Body.Nombre, Correo: input.Body.Correo}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lector `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lectores",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}/lectores",
		Summary:     "List allow-listed viewers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
	}) (*struct {
		Body []domain.Lector `json:"body"`
	}, error) {
		items, err := e.ListLectores(ctx, input.ProyectoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lector `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-lector",
		Method:      http.MethodDelete,
		Path:        "/lectores/{lector_id}",
		Summary:     "Remove an allow-listed viewer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LectorID string `path:"lector_id"`
	}) (*struct{}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveLector(ctx, input.LectorID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLecciones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-lecciones",
		Method:      http.MethodGet,
		Path:        "/lecciones",
		Summary:     "Search lessons across stored events",
	}, func(ctx context.Context, input *struct {
		Proyecto string `query:"proyecto"`
		Q        string `query:"q"`
	}) (*struct {
		Body []engine.LeccionHit `json:"body"`
	}, error) {
		hits, err := e.BuscarLecciones(ctx, input.Proyecto, input.Q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.LeccionHit `json:"body"`
		}{Body: nonNilSlice(hits)}, nil
	})
}

func registerClaves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-clave",
		Method:        http.MethodPost,
		Path:          "/claves",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaveRequest `json:"body"`
	}) (*struct {
		Body ClaveCreatedResponse `json:"body"`
	}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if workflow.Fold(actor.Rol) != workflow.RolAdministrador {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "solo un administrador puede emitir claves", nil)
		}
		key, cleartext, err := e.CreateAPIKey(ctx, input.Body.Nombre, domain.Usuario{
			Nombre: input.Body.Nombre,
			Correo: input.Body.Correo,
			Rol:    input.Body.Rol,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaveCreatedResponse `json:"body"`
		}{Body: ClaveCreatedResponse{ClaveResponse: claveResponse(key), Clave: cleartext}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claves",
		Method:      http.MethodGet,
		Path:        "/claves",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Correo string `query:"correo"`
	}) (*struct {
		Body []ClaveResponse `json:"body"`
	}, error) {
		keys, err := e.ListAPIKeys(ctx, input.Correo)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ClaveResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, claveResponse(k))
		}
		return &struct {
			Body []ClaveResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-clave",
		Method:      http.MethodDelete,
		Path:        "/claves/{clave_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ClaveID string `path:"clave_id"`
	}) (*struct{}, error) {
		actor, authErr := usuarioFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if workflow.Fold(actor.Rol) != workflow.RolAdministrador {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "solo un administrador puede revocar claves", nil)
		}
		if err := e.DeleteAPIKey(ctx, input.ClaveID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-log",
		Method:      http.MethodGet,
		Path:        "/proyectos/{proyecto_id}/log",
		Summary:     "Recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProyectoID string `path:"proyecto_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"proyecto,evento,lector,apikey,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedAuditEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProyectoID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAuditEvents{Items: []AuditEventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, auditEventResponse(evt))
		}
		return &struct {
			Body paginatedAuditEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			Nombre: principal.Usuario.Nombre,
			Correo: principal.Usuario.Correo,
			Rol:    principal.Usuario.Rol,
			Source: principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		correo := strings.TrimSpace(input.Body.Correo)
		if correo == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "correo is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, correo, input.Body.Nombre, input.Body.Rol)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
