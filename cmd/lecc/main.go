package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leccionario/internal/app"
	"leccionario/internal/config"
	"leccionario/internal/db"
	"leccionario/internal/domain"
	"leccionario/internal/engine"
	"leccionario/internal/graph"
	"leccionario/internal/migrate"
	"leccionario/internal/repo"
	"leccionario/internal/server"
	"leccionario/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "lecc",
	Short: "Leccionario CLI",
	Long: `Leccionario captures lessons learned from operational events.
Core concepts:
- Workspace: your .leccionario directory with only the database; configs are stored in the DB and imported explicitly.
- Proyecto: one lesson record (project or incident retrospective) moving Borrador -> En Revisión -> Publicado.
- Evento: one submitted event payload with its causal chain (impactos -> acciones -> resultados -> lecciones);
  relations arrive as nested trees or flat id lists and are reconciled on every read.
- Flujo: the allowed transitions for the acting identity, recomputed from status + role + authorship.
- Lectores: the allow-list of extra viewers for a private record.
- Log: diary of changes, view with 'lecc log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LECCIONARIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("correo", "local@leccionario", "acting identity email")
	rootCmd.PersistentFlags().String("nombre", "", "acting identity name")
	rootCmd.PersistentFlags().String("rol", "colaborador", "acting identity role")
	rootCmd.PersistentFlags().String("proyecto", "", "proyecto id (overrides single-record default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("correo", rootCmd.PersistentFlags().Lookup("correo"))
	_ = viper.BindPFlag("nombre", rootCmd.PersistentFlags().Lookup("nombre"))
	_ = viper.BindPFlag("rol", rootCmd.PersistentFlags().Lookup("rol"))
	_ = viper.BindPFlag("proyecto", rootCmd.PersistentFlags().Lookup("proyecto"))
}

func registerCommands() {
	rootCmd.AddCommand(proyectoCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(flujoCmd())
	rootCmd.AddCommand(eventoCmd())
	rootCmd.AddCommand(lectorCmd())
	rootCmd.AddCommand(resumenCmd())
	rootCmd.AddCommand(buscarCmd())
	rootCmd.AddCommand(claveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actingUsuario() domain.Usuario {
	return domain.Usuario{
		Nombre: viper.GetString("nombre"),
		Correo: viper.GetString("correo"),
		Rol:    viper.GetString("rol"),
	}
}

func targetProyecto(e engine.Engine) string {
	if p := strings.TrimSpace(viper.GetString("proyecto")); p != "" {
		return p
	}
	return e.Config.Proyecto.ID
}

func proyectoCmd() *cobra.Command {
	prj := &cobra.Command{Use: "proyecto", Short: "Manage lesson records"}
	prj.AddCommand(proyectoListCmd())
	prj.AddCommand(proyectoCreateCmd())
	prj.AddCommand(proyectoShowCmd())
	prj.AddCommand(proyectoUpdateCmd())
	prj.AddCommand(proyectoDeleteCmd())
	return prj
}

func proyectoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lesson records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProyectos(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Descripción", "Estado", "Autor", "Responsable"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Descripcion, p.Estado.Descripcion, p.Autor.Correo, p.Responsable.Correo})
				}
				tw.Render()
				counts, err := r.CountProyectosByEstado(ctx)
				if err != nil {
					return err
				}
				estados := make([]string, 0, len(counts))
				for estado := range counts {
					estados = append(estados, estado)
				}
				sort.Strings(estados)
				for _, estado := range estados {
					fmt.Printf("%s: %d\n", estado, counts[estado])
				}
				return nil
			})
		},
	}
	return cmd
}

func proyectoCreateCmd() *cobra.Command {
	var id, desc, aplicacion, sitio, empresa, proceso, nivel, respNombre, respCorreo string
	var privado bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create lesson record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if desc == "" {
				return fmt.Errorf("--descripcion required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			opts := engine.ProyectoCreateOptions{
				ID:                 id,
				Descripcion:        desc,
				AplicacionPractica: aplicacion,
				EsPrivado:          privado,
				Responsable:        domain.Identidad{Nombre: respNombre, Correo: respCorreo},
				Sitio:              sitio,
				Empresa:            empresa,
				Proceso:            proceso,
				Actor:              actingUsuario(),
			}
			if cmd.Flags().Changed("nivel-acceso") {
				opts.NivelAcceso = &nivel
			}
			p, err := e.CreateProyecto(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record id (generated when empty)")
	cmd.Flags().StringVar(&desc, "descripcion", "", "description")
	cmd.Flags().StringVar(&aplicacion, "aplicacion-practica", "", "practical application")
	cmd.Flags().BoolVar(&privado, "privado", false, "restrict visibility to author, responsible and lectores")
	cmd.Flags().StringVar(&sitio, "sitio", "", "site")
	cmd.Flags().StringVar(&empresa, "empresa", "", "company")
	cmd.Flags().StringVar(&proceso, "proceso", "", "process")
	cmd.Flags().StringVar(&nivel, "nivel-acceso", "", "access level")
	cmd.Flags().StringVar(&respNombre, "responsable-nombre", "", "responsible name")
	cmd.Flags().StringVar(&respCorreo, "responsable-correo", "", "responsible email")
	_ = cmd.MarkFlagRequired("descripcion")
	return cmd
}

func proyectoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a lesson record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProyecto(ctx, targetProyecto(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proyectoUpdateCmd() *cobra.Command {
	var desc, aplicacion, sitio, empresa, proceso, nivel, respNombre, respCorreo string
	var privado bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Edit lesson record fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProyectoUpdateOptions{Actor: actingUsuario()}
				if cmd.Flags().Changed("descripcion") {
					opts.Descripcion = &desc
				}
				if cmd.Flags().Changed("aplicacion-practica") {
					opts.AplicacionPractica = &aplicacion
				}
				if cmd.Flags().Changed("privado") {
					opts.EsPrivado = &privado
				}
				if cmd.Flags().Changed("sitio") {
					opts.Sitio = &sitio
				}
				if cmd.Flags().Changed("empresa") {
					opts.Empresa = &empresa
				}
				if cmd.Flags().Changed("proceso") {
					opts.Proceso = &proceso
				}
				if cmd.Flags().Changed("nivel-acceso") {
					opts.NivelAcceso = &nivel
				}
				if cmd.Flags().Changed("responsable-correo") {
					opts.Responsable = &domain.Identidad{Nombre: respNombre, Correo: respCorreo}
				}
				p, err := e.UpdateProyecto(ctx, targetProyecto(e), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "descripcion", "", "description")
	cmd.Flags().StringVar(&aplicacion, "aplicacion-practica", "", "practical application")
	cmd.Flags().BoolVar(&privado, "privado", false, "restrict visibility")
	cmd.Flags().StringVar(&sitio, "sitio", "", "site")
	cmd.Flags().StringVar(&empresa, "empresa", "", "company")
	cmd.Flags().StringVar(&proceso, "proceso", "", "process")
	cmd.Flags().StringVar(&nivel, "nivel-acceso", "", "access level")
	cmd.Flags().StringVar(&respNombre, "responsable-nombre", "", "responsible name")
	cmd.Flags().StringVar(&respCorreo, "responsable-correo", "", "responsible email")
	return cmd
}

func proyectoDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a lesson record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProyecto(ctx, targetProyecto(e))
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage record config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default leccionario.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proyecto id")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			proyectoID := cfg.Proyecto.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if proyectoID == "" {
					proyectoID = e.Config.Proyecto.ID
				}
				if err := e.Repo.UpsertProyectoConfig(ctx, proyectoID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a YAML config without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filePath
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (proyecto %s, %d estados)\n", path, cfg.Proyecto.ID, len(cfg.Estados.Catalogo))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace leccionario.yml)")
	return cmd
}

func flujoCmd() *cobra.Command {
	flujo := &cobra.Command{
		Use:   "flujo",
		Short: "Workflow transitions",
		Long:  "See or apply the transitions the acting identity may take on a record.",
	}
	flujo.AddCommand(flujoShowCmd())
	flujo.AddCommand(flujoApplyCmd())
	return flujo
}

func flujoShowCmd() *cobra.Command {
	var estado string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show allowed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acciones, err := e.AllowedActions(ctx, targetProyecto(e), actingUsuario(), estado)
				if err != nil {
					return err
				}
				return printJSONOrTable(acciones)
			})
		},
	}
	cmd.Flags().StringVar(&estado, "estado", "", "evaluate against this status instead of the stored one")
	return cmd
}

func flujoApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <accion>",
		Short: "Apply a transition (publish, sendToReview, returnToDraft, returnToReview)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accion, ok := workflow.ParseAction(args[0])
			if !ok {
				return fmt.Errorf("unknown accion %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyAction(ctx, targetProyecto(e), actingUsuario(), accion)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func eventoCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evento", Short: "Manage events"}
	ev.AddCommand(eventoIngestCmd())
	ev.AddCommand(eventoListCmd())
	ev.AddCommand(eventoShowCmd())
	ev.AddCommand(eventoGrafoCmd())
	ev.AddCommand(eventoEtiquetasCmd())
	ev.AddCommand(eventoDeleteCmd())
	return ev
}

func eventoIngestCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store one event payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.IngestEvento(ctx, targetProyecto(e), payload, actingUsuario())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to event JSON payload")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func eventoListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEventos(ctx, targetProyecto(e), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Título", "Creado"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Titulo, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "number of events")
	return cmd
}

func eventoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show event header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvento(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventoGrafoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grafo <id>",
		Short: "Show the normalized causal graph of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.NormalizedEvento(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func eventoDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEvento(ctx, args[0], actingUsuario())
			})
		},
	}
	return cmd
}

func eventoEtiquetasCmd() *cobra.Command {
	var tipo string
	var ids []string
	cmd := &cobra.Command{
		Use:   "etiquetas <evento-id>",
		Short: "Resolve relation ids into descriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := graph.ParseKind(tipo)
			if !ok {
				return fmt.Errorf("unknown tipo %q", tipo)
			}
			flex := make([]domain.FlexID, 0, len(ids))
			for _, id := range ids {
				flex = append(flex, domain.FlexID(id))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				etiquetas, err := e.Etiquetas(ctx, args[0], kind, flex)
				if err != nil {
					return err
				}
				return printJSONOrTable(etiquetas)
			})
		},
	}
	cmd.Flags().StringVar(&tipo, "tipo", "", "entity kind (impacto, accion, resultado, leccion)")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "relation ids to resolve")
	_ = cmd.MarkFlagRequired("tipo")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func lectorCmd() *cobra.Command {
	lector := &cobra.Command{Use: "lector", Short: "Manage the viewer allow-list"}
	lector.AddCommand(lectorAddCmd())
	lector.AddCommand(lectorListCmd())
	lector.AddCommand(lectorRemoveCmd())
	return lector
}

func lectorAddCmd() *cobra.Command {
	var nombre, correo string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Allow-list a viewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if correo == "" {
				return fmt.Errorf("--lector-correo required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AddLector(ctx, targetProyecto(e), domain.Identidad{Nombre: nombre, Correo: correo}, actingUsuario())
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&nombre, "lector-nombre", "", "viewer name")
	cmd.Flags().StringVar(&correo, "lector-correo", "", "viewer email")
	return cmd
}

func lectorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allow-listed viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListLectores(ctx, targetProyecto(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Nombre", "Correo"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.NombreLector, l.CorreoLector})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func lectorRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an allow-listed viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveLector(ctx, args[0], actingUsuario())
			})
		},
	}
	return cmd
}

func resumenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resumen",
		Short: "Record summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetResumen(ctx, targetProyecto(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func buscarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buscar <query>",
		Short: "Search lessons across stored events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hits, err := e.BuscarLecciones(ctx, targetProyecto(e), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Evento", "Lección", "Descripción"})
				for _, h := range hits {
					tw.AppendRow(table.Row{h.EventoID, h.LeccionID, h.Descripcion})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func claveCmd() *cobra.Command {
	clave := &cobra.Command{Use: "clave", Short: "Manage API keys"}
	clave.AddCommand(claveCreateCmd())
	clave.AddCommand(claveListCmd())
	clave.AddCommand(claveDeleteCmd())
	return clave
}

func claveCreateCmd() *cobra.Command {
	var nombre, correo, rol string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (cleartext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if correo == "" || rol == "" {
				return fmt.Errorf("--clave-correo and --clave-rol required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, cleartext, err := e.CreateAPIKey(ctx, nombre, domain.Usuario{Nombre: nombre, Correo: correo, Rol: rol}, actingUsuario())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"clave": cleartext, "id": key.ID, "correo": key.Correo, "rol": key.Rol})
			})
		},
	}
	cmd.Flags().StringVar(&nombre, "clave-nombre", "", "key label")
	cmd.Flags().StringVar(&correo, "clave-correo", "", "identity email the key authenticates")
	cmd.Flags().StringVar(&rol, "clave-rol", "", "identity role the key authenticates")
	return cmd
}

func claveListCmd() *cobra.Command {
	var correo string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, correo)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Nombre", "Correo", "Rol", "Creado"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Nombre, k.Correo, k.Rol, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&correo, "clave-correo", "", "filter by identity email")
	return cmd
}

func claveDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The diary of everything that happened: record changes, transitions, events and viewers.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, targetProyecto(e), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowSimulated bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProyectoAndConfig(cmd.Context(), viper.GetString("proyecto"), actingUsuario(), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:                os.Getenv("LECCIONARIO_JWT_SECRET"),
				AllowSimulatedUserHeader: allowSimulated,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LECCIONARIO_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Leccionario API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowSimulated, "allow-simulated-user", false, "accept the legacy X-Usuario-Simulado header")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProyectoAndConfig(ctx, viper.GetString("proyecto"), actingUsuario(), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
