package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models leccionario.yml.
type Config struct {
	Proyecto struct {
		ID string `yaml:"id"`
	} `yaml:"proyecto"`
	Estados struct {
		Inicial  string            `yaml:"inicial"`
		Catalogo map[string]string `yaml:"catalogo"`
	} `yaml:"estados"`
	Roles struct {
		// Aliases maps a canonical role (administrador, responsable,
		// colaborador) to extra accepted spellings.
		Aliases map[string][]string `yaml:"aliases"`
	} `yaml:"roles"`
	Placeholders struct {
		SinInformacion string `yaml:"sin_informacion"`
		SinDescripcion string `yaml:"sin_descripcion"`
		NivelAcceso    string `yaml:"nivel_acceso"`
	} `yaml:"placeholders"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one audit-event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var canonicalRoles = map[string]struct{}{
	"administrador": {},
	"responsable":   {},
	"colaborador":   {},
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with lecc config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Proyecto.ID == "" {
		return fmt.Errorf("config.proyecto.id is required")
	}
	if len(c.Estados.Catalogo) == 0 {
		return fmt.Errorf("config.estados.catalogo is required")
	}
	for _, required := range []string{"Borrador", "En Revisión", "Publicado"} {
		if _, ok := c.Estados.Catalogo[required]; !ok {
			return fmt.Errorf("config.estados.catalogo must include %s", required)
		}
	}
	if c.Estados.Inicial == "" {
		return fmt.Errorf("config.estados.inicial is required")
	}
	if _, ok := c.Estados.Catalogo[c.Estados.Inicial]; !ok {
		return fmt.Errorf("config.estados.inicial %s not in catalogo", c.Estados.Inicial)
	}
	for canonical, aliases := range c.Roles.Aliases {
		if _, ok := canonicalRoles[strings.ToLower(canonical)]; !ok {
			return fmt.Errorf("config.roles.aliases references unknown role %s", canonical)
		}
		for _, alias := range aliases {
			if strings.TrimSpace(alias) == "" {
				return fmt.Errorf("role %s has empty alias", canonical)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leccionario.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(proyectoID string) string {
	return fmt.Sprintf(defaultTemplate, proyectoID)
}

// Default returns the default Config struct for a project.
func Default(proyectoID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, proyectoID)), &cfg)
	cfg.Proyecto.ID = proyectoID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// SinInformacion returns the placeholder for absent free text.
func (c *Config) SinInformacion() string {
	if c != nil && c.Placeholders.SinInformacion != "" {
		return c.Placeholders.SinInformacion
	}
	return "Sin información"
}

// SinDescripcion returns the placeholder for absent descriptions.
func (c *Config) SinDescripcion() string {
	if c != nil && c.Placeholders.SinDescripcion != "" {
		return c.Placeholders.SinDescripcion
	}
	return "Sin descripción"
}

// NivelAccesoNoEspecificado returns the label for a null access level.
func (c *Config) NivelAccesoNoEspecificado() string {
	if c != nil && c.Placeholders.NivelAcceso != "" {
		return c.Placeholders.NivelAcceso
	}
	return "No especificado"
}

const defaultTemplate = `proyecto:
  id: %s

estados:
  inicial: Borrador
  catalogo:
    Borrador: "Registro en elaboración, visible para su autor"
    En Revisión: "Pendiente de revisión por la persona responsable"
    Publicado: "Visible para toda la organización"

roles:
  aliases:
    administrador: [admin]
    responsable: []
    colaborador: []

placeholders:
  sin_informacion: "Sin información"
  sin_descripcion: "Sin descripción"
  nivel_acceso: "No especificado"
`
