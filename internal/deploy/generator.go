package deploy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/pkg/db"
)

// File is one generated artifact, written relative to the deploy path
type File struct {
	Name    string
	Content []byte
	Mode    os.FileMode
}

// GenerateRequest is the input of a ConfigGenerator
type GenerateRequest struct {
	Instance   *db.Instance
	Secret     string
	GitRef     string
	DeployPath string
	// Existing holds the variables of the .env already on the host, nil on
	// a first deploy
	Existing map[string]string
}

// ConfigGenerator produces the env file, compose manifest and bootstrap
// script of an instance
type ConfigGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]File, error)
}

const EnvFile = ".env"
const ComposeFile = "docker-compose.yml"

// preserved across redeploys so running data stays readable
var preservedSecrets = []string{"POSTGRES_PASSWORD", "REDIS_PASSWORD", "JWT_SECRET", "OPENBAO_TOKEN"}

// TemplateGenerator is the built-in ConfigGenerator
type TemplateGenerator struct {
	Config c.PipelineConfig
}

var envTmpl = template.Must(template.New("env").Funcs(template.FuncMap{
	"q": quoteEnv,
}).Parse(`# Instance {{.Code}}
# Generated by fleetd

INSTANCE_CODE={{q .Code}}
APP_PORT={{.AppPort}}
DB_PORT={{.DBPort}}
REDIS_PORT={{.RedisPort}}
GIT_REF={{q .GitRef}}

POSTGRES_USER=postgres
POSTGRES_PASSWORD={{q .PGPassword}}
POSTGRES_DB={{q .DBName}}
DATABASE_URL={{q .DatabaseURL}}

REDIS_PASSWORD={{q .RedisPassword}}
REDIS_URL={{q .RedisURL}}

JWT_SECRET={{q .JWTSecret}}
OPENBAO_ADDR=http://openbao:8200
OPENBAO_TOKEN={{q .BaoToken}}

APP_URL={{q .AppURL}}
BOOTSTRAP_ADMIN_PASSWORD={{q .Secret}}
{{- if .Custom}}

# Custom variables (preserved from previous deploy)
{{- range .Custom}}
{{.Key}}={{q .Value}}
{{- end}}
{{- end}}
`))

type envVar struct {
	Key   string
	Value string
}

func (g TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) ([]File, error) {
	inst := req.Instance
	slug, err := Slug(inst.Code)
	if err != nil {
		return nil, err
	}
	existing := req.Existing
	if existing == nil {
		existing = map[string]string{}
	}

	secrets := make(map[string]string, len(preservedSecrets))
	for _, k := range preservedSecrets {
		if v := existing[k]; v != "" {
			secrets[k] = v
			continue
		}
		v, err := randomToken(24)
		if err != nil {
			return nil, err
		}
		secrets[k] = v
	}

	secret := req.Secret
	if secret == "" {
		secret = existing["BOOTSTRAP_ADMIN_PASSWORD"]
	}

	dbName := DatabaseName(g.Config.ContainerPrefix, slug)
	appURL := ""
	if inst.Domain != "" {
		appURL = "https://" + inst.Domain
	}
	data := map[string]interface{}{
		"Code":          inst.Code,
		"AppPort":       inst.AppPort,
		"DBPort":        inst.DBPort,
		"RedisPort":     inst.RedisPort,
		"GitRef":        req.GitRef,
		"PGPassword":    secrets["POSTGRES_PASSWORD"],
		"DBName":        dbName,
		"DatabaseURL":   fmt.Sprintf("postgresql://postgres:%s@db:5432/%s", secrets["POSTGRES_PASSWORD"], dbName),
		"RedisPassword": secrets["REDIS_PASSWORD"],
		"RedisURL":      fmt.Sprintf("redis://:%s@redis:6379/0", secrets["REDIS_PASSWORD"]),
		"JWTSecret":     secrets["JWT_SECRET"],
		"BaoToken":      secrets["OPENBAO_TOKEN"],
		"AppURL":        appURL,
		"Secret":        secret,
	}

	var env bytes.Buffer
	if err := envTmpl.Execute(&env, data); err != nil {
		return nil, fmt.Errorf("render env: %w", err)
	}

	// keep variables an operator added by hand
	known := ParseEnv(env.String())
	var custom []envVar
	for k, v := range existing {
		if _, ok := known[k]; !ok {
			custom = append(custom, envVar{k, v})
		}
	}
	if len(custom) > 0 {
		sort.Slice(custom, func(i, j int) bool { return custom[i].Key < custom[j].Key })
		data["Custom"] = custom
		env.Reset()
		if err := envTmpl.Execute(&env, data); err != nil {
			return nil, fmt.Errorf("render env: %w", err)
		}
	}

	compose, err := g.compose(slug)
	if err != nil {
		return nil, err
	}

	return []File{
		{Name: EnvFile, Content: env.Bytes(), Mode: 0o600},
		{Name: ComposeFile, Content: compose, Mode: 0o644},
		{Name: g.Config.BootstrapScript, Content: []byte(bootstrapScript), Mode: 0o644},
	}, nil
}

type composeFile struct {
	Services map[string]composeService    `yaml:"services"`
	Volumes  map[string]map[string]string `yaml:"volumes,omitempty"`
}

type composeBuild struct {
	Context string `yaml:"context"`
}

type composeHealth struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type composeService struct {
	Image         string            `yaml:"image,omitempty"`
	Build         *composeBuild     `yaml:"build,omitempty"`
	ContainerName string            `yaml:"container_name"`
	Restart       string            `yaml:"restart,omitempty"`
	EnvFile       []string          `yaml:"env_file,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Command       string            `yaml:"command,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Healthcheck   *composeHealth    `yaml:"healthcheck,omitempty"`
}

func (g TemplateGenerator) compose(slug string) ([]byte, error) {
	name := func(svc string) string { return ContainerName(g.Config.ContainerPrefix, slug, svc) }

	appService := func(svc, command string) composeService {
		s := composeService{
			ContainerName: name(svc),
			Restart:       "unless-stopped",
			EnvFile:       []string{EnvFile},
			Command:       command,
			DependsOn:     []string{"db", "redis"},
		}
		if g.Config.BuildMode == "pull" {
			s.Image = "${APP_IMAGE}"
		} else {
			s.Build = &composeBuild{Context: g.Config.SourcePath}
		}
		return s
	}

	app := appService("app", "")
	app.Ports = []string{"127.0.0.1:${APP_PORT}:8000"}

	cf := composeFile{
		Services: map[string]composeService{
			"db": {
				Image:         "postgres:16",
				ContainerName: name("db"),
				Restart:       "unless-stopped",
				EnvFile:       []string{EnvFile},
				Ports:         []string{"127.0.0.1:${DB_PORT}:5432"},
				Volumes:       []string{"db_data:/var/lib/postgresql/data"},
				Healthcheck: &composeHealth{
					Test:     []string{"CMD-SHELL", "pg_isready -U postgres"},
					Interval: "5s",
					Timeout:  "5s",
					Retries:  10,
				},
			},
			"redis": {
				Image:         "redis:7",
				ContainerName: name("redis"),
				Restart:       "unless-stopped",
				Command:       "redis-server --requirepass ${REDIS_PASSWORD}",
				Ports:         []string{"127.0.0.1:${REDIS_PORT}:6379"},
			},
			"openbao": {
				Image:         "openbao/openbao:2",
				ContainerName: name("openbao"),
				Restart:       "unless-stopped",
				Environment: map[string]string{
					"BAO_DEV_ROOT_TOKEN_ID":  "${OPENBAO_TOKEN}",
					"BAO_DEV_LISTEN_ADDRESS": "0.0.0.0:8200",
				},
				Command: "server -dev",
			},
			"app":    app,
			"worker": appService("worker", "worker"),
			"beat":   appService("beat", "beat"),
		},
		Volumes: map[string]map[string]string{"db_data": {}},
	}

	var buf bytes.Buffer
	buf.WriteString("# Generated by fleetd\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cf); err != nil {
		return nil, fmt.Errorf("render compose: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render compose: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseEnv reads KEY=VALUE lines, ignoring blanks and comments
func ParseEnv(content string) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = unquoteEnv(strings.TrimSpace(v))
	}
	return out
}

func quoteEnv(v string) string {
	if v == "" {
		return ""
	}
	if !strings.ContainsAny(v, " \t\"'#$\\`") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + r.Replace(v) + `"`
}

func unquoteEnv(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		r := strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\$`, "$", "\\`", "`")
		return r.Replace(v[1 : len(v)-1])
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

const bootstrapScript = `"""Create the first organization and admin user. Safe to run repeatedly."""
import os
import sys

from app.bootstrap import ensure_admin

password = os.environ.get("BOOTSTRAP_ADMIN_PASSWORD", "")
if not password:
    print("BOOTSTRAP_ADMIN_PASSWORD not set, skipping admin creation")
    sys.exit(0)

ensure_admin(os.environ["INSTANCE_CODE"], password)
print("bootstrap complete")
`
