// Package template resolves and materializes agent templates. A template is
// either a local directory under the configured template dir ("local:<name>")
// or a GitHub repository ("github:owner/repo") cloned shallow and stripped
// of its .git directory.
package template

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/trinity/trinity/internal/common/logger"
)

const (
	// ManifestFile is the required template manifest.
	ManifestFile = "template.yaml"
	// MCPConfigFile configures the agent's MCP servers; ${VAR} references
	// in it define the credential schema.
	MCPConfigFile = ".mcp.json"
	// MCPConfigTemplateFile is the unrendered variant shipped by templates.
	MCPConfigTemplateFile = ".mcp.json.template"
)

// Resources mirrors the manifest resource block.
type Resources struct {
	CPUs   float64 `yaml:"cpus"`
	Memory string  `yaml:"memory"`
}

// MCPServer describes one MCP server entry in the manifest.
type MCPServer struct {
	Name string            `yaml:"name"`
	Env  map[string]string `yaml:"env,omitempty"`
	Args []string          `yaml:"args,omitempty"`
}

// CredentialSchema lists where supplied credentials land.
type CredentialSchema struct {
	// EnvFile keys are written to .env as KEY=value lines.
	EnvFile []string `yaml:"env_file,omitempty"`
	// ConfigFiles maps relative paths to file templates rendered with
	// ${VAR} substitution.
	ConfigFiles map[string]string `yaml:"config_files,omitempty"`
}

// Manifest is the parsed template.yaml.
type Manifest struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image,omitempty"`
	AgentType   string            `yaml:"agent_type,omitempty"`
	Resources   *Resources        `yaml:"resources,omitempty"`
	MCPServers  []MCPServer       `yaml:"mcp_servers,omitempty"`
	Credentials *CredentialSchema `yaml:"credentials,omitempty"`
}

// Resolved is a template staged on disk, ready for rendering.
type Resolved struct {
	ID       string // "local:<name>" or "github:owner/repo"
	Dir      string // staging directory
	Manifest *Manifest
}

// Resolver stages templates from their sources.
type Resolver struct {
	templateDir string
	logger      *logger.Logger
}

// NewResolver creates a template resolver over the local template dir.
func NewResolver(templateDir string, log *logger.Logger) *Resolver {
	return &Resolver{
		templateDir: templateDir,
		logger:      log.WithFields(zap.String("component", "template")),
	}
}

var varPattern = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// Resolve stages the template identified by id into stagingDir. For github
// templates, pat is the access token used for the shallow clone; it may be
// empty for public repositories.
func (r *Resolver) Resolve(ctx context.Context, id, stagingDir, pat string) (*Resolved, error) {
	switch {
	case strings.HasPrefix(id, "local:"):
		return r.resolveLocal(id, strings.TrimPrefix(id, "local:"), stagingDir)
	case strings.HasPrefix(id, "github:"):
		return r.resolveGitHub(ctx, id, strings.TrimPrefix(id, "github:"), stagingDir, pat)
	default:
		return nil, fmt.Errorf("unknown template source %q (want local:<name> or github:owner/repo)", id)
	}
}

func (r *Resolver) resolveLocal(id, name, stagingDir string) (*Resolved, error) {
	src := filepath.Join(r.templateDir, name)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("local template %q not found under %s", name, r.templateDir)
	}
	if err := copyTree(src, stagingDir); err != nil {
		return nil, fmt.Errorf("stage local template: %w", err)
	}
	return r.load(id, stagingDir)
}

func (r *Resolver) resolveGitHub(ctx context.Context, id, ownerRepo, stagingDir, pat string) (*Resolved, error) {
	parts := strings.Split(ownerRepo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("github template must be owner/repo, got %q", ownerRepo)
	}

	cloneURL := fmt.Sprintf("https://github.com/%s.git", ownerRepo)
	if pat != "" {
		cloneURL = fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", pat, ownerRepo)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cloneURL, stagingDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		// The clone URL with an embedded token never reaches the log.
		r.logger.Error("template clone failed",
			zap.String("template", id),
			zap.String("output", string(out)),
		)
		return nil, fmt.Errorf("clone template %s: %w", ownerRepo, err)
	}

	// The clone history is irrelevant and would leak the PAT through
	// the remote URL inside .git/config.
	if err := os.RemoveAll(filepath.Join(stagingDir, ".git")); err != nil {
		return nil, fmt.Errorf("strip .git: %w", err)
	}
	return r.load(id, stagingDir)
}

func (r *Resolver) load(id, dir string) (*Resolved, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("template is missing %s: %w", ManifestFile, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	return &Resolved{ID: id, Dir: dir, Manifest: &manifest}, nil
}

// RequiredCredentials is the union of every ${VAR} referenced by the MCP
// config, the manifest's mcp_servers entries, and the env_file schema list.
func (t *Resolved) RequiredCredentials() ([]string, error) {
	vars := map[string]bool{}

	for _, file := range []string{MCPConfigTemplateFile, MCPConfigFile} {
		raw, err := os.ReadFile(filepath.Join(t.Dir, file))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for _, match := range varPattern.FindAllStringSubmatch(string(raw), -1) {
			vars[match[1]] = true
		}
	}

	for _, server := range t.Manifest.MCPServers {
		for _, value := range server.Env {
			for _, match := range varPattern.FindAllStringSubmatch(value, -1) {
				vars[match[1]] = true
			}
		}
		for _, arg := range server.Args {
			for _, match := range varPattern.FindAllStringSubmatch(arg, -1) {
				vars[match[1]] = true
			}
		}
	}

	if t.Manifest.Credentials != nil {
		for _, key := range t.Manifest.Credentials.EnvFile {
			vars[key] = true
		}
	}

	out := make([]string, 0, len(vars))
	for v := range vars {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Render substitutes supplied credentials into the staged template:
// .mcp.json is rendered from its template with ${VAR} replacement, .env is
// written from the env_file schema, and config_files are rendered in place.
// Unknown ${VAR} references are left intact so a missing credential is
// visible rather than silently blank.
func (t *Resolved) Render(credentials map[string]string) error {
	substitute := func(s string) string {
		return varPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := varPattern.FindStringSubmatch(match)[1]
			if value, ok := credentials[name]; ok {
				return value
			}
			return match
		})
	}

	src := filepath.Join(t.Dir, MCPConfigTemplateFile)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		src = filepath.Join(t.Dir, MCPConfigFile)
	}
	if raw, err := os.ReadFile(src); err == nil {
		rendered := substitute(string(raw))
		if err := os.WriteFile(filepath.Join(t.Dir, MCPConfigFile), []byte(rendered), 0o600); err != nil {
			return fmt.Errorf("write rendered %s: %w", MCPConfigFile, err)
		}
	}

	if t.Manifest.Credentials == nil {
		return nil
	}

	if len(t.Manifest.Credentials.EnvFile) > 0 {
		var b strings.Builder
		for _, key := range t.Manifest.Credentials.EnvFile {
			if value, ok := credentials[key]; ok {
				fmt.Fprintf(&b, "%s=%s\n", key, value)
			}
		}
		if err := os.WriteFile(filepath.Join(t.Dir, ".env"), []byte(b.String()), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
	}

	for relPath, body := range t.Manifest.Credentials.ConfigFiles {
		target := filepath.Join(t.Dir, filepath.Clean(relPath))
		if !strings.HasPrefix(target, filepath.Clean(t.Dir)+string(os.PathSeparator)) {
			return fmt.Errorf("config file path %q escapes the template", relPath)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create config file dir: %w", err)
		}
		if err := os.WriteFile(target, []byte(substitute(body)), 0o600); err != nil {
			return fmt.Errorf("write config file %s: %w", relPath, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
