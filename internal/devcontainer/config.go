package devcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// ErrNotFound is returned when a worktree has no devcontainer.json.
var ErrNotFound = errors.New("devcontainer.json not found")

// RawDevContainer holds the devcontainer.json fields a session uses.
// Unknown fields are ignored.
type RawDevContainer struct {
	Name  string       `json:"name"`
	Image string       `json:"image,omitempty"`
	Build *BuildConfig `json:"build,omitempty"`

	// DockerComposeFile is a string or an array of strings.
	DockerComposeFile interface{} `json:"dockerComposeFile,omitempty"`

	WorkspaceFolder string `json:"workspaceFolder,omitempty"`
	RemoteUser      string `json:"remoteUser,omitempty"`

	// ForwardPorts entries are numbers or "service:port" strings.
	ForwardPorts []interface{} `json:"forwardPorts,omitempty"`

	// AppPort is a number, a "host:container" string, or an array of those.
	AppPort interface{} `json:"appPort,omitempty"`

	PortsAttributes map[string]PortAttribute `json:"portsAttributes,omitempty"`
	ContainerEnv    map[string]string        `json:"containerEnv,omitempty"`
}

// BuildConfig is the "build" object.
type BuildConfig struct {
	Dockerfile string            `json:"dockerfile,omitempty"`
	Context    string            `json:"context,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

// PortAttribute is one "portsAttributes" entry.
type PortAttribute struct {
	Label         string `json:"label,omitempty"`
	OnAutoForward string `json:"onAutoForward,omitempty"`
}

// UsesCompose reports whether the config delegates to Docker Compose.
func (r *RawDevContainer) UsesCompose() bool {
	return r.DockerComposeFile != nil
}

// Env returns ContainerEnv as KEY=VALUE pairs in a stable order.
func (r *RawDevContainer) Env() []string {
	keys := make([]string, 0, len(r.ContainerEnv))
	for k := range r.ContainerEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+r.ContainerEnv[k])
	}
	return env
}

// LoadConfig reads and parses a devcontainer.json file.
func LoadConfig(path string) (*RawDevContainer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read devcontainer.json: %w", err)
	}

	var raw RawDevContainer
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse devcontainer.json at %s: %w", path, err)
	}
	return &raw, nil
}

// Load finds and parses the devcontainer.json of a worktree.
// It returns ErrNotFound when the worktree has none.
func Load(worktreePath string) (*RawDevContainer, error) {
	path, err := FindDevContainerJSON(worktreePath)
	if err != nil {
		return nil, err
	}
	return LoadConfig(path)
}

// FindDevContainerJSON looks for .devcontainer/devcontainer.json, then
// .devcontainer.json, under projectPath.
func FindDevContainerJSON(projectPath string) (string, error) {
	candidates := []string{
		filepath.Join(projectPath, ".devcontainer", "devcontainer.json"),
		filepath.Join(projectPath, ".devcontainer.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (searched .devcontainer/devcontainer.json and .devcontainer.json)", ErrNotFound, projectPath)
}

// ExtractPorts collects forwardPorts and appPort into PortSpecs, labelled
// from portsAttributes. Duplicate container ports are dropped.
//
// "service:port" forwardPorts refer to other Compose services and are
// skipped; a session runs a single container.
func ExtractPorts(raw *RawDevContainer) []model.PortSpec {
	var ports []model.PortSpec

	for _, fp := range raw.ForwardPorts {
		switch v := fp.(type) {
		case float64:
			ports = append(ports, model.PortSpec{ContainerPort: int(v), Protocol: "tcp"})
		case string:
			if strings.Contains(v, ":") {
				continue
			}
			if p, err := strconv.Atoi(v); err == nil {
				ports = append(ports, model.PortSpec{ContainerPort: p, Protocol: "tcp"})
			}
		}
	}

	switch v := raw.AppPort.(type) {
	case float64, string:
		if ps := parseAppPort(v); ps != nil {
			ports = append(ports, *ps)
		}
	case []interface{}:
		for _, item := range v {
			if ps := parseAppPort(item); ps != nil {
				ports = append(ports, *ps)
			}
		}
	}

	seen := make(map[int]bool, len(ports))
	out := ports[:0]
	for _, ps := range ports {
		if seen[ps.ContainerPort] {
			continue
		}
		seen[ps.ContainerPort] = true
		if attr, ok := raw.PortsAttributes[strconv.Itoa(ps.ContainerPort)]; ok {
			ps.Label = attr.Label
		}
		out = append(out, ps)
	}
	return out
}

// parseAppPort accepts 3000, "3000" or "8080:3000" (host:container).
func parseAppPort(v interface{}) *model.PortSpec {
	switch v := v.(type) {
	case float64:
		return &model.PortSpec{ContainerPort: int(v), Protocol: "tcp"}
	case string:
		host, container, ok := strings.Cut(v, ":")
		if !ok {
			p, err := strconv.Atoi(v)
			if err != nil {
				return nil
			}
			return &model.PortSpec{ContainerPort: p, Protocol: "tcp"}
		}
		hp, err := strconv.Atoi(host)
		if err != nil {
			return nil
		}
		cp, err := strconv.Atoi(container)
		if err != nil {
			return nil
		}
		return &model.PortSpec{ContainerPort: cp, HostPort: hp, Protocol: "tcp"}
	}
	return nil
}

// GetComposeFiles normalizes dockerComposeFile to a slice.
func GetComposeFiles(raw *RawDevContainer) []string {
	switch v := raw.DockerComposeFile.(type) {
	case string:
		return []string{v}
	case []interface{}:
		files := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				files = append(files, s)
			}
		}
		return files
	default:
		return nil
	}
}
