package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for configuration environment variables.
const EnvPrefix = "SLEEPY_"

// Options controls where Load reads from.
type Options struct {
	// Dir holds .env, config.yaml, config.toml and config.json. Default ".".
	Dir string

	// Environ overrides the process environment (KEY=VALUE entries).
	// Nil uses os.Environ().
	Environ []string

	// Warnf receives non-fatal problems such as an unparsable config.yaml.
	Warnf func(format string, args ...any)
}

// fileSource is one optional config file in precedence order.
type fileSource struct {
	name   string
	decode func(data []byte) (map[string]any, error)
}

var fileSources = []fileSource{
	{name: "config.yaml", decode: decodeYAML},
	{name: "config.toml", decode: decodeTOML},
	{name: "config.json", decode: decodeJSONC},
}

// Load reads configuration from dir using the process environment.
func Load(dir string) (*Config, error) {
	return LoadOptions(Options{Dir: dir})
}

// LoadOptions merges defaults, environment and config files, then validates.
//
// Behavior:
//   - Missing files are skipped silently.
//   - Unreadable or malformed files are reported through Warnf and skipped.
//   - A SLEEPY_ variable whose value does not parse as its field's type is an error.
//   - A file value of the wrong type (e.g. port = "abc") is an error.
func LoadOptions(opts Options) (*Config, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	warnf := opts.Warnf
	if warnf == nil {
		warnf = func(string, ...any) {}
	}

	merged, err := toMap(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}

	env, err := envLayer(dir, opts.Environ, warnf)
	if err != nil {
		return nil, err
	}
	merged = deepMerge(merged, env)

	for _, src := range fileSources {
		path := filepath.Join(dir, src.name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			warnf("config: cannot read %s: %v", path, err)
			continue
		}
		layer, err := src.decode(data)
		if err != nil {
			warnf("config: cannot parse %s: %v", path, err)
			continue
		}
		merged = deepMerge(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("apply config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeTOML(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeJSONC(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMerge returns base with overlay applied. Nested maps merge key by key;
// any other overlay value replaces the base value.
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		ov, ovIsMap := v.(map[string]any)
		bv, bvIsMap := out[k].(map[string]any)
		if ovIsMap && bvIsMap {
			out[k] = deepMerge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}

// envLeaf is a settable scalar field reachable from an env key.
type envLeaf struct {
	path []string
	kind reflect.Kind
}

// envLeaves maps flattened keys such as "log_level" to Config fields.
func envLeaves() map[string]envLeaf {
	leaves := map[string]envLeaf{}
	var walk func(t reflect.Type, prefix []string)
	walk = func(t reflect.Type, prefix []string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			path := append(append([]string{}, prefix...), name)
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, path)
				continue
			}
			leaves[strings.Join(path, "_")] = envLeaf{path: path, kind: f.Type.Kind()}
		}
	}
	walk(reflect.TypeOf(Config{}), nil)
	return leaves
}

// envLayer reads .env and the environment into a nested map.
func envLayer(dir string, environ []string, warnf func(string, ...any)) (map[string]any, error) {
	values := map[string]string{}

	dotenv, err := godotenv.Read(filepath.Join(dir, ".env"))
	switch {
	case err == nil:
		for k, v := range dotenv {
			values[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		warnf("config: cannot parse .env: %v", err)
	}

	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			values[k] = v
		}
	}

	leaves := envLeaves()
	layer := map[string]any{}
	for k, raw := range values {
		if len(k) <= len(EnvPrefix) || !strings.EqualFold(k[:len(EnvPrefix)], EnvPrefix) {
			continue
		}
		key := strings.ToLower(k[len(EnvPrefix):])
		leaf, ok := leaves[key]
		if !ok {
			warnf("config: ignoring unknown variable %s", k)
			continue
		}

		var v any
		switch leaf.kind {
		case reflect.Int:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: expected integer, got %q", k, raw)
			}
			v = n
		case reflect.Bool:
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: expected boolean, got %q", k, raw)
			}
			v = b
		default:
			v = raw
		}
		setPath(layer, leaf.path, v)
	}
	return layer, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}
