package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradelab/internal/logger"
)

// FileConfig 映射策略文件的根节点。
type FileConfig struct {
	Strategies []Definition `yaml:"strategies"`
}

// Snapshot 公开的策略快照。
type Snapshot struct {
	Version    int64             `json:"version"`
	LoadedAt   time.Time         `json:"loaded_at"`
	Strategies map[string]Config `json:"strategies"`
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理策略定义，文件变化时热加载。
type Registry struct {
	path     string
	defaults Defaults
	schema   *jsonschema.Schema
	log      *logger.Entry

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取策略文件；watch 为 true 时监听文件变化。
func NewRegistry(path string, defaults Defaults, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	schema, err := compileSchema(fileSchema)
	if err != nil {
		return nil, fmt.Errorf("compile strategy schema failed: %w", err)
	}
	r := &Registry{path: path, defaults: defaults, schema: schema, log: logger.With("strategy")}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read strategy config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				// 保留上一份可用快照
				r.log.Errorf("strategy reload failed (%s): %v", evt.Op, err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
	}
	return r, nil
}

// Snapshot 返回当前策略集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Get 返回策略的独立副本，之后的热加载不会影响它。
func (r *Registry) Get(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.snapshot.Strategies[strings.TrimSpace(name)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return cfg.Clone(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Strategies))
	for name := range r.snapshot.Strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	strategies, err := LoadFile(r.path, r.defaults, r.schema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:    r.snapshot.Version + 1,
		LoadedAt:   time.Now(),
		Strategies: strategies,
	}
	r.mu.Unlock()
	r.log.Infof("strategy registry loaded %d strategies from %s", len(strategies), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("strategy listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:    src.Version,
		LoadedAt:   src.LoadedAt,
		Strategies: make(map[string]Config, len(src.Strategies)),
	}
	for name, cfg := range src.Strategies {
		dst.Strategies[name] = cfg.Clone()
	}
	return dst
}

// LoadFile 解析并校验策略文件；schema 为 nil 时使用内置 schema。
func LoadFile(path string, defaults Defaults, schema *jsonschema.Schema) (map[string]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy config failed: %w", err)
	}
	if schema == nil {
		if schema, err = compileSchema(fileSchema); err != nil {
			return nil, err
		}
	}
	if err := validateDocument(raw, schema); err != nil {
		return nil, fmt.Errorf("strategy config %s invalid: %w", filepath.Base(path), err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse strategy config failed: %w", err)
	}
	out := make(map[string]Config, len(cfg.Strategies))
	for _, def := range cfg.Strategies {
		resolved, err := Resolve(def, defaults)
		if err != nil {
			return nil, err
		}
		if _, dup := out[resolved.Name]; dup {
			return nil, fmt.Errorf("strategy %s 重复定义", resolved.Name)
		}
		out[resolved.Name] = resolved
	}
	return out, nil
}

// validateDocument 把 YAML 转成 JSON 形态后做 schema 校验。
func validateDocument(raw []byte, schema *jsonschema.Schema) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	return schema.Validate(generic)
}

func compileSchema(schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("strategies.json", strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile("strategies.json")
}

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["strategies"],
  "additionalProperties": false,
  "properties": {
    "strategies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "symbol"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "symbol": {"type": "string", "minLength": 3},
          "interval": {"type": "string"},
          "use_advisor": {"type": "boolean"},
          "advisor_threshold": {"type": "number", "minimum": 0, "maximum": 1},
          "risk": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "stop_loss_pct": {"type": "number", "exclusiveMinimum": 0},
              "take_profit_pct": {"type": "number", "exclusiveMinimum": 0},
              "risk_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
              "max_position_value": {"type": "number", "minimum": 0}
            }
          },
          "indicators": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "rsi": {"$ref": "#/$defs/rsi"},
              "macd": {"$ref": "#/$defs/macd"},
              "ma": {"$ref": "#/$defs/ma"},
              "bollinger": {"$ref": "#/$defs/bollinger"},
              "volume": {"$ref": "#/$defs/volume"}
            }
          }
        }
      }
    }
  },
  "$defs": {
    "rsi": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "period": {"type": "integer", "minimum": 2},
        "overbought": {"type": "number"},
        "oversold": {"type": "number"}
      }
    },
    "macd": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "fast_period": {"type": "integer", "minimum": 2},
        "slow_period": {"type": "integer", "minimum": 3},
        "signal_period": {"type": "integer", "minimum": 1}
      }
    },
    "ma": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "short_period": {"type": "integer", "minimum": 2},
        "long_period": {"type": "integer", "minimum": 3}
      }
    },
    "bollinger": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "period": {"type": "integer", "minimum": 2},
        "std_dev": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "volume": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "period": {"type": "integer", "minimum": 1},
        "threshold": {"type": "number", "exclusiveMinimum": 0}
      }
    }
  }
}`
