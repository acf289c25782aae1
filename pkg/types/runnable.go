package types

// ============================================================================
// Runnable - 不可變的工作單元描述
// 職責：
// 1. 描述 worker 要執行的內容（kind + uri + args + kwargs ...）
// 2. JSON 可往返序列化（spawner 可能需要送到遠端主機）
// 3. 產生傳給 worker 執行檔的命令列參數
// ============================================================================

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// DefaultIdentifierFormat 預設的識別字樣板
const DefaultIdentifierFormat = "{uri}"

var (
	ErrMissingKind     = errors.New("runnable: kind is required")
	ErrInvalidArgument = errors.New("runnable: invalid command argument")
)

// Asset worker 執行前需要取得的資源 (name, asset_hash, url)
type Asset struct {
	Name string
	Hash string
	URL  string
}

// MarshalJSON 以三元組陣列表示
func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{a.Name, a.Hash, a.URL})
}

// UnmarshalJSON 讀取三元組陣列
func (a *Asset) UnmarshalJSON(data []byte) error {
	var triple [3]string
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	a.Name, a.Hash, a.URL = triple[0], triple[1], triple[2]
	return nil
}

// Variant 參數樹
type Variant struct {
	Paths     []string        `json:"paths,omitempty"`
	VariantID string          `json:"variant_id"`
	Variant   json.RawMessage `json:"variant,omitempty"`
}

// Runnable 工作單元描述
type Runnable struct {
	Kind             string         `json:"kind"`
	URI              string         `json:"uri,omitempty"`
	Args             []string       `json:"args,omitempty"`
	Kwargs           Kwargs         `json:"kwargs,omitempty"`
	Tags             Tags           `json:"tags,omitempty"`
	Variant          *Variant       `json:"variant,omitempty"`
	Dependencies     []*Runnable    `json:"dependencies,omitempty"`
	Assets           []Asset        `json:"assets,omitempty"`
	Config           map[string]any `json:"config,omitempty"`
	IdentifierFormat string         `json:"identifier_format,omitempty"`
}

// NewRunnable 建立 Runnable
func NewRunnable(kind, uri string, args ...string) *Runnable {
	r := &Runnable{Kind: kind, URI: uri}
	if len(args) > 0 {
		r.Args = append([]string(nil), args...)
	}
	return r
}

// WithKwarg 設定關鍵字參數
func (r *Runnable) WithKwarg(key, value string) *Runnable {
	r.Kwargs = r.Kwargs.Set(key, value)
	return r
}

// WithTag 加入標籤
func (r *Runnable) WithTag(key string, values ...string) *Runnable {
	if r.Tags == nil {
		r.Tags = Tags{}
	}
	r.Tags.Add(key, values...)
	return r
}

// WithVariant 設定參數樹
func (r *Runnable) WithVariant(v *Variant) *Runnable {
	r.Variant = v
	return r
}

// WithDependency 加入前置 runnable
func (r *Runnable) WithDependency(dep *Runnable) *Runnable {
	r.Dependencies = append(r.Dependencies, dep)
	return r
}

// WithAsset 加入資源
func (r *Runnable) WithAsset(name, hash, url string) *Runnable {
	r.Assets = append(r.Assets, Asset{Name: name, Hash: hash, URL: url})
	return r
}

// WithConfig 設定此 runnable 應看到的設定值
func (r *Runnable) WithConfig(key string, value any) *Runnable {
	if r.Config == nil {
		r.Config = map[string]any{}
	}
	r.Config[key] = value
	return r
}

// WithIdentifierFormat 設定識別字樣板
func (r *Runnable) WithIdentifierFormat(format string) *Runnable {
	r.IdentifierFormat = format
	return r
}

// VariantID 取得 variant id（可能為空）
func (r *Runnable) VariantID() string {
	if r.Variant == nil {
		return ""
	}
	return r.Variant.VariantID
}

// ============================================================================
// 識別字
// ============================================================================

var placeholderRe = regexp.MustCompile(`\{(\w+)(?:\[([^\]]*)\])?\}`)

// Identifier 依樣板計算識別字；樣板引用不存在的欄位時退回 uri
func (r *Runnable) Identifier() string {
	format := r.IdentifierFormat
	if format == "" {
		format = DefaultIdentifierFormat
	}

	missing := false
	out := placeholderRe.ReplaceAllStringFunc(format, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		v, ok := r.field(sub[1], sub[2], strings.Contains(m, "["))
		if !ok {
			missing = true
		}
		return v
	})
	if missing {
		return r.URI
	}
	return out
}

func (r *Runnable) field(name, index string, indexed bool) (string, bool) {
	switch name {
	case "uri":
		return r.URI, !indexed
	case "kind":
		return r.Kind, !indexed
	case "args":
		if !indexed {
			return strings.Join(r.Args, "-"), true
		}
		i, err := strconv.Atoi(index)
		if err != nil || i < 0 || i >= len(r.Args) {
			return "", false
		}
		return r.Args[i], true
	case "kwargs":
		if !indexed {
			vals := make([]string, 0, len(r.Kwargs))
			for _, kv := range r.Kwargs {
				vals = append(vals, kv.Value)
			}
			return strings.Join(vals, "-"), true
		}
		return r.Kwargs.Get(index)
	}
	return "", false
}

// Key 以全部欄位計算的雜湊，用於快取鍵與前置 runnable 去重
func (r *Runnable) Key() string {
	data, err := json.Marshal(r)
	if err != nil {
		// 僅 Config 內含無法編碼的值時發生，退回以識別字區分
		data = []byte(r.Kind + "\x00" + r.Identifier())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// JSON 檔案讀寫
// ============================================================================

// WriteJSON 寫入 JSON 檔案
func (r *Runnable) WriteJSON(path string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal runnable: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write runnable: %w", err)
	}
	return nil
}

// ReadJSON 從 JSON 檔案讀取單一 Runnable
func ReadJSON(path string) (*Runnable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runnable: %w", err)
	}
	var r Runnable
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse runnable: %w", err)
	}
	if r.Kind == "" {
		return nil, ErrMissingKind
	}
	return &r, nil
}

// ReadRunnables 讀取 JSON 陣列形式的 runnable 清單
func ReadRunnables(path string) ([]*Runnable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runnables file: %w", err)
	}
	var list []*Runnable
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse runnables file: %w", err)
	}
	for i, r := range list {
		if r == nil || r.Kind == "" {
			return nil, fmt.Errorf("runnable #%d: %w", i, ErrMissingKind)
		}
	}
	return list, nil
}

// ============================================================================
// 命令列參數
// ============================================================================

const base64Prefix = "base64:"

// CommandArgs 產生 worker 的命令列參數
//
//	-k <kind> [-u <uri>] [-a <arg> ...] [-c <key>=<value> ...] [-t <tag>=<value> ...] [--config <json>]
//
// 以 "-" 開頭的參數會編碼為 base64:<...>，避免被 worker 當成旗標
func (r *Runnable) CommandArgs() []string {
	args := []string{"-k", r.Kind}
	if r.URI != "" {
		args = append(args, "-u", r.URI)
	}
	for _, a := range r.Args {
		if strings.HasPrefix(a, "-") {
			a = base64Prefix + base64.StdEncoding.EncodeToString([]byte(a))
		}
		args = append(args, "-a", a)
	}
	for _, kv := range r.Kwargs {
		args = append(args, "-c", kv.Key+"="+kv.Value)
	}
	for _, key := range r.Tags.Keys() {
		for _, v := range r.Tags[key] {
			args = append(args, "-t", key+"="+v)
		}
	}
	if len(r.Config) > 0 {
		if data, err := json.Marshal(r.Config); err == nil {
			args = append(args, "--config", string(data))
		}
	}
	return args
}

// RunnableFlags 命令列旗標對應的原始值
type RunnableFlags struct {
	Kind   string
	URI    string
	Args   []string
	Kwargs []string
	Tags   []string
	Config string
}

// Register 將旗標註冊到 FlagSet（worker 命令也使用同一組旗標）
func (f *RunnableFlags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Kind, "kind", "k", "", "runnable kind")
	fs.StringVarP(&f.URI, "uri", "u", "", "runnable uri")
	fs.StringArrayVarP(&f.Args, "arg", "a", nil, "positional argument (repeatable)")
	fs.StringArrayVarP(&f.Kwargs, "kwarg", "c", nil, "keyword argument key=value (repeatable)")
	fs.StringArrayVarP(&f.Tags, "tag", "t", nil, "tag key=value (repeatable)")
	fs.StringVar(&f.Config, "config", "", "runnable config as JSON")
}

// Runnable 將旗標值還原為 Runnable
func (f *RunnableFlags) Runnable() (*Runnable, error) {
	if f.Kind == "" {
		return nil, ErrMissingKind
	}
	r := NewRunnable(f.Kind, f.URI)
	for _, a := range f.Args {
		if strings.HasPrefix(a, base64Prefix) {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(a, base64Prefix))
			if err != nil {
				return nil, fmt.Errorf("%w: arg %q: %v", ErrInvalidArgument, a, err)
			}
			a = string(raw)
		}
		r.Args = append(r.Args, a)
	}
	for _, kv := range f.Kwargs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: kwarg %q", ErrInvalidArgument, kv)
		}
		r.WithKwarg(key, value)
	}
	for _, kv := range f.Tags {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: tag %q", ErrInvalidArgument, kv)
		}
		r.WithTag(key, value)
	}
	if f.Config != "" {
		if err := json.Unmarshal([]byte(f.Config), &r.Config); err != nil {
			return nil, fmt.Errorf("%w: config: %v", ErrInvalidArgument, err)
		}
	}
	return r, nil
}

// ParseCommandArgs CommandArgs 的反向操作
func ParseCommandArgs(args []string) (*Runnable, error) {
	var flags RunnableFlags
	fs := pflag.NewFlagSet("runnable", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return flags.Runnable()
}
