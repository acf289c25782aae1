// Package types 定義了 nrunner 執行引擎中使用的核心領域模型
//
// 資料流：Runnable（工作描述）→ Task（排程單位）→ Message（worker 回報的狀態）
package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// Result 任務的最終分類
type Result string

// 定義 worker 可回報的終止結果
const (
	ResultPass   Result = "pass"   // 測試通過
	ResultFail   Result = "fail"   // 測試失敗
	ResultError  Result = "error"  // 執行錯誤（非測試本身失敗）
	ResultSkip   Result = "skip"   // 測試被跳過
	ResultCancel Result = "cancel" // 測試被取消
)

// ParseResult 將字串轉為 Result，未知值回傳 false
func ParseResult(s string) (Result, bool) {
	switch r := Result(s); r {
	case ResultPass, ResultFail, ResultError, ResultSkip, ResultCancel:
		return r, true
	}
	return "", false
}

// ============================================================================
// Kwargs：保持插入順序的 key/value 清單
// ============================================================================

// Kwarg 單一關鍵字參數
type Kwarg struct {
	Key   string
	Value string
}

// Kwargs 保持順序的關鍵字參數（JSON 編碼為物件，鍵的順序與插入順序一致）
type Kwargs []Kwarg

// Get 取得 key 對應的值
func (k Kwargs) Get(key string) (string, bool) {
	for _, kv := range k {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set 設定 key，已存在時原地覆寫（保留原本的位置）
func (k Kwargs) Set(key, value string) Kwargs {
	for i := range k {
		if k[i].Key == key {
			k[i].Value = value
			return k
		}
	}
	return append(k, Kwarg{Key: key, Value: value})
}

// Env 轉為 KEY=VALUE 形式，用於 exec-test 的環境變數
func (k Kwargs) Env() []string {
	env := make([]string, 0, len(k))
	for _, kv := range k {
		env = append(env, kv.Key+"="+kv.Value)
	}
	return env
}

// MarshalJSON 依插入順序輸出 JSON 物件
func (k Kwargs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range k {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 以 token 方式解析，保留鍵的原始順序
func (k *Kwargs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*k = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("kwargs: expected object, got %v", tok)
	}

	out := Kwargs{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("kwargs: invalid key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("kwargs: value of %q must be a string: %w", key, err)
		}
		out = append(out, Kwarg{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*k = out
	return nil
}

// ============================================================================
// Tags：key → 字串集合（JSON 以排序後的陣列表示）
// ============================================================================

// Tags 測試標籤，對核心而言不透明
type Tags map[string][]string

// Add 加入標籤值，維持排序且不重複
func (t Tags) Add(key string, values ...string) {
	set := t[key]
	for _, v := range values {
		i := sort.SearchStrings(set, v)
		if i < len(set) && set[i] == v {
			continue
		}
		set = append(set, "")
		copy(set[i+1:], set[i:])
		set[i] = v
	}
	if set == nil {
		set = []string{}
	}
	t[key] = set
}

// Keys 取得排序後的所有標籤名稱
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Payload：可能以 base64 物件形式傳輸的位元組內容
// ============================================================================

const base64Key = "__base64_encoded__"

// Payload worker 傳來的位元組片段
// 編碼為一般 JSON 字串，或 {"__base64_encoded__": "..."}
type Payload []byte

// MarshalJSON 合法 UTF-8 輸出為字串，其他以 base64 物件輸出
func (p Payload) MarshalJSON() ([]byte, error) {
	if utf8.Valid(p) {
		return json.Marshal(string(p))
	}
	return json.Marshal(map[string]string{base64Key: base64.StdEncoding.EncodeToString(p)})
}

// UnmarshalJSON 接受字串或 base64 物件；其他 JSON 值（例如結構化 log）保留其精簡 JSON 文字
func (p *Payload) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(bytes.TrimSpace(data), []byte("null")):
		*p = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Payload(s)
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil && len(obj) == 1 {
		var encoded string
		if err := json.Unmarshal(obj[base64Key], &encoded); err == nil {
			if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				*p = raw
				return nil
			}
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	*p = Payload(compact.Bytes())
	return nil
}
