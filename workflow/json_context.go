package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// JSONContext session的业务上下文, 由调用方拥有, 引擎只保存不解析
// 路由时调用方可以按字段过滤session, 见 SessionFilter.ContextEquals
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建上下文, 非法json得到空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
		if ctx.data == nil {
			ctx.data = make(map[string]any)
		}
	}
	return ctx
}

// NewJSONContextFromMap 从 map 创建上下文, 会经过一次json转换,保证数字类型统一是float64
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		return NewJSONContext(nil)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return &JSONContext{data: m}
	}
	return NewJSONContext(b)
}

// Get 获取值，支持嵌套路径
// 例如: Get("user", "name") 获取 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetPath 点分隔的路径, "user.name" 等价于 Get("user", "name")
func (c *JSONContext) GetPath(path string) (any, bool) {
	return c.Get(strings.Split(path, ".")...)
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，支持嵌套路径
// 例如: Set([]string{"user", "name"}, "张三") 设置 user.name = "张三"
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			// 不存在或者不是 map，覆盖它
			nextMap = make(map[string]any)
			current[keys[i]] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Delete 删除指定路径的值
func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
	delete(current, keys[len(keys)-1])
}

// Matches 所有路径的值都相等才返回true, 数字统一按float64比较
func (c *JSONContext) Matches(equals map[string]any) bool {
	for path, want := range equals {
		got, ok := c.GetPath(path)
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, normalizeJSONValue(want)) {
			return false
		}
	}
	return true
}

func normalizeJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var ret any
	if err := json.Unmarshal(b, &ret); err != nil {
		return v
	}
	return ret
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return c.MarshalJSON()
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil
	}
	return b
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝上下文
func (c *JSONContext) Clone() *JSONContext {
	return NewJSONContext(c.ToBytesWithoutError())
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (c *JSONContext) MarshalJSON() ([]byte, error) {
	if c == nil || c.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.data)
}

func (c *JSONContext) UnmarshalJSON(b []byte) error {
	data := make(map[string]any)
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	if data == nil {
		data = make(map[string]any)
	}
	c.data = data
	return nil
}
