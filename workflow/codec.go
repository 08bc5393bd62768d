package workflow

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Codec 负责checkpoint、item、事件payload的序列化
// 反序列化时忽略未知字段; 解析失败时会尝试注册过的旧格式解析函数
type Codec struct {
	legacyDecoders sync.Map // reflect.Type -> []func([]byte) (any, error)
	mu             sync.Mutex
}

func NewCodec() *Codec {
	return &Codec{}
}

var defaultCodec = NewCodec()

// RegisterLegacyDecoder 注册T的旧格式解析函数,按注册顺序尝试
func RegisterLegacyDecoder[T any](c *Codec, fn func(raw []byte) (T, error)) error {
	if c == nil || fn == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "RegisterLegacyDecoder: codec or fn is nil")
	}
	key := reflect.TypeOf((*T)(nil)).Elem()
	c.mu.Lock()
	defer c.mu.Unlock()
	var decoders []func([]byte) (any, error)
	if v, ok := c.legacyDecoders.Load(key); ok {
		decoders = v.([]func([]byte) (any, error))
	}
	decoders = append(decoders, func(raw []byte) (any, error) {
		return fn(raw)
	})
	c.legacyDecoders.Store(key, decoders)
	return nil
}

func (c *Codec) Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessagef(err, "codec encode failed, type: %T", v)
	}
	return b, nil
}

// DecodeValue 反序列化raw到T, 标准解析失败后依次尝试旧格式解析函数
func DecodeValue[T any](c *Codec, raw json.RawMessage) (T, error) {
	var ret T
	err := c.DecodeInto(raw, &ret)
	return ret, err
}

// DecodeInto 同 DecodeValue, v 必须是非nil指针, 用于类型在运行时才知道的场景
func (c *Codec) DecodeInto(raw json.RawMessage, v any) error {
	if c == nil {
		c = defaultCodec
	}
	if len(raw) == 0 {
		return nil
	}
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.WithMessagef(err, "codec decode failed, type: %T", v)
	}
	target := rv.Elem().Type()
	decoders, ok := c.legacyDecoders.Load(target)
	if !ok {
		return errors.WithMessagef(err, "codec decode failed, type: %s", target)
	}
	for _, decoder := range decoders.([]func([]byte) (any, error)) {
		legacy, legacyErr := decoder(raw)
		if legacyErr != nil {
			continue
		}
		lv := reflect.ValueOf(legacy)
		if lv.IsValid() && lv.Type().AssignableTo(target) {
			rv.Elem().Set(lv)
			return nil
		}
	}
	return errors.WithMessagef(err, "codec decode failed, legacy decoders also failed, type: %s", target)
}
