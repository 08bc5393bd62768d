package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventKind 一种事件的类型描述
// name 是稳定的字符串, 持久化在awaiter和历史事件里面, 不能随意修改
// key 从事件里面提取awaiter关联id(例如消息id), 路由时不需要扫描所有session
type EventKind[T any] struct {
	name string
	key  func(T) string
}

func NewEventKind[T any](name string, key func(T) string) EventKind[T] {
	return EventKind[T]{name: name, key: key}
}

func (k EventKind[T]) Name() string {
	return k.name
}

// Key 事件的awaiter关联id, 没有key函数时返回空, 匹配该类型所有awaiter
func (k EventKind[T]) Key(event T) string {
	if k.key == nil {
		return ""
	}
	return k.key(event)
}

type eventKindEntry struct {
	name string
	key  func(raw json.RawMessage) (string, error)
}

// EventRegistry 事件类型注册表, 启动时注册, 之后只读
type EventRegistry struct {
	kinds sync.Map // name -> *eventKindEntry
	codec *Codec
}

func NewEventRegistry(codec *Codec) *EventRegistry {
	if codec == nil {
		codec = defaultCodec
	}
	return &EventRegistry{codec: codec}
}

// RegisterEventKind 注册事件类型, 名字重复返回错误
func RegisterEventKind[T any](r *EventRegistry, kind EventKind[T]) error {
	if kind.name == "" {
		return errors.WithMessage(ErrWorkflowParamInvalid, "RegisterEventKind: empty kind name")
	}
	entry := &eventKindEntry{
		name: kind.name,
		key: func(raw json.RawMessage) (string, error) {
			event, err := DecodeValue[T](r.codec, raw)
			if err != nil {
				return "", err
			}
			return kind.Key(event), nil
		},
	}
	if _, loaded := r.kinds.LoadOrStore(kind.name, entry); loaded {
		return errors.WithMessagef(ErrEventKindAlreadyExists, "kind: %s", kind.name)
	}
	return nil
}

func (r *EventRegistry) lookup(name string) (*eventKindEntry, error) {
	v, ok := r.kinds.Load(name)
	if !ok {
		return nil, errors.WithMessagef(ErrEventKindNotRegistered, "kind: %s", name)
	}
	return v.(*eventKindEntry), nil
}

// Delivery 一次事件投递
type Delivery struct {
	// EventID 事件唯一标识, 已经在session历史里面的事件不会再处理, 重试投递时保持不变
	EventID string          `json:"event_id" validate:"required"`
	Kind    string          `json:"kind" validate:"required"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	// IgnoreSessionVersion 保存时不做版本检查, 不会因为其他无关的并发修改而重复处理
	IgnoreSessionVersion bool `json:"ignore_session_version"`
	// SessionVersion 大于0时, session版本不相等返回 ErrStaleSessionVersion
	SessionVersion int64 `json:"session_version"`
}

// NewDelivery 构造类型安全的投递, 自动生成事件id并提取awaiter关联id
func NewDelivery[T any](kind EventKind[T], event T) (*Delivery, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewDelivery marshal failed, kind: %s", kind.name)
	}
	return &Delivery{
		EventID: uuid.NewString(),
		Kind:    kind.name,
		Key:     kind.Key(event),
		Payload: payload,
	}, nil
}

// NewRawDelivery 外部来的原始json事件, 通过注册表解析关联id
func (r *EventRegistry) NewRawDelivery(kind string, eventID string, payload json.RawMessage) (*Delivery, error) {
	entry, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	key, err := entry.key(payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewRawDelivery decode failed, kind: %s", kind)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	return &Delivery{EventID: eventID, Kind: kind, Key: key, Payload: payload}, nil
}

func (d *Delivery) String() string {
	if d == nil {
		return "delivery(nil)"
	}
	return fmt.Sprintf("delivery(id=%s, kind=%s, key=%s)", d.EventID, d.Kind, d.Key)
}
