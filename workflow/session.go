package workflow

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Session 一个工作流实例的持久化状态
// 所有的修改都通过Scope完成, Session只负责数据和修改规则, 不做IO
type Session struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Status     SessionStatus `json:"status"`
	// Counter 单调递增, step/item/awaiter/event的序号都来自这里, 序号越小越早
	Counter int64 `json:"counter"`
	// Version 乐观锁版本号, 由存储层维护
	Version int64        `json:"version"`
	Result  string       `json:"result,omitempty"`
	Context *JSONContext `json:"context,omitempty"`

	Steps      map[string]*Step    `json:"steps,omitempty"`
	Items      map[string]*Item    `json:"items,omitempty"`
	Awaiters   map[string]*Awaiter `json:"awaiters,omitempty"`
	Events     []*SessionEvent     `json:"events,omitempty"`
	PastEvents []*PastEvent        `json:"past_events,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Step checkpoint, 一个id在一个session里面只能记录一次, 记录后不可变
type Step struct {
	ID       string          `json:"id"`
	Value    json.RawMessage `json:"value,omitempty"`
	Sequence int64           `json:"seq"`
}

// Item 可变的键值对, 不是挂起点, 用于记录一些业务数据
type Item struct {
	ID       string          `json:"id"`
	Value    json.RawMessage `json:"value,omitempty"`
	Sequence int64           `json:"seq"`
}

// Awaiter 等待某种事件的订阅
// ID 是scope解析后的checkpoint id, AwaiterID 是业务上的关联id(例如消息id),为空匹配该类型的所有事件
type Awaiter struct {
	ID        string `json:"id"`
	AwaiterID string `json:"awaiter_id,omitempty"`
	EventType string `json:"event_type"`
	Sequence  int64  `json:"seq"`
}

// SessionEvent 正在处理中的事件
type SessionEvent struct {
	EventID  string          `json:"event_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Matched  []string        `json:"matched"`
	Consumed []string        `json:"consumed,omitempty"`
	Sequence int64           `json:"seq"`
}

// PastEvent 已经处理完的事件, session的历史
type PastEvent struct {
	EventID     string          `json:"event_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Handled     bool            `json:"handled"`
	Sequence    int64           `json:"seq"`
}

// NewSession 创建一个新的session, 状态是created
func NewSession(id string, workflowID string, context *JSONContext) *Session {
	if context == nil {
		context = NewJSONContext(nil)
	}
	now := time.Now().Unix()
	return &Session{
		ID:         id,
		WorkflowID: workflowID,
		Status:     SessionStatusCreated,
		Context:    context,
		Steps:      make(map[string]*Step),
		Items:      make(map[string]*Item),
		Awaiters:   make(map[string]*Awaiter),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Session) ensureMaps() {
	if s.Steps == nil {
		s.Steps = make(map[string]*Step)
	}
	if s.Items == nil {
		s.Items = make(map[string]*Item)
	}
	if s.Awaiters == nil {
		s.Awaiters = make(map[string]*Awaiter)
	}
	if s.Context == nil {
		s.Context = NewJSONContext(nil)
	}
}

func (s *Session) nextSequence() int64 {
	s.Counter++
	return s.Counter
}

func (s *Session) GetStep(id string) (*Step, bool) {
	step, ok := s.Steps[id]
	return step, ok
}

func (s *Session) HasStep(id string) bool {
	_, ok := s.Steps[id]
	return ok
}

// AddStep 记录checkpoint, 重复记录是工作流定义错误
func (s *Session) AddStep(id string, value json.RawMessage) (*Step, error) {
	s.ensureMaps()
	if _, ok := s.Steps[id]; ok {
		return nil, errors.WithMessagef(ErrDuplicateCheckpoint, "session: %s, step: %s", s.ID, id)
	}
	step := &Step{ID: id, Value: value, Sequence: s.nextSequence()}
	s.Steps[id] = step
	return step, nil
}

func (s *Session) GetItem(id string) (*Item, bool) {
	item, ok := s.Items[id]
	return item, ok
}

func (s *Session) AddItem(id string, value json.RawMessage) error {
	s.ensureMaps()
	if _, ok := s.Items[id]; ok {
		return errors.WithMessagef(ErrDuplicateItem, "session: %s, item: %s", s.ID, id)
	}
	s.Items[id] = &Item{ID: id, Value: value, Sequence: s.nextSequence()}
	return nil
}

func (s *Session) UpdateItem(id string, value json.RawMessage) error {
	item, ok := s.Items[id]
	if !ok {
		return errors.WithMessagef(ErrItemNotFound, "session: %s, item: %s", s.ID, id)
	}
	item.Value = value
	item.Sequence = s.nextSequence()
	return nil
}

// SetItem 不存在就新增, 存在就更新
func (s *Session) SetItem(id string, value json.RawMessage) {
	if _, ok := s.Items[id]; ok {
		_ = s.UpdateItem(id, value)
		return
	}
	_ = s.AddItem(id, value)
}

func (s *Session) DeleteItem(id string) error {
	if _, ok := s.Items[id]; !ok {
		return errors.WithMessagef(ErrItemNotFound, "session: %s, item: %s", s.ID, id)
	}
	delete(s.Items, id)
	return nil
}

func (s *Session) GetAwaiter(id string) (*Awaiter, bool) {
	awaiter, ok := s.Awaiters[id]
	return awaiter, ok
}

// AddAwaiter 一个checkpoint id同时只能有一个awaiter
func (s *Session) AddAwaiter(id string, awaiterID string, eventType string) (*Awaiter, error) {
	s.ensureMaps()
	if _, ok := s.Awaiters[id]; ok {
		return nil, errors.WithMessagef(ErrDuplicateAwaiter, "session: %s, awaiter: %s", s.ID, id)
	}
	awaiter := &Awaiter{ID: id, AwaiterID: awaiterID, EventType: eventType, Sequence: s.nextSequence()}
	s.Awaiters[id] = awaiter
	return awaiter, nil
}

func (s *Session) RemoveAwaiter(id string) error {
	if _, ok := s.Awaiters[id]; !ok {
		return errors.WithMessagef(ErrAwaiterNotFound, "session: %s, awaiter: %s", s.ID, id)
	}
	delete(s.Awaiters, id)
	return nil
}

// RemoveAwaitersUnder 删除prefix作用域下的所有awaiter, 包括递归作用域 "prefix-d." 下面的
func (s *Session) RemoveAwaitersUnder(prefix string) []string {
	removed := make([]string, 0)
	for id := range s.Awaiters {
		if isUnderPrefix(id, prefix) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		delete(s.Awaiters, id)
	}
	return removed
}

func isUnderPrefix(id string, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if strings.HasPrefix(rest, ".") {
		return true
	}
	// 递归作用域 prefix-d.xxx, d是迭代次数, prefix-late.xxx 是另外一个作用域
	if !strings.HasPrefix(rest, "-") {
		return false
	}
	depth, _, found := strings.Cut(rest[1:], ".")
	if !found || depth == "" {
		return false
	}
	_, err := strconv.ParseUint(depth, 10, 64)
	return err == nil
}

// MatchAwaiters 找到某类事件能匹配的awaiter, 按序号排序
// key为空的事件匹配该类型所有awaiter, awaiterID为空的awaiter匹配该类型所有事件
func (s *Session) MatchAwaiters(kind string, key string) []string {
	matched := make([]*Awaiter, 0)
	for _, awaiter := range s.Awaiters {
		if awaiter.EventType != kind {
			continue
		}
		if key != "" && awaiter.AwaiterID != "" && awaiter.AwaiterID != key {
			continue
		}
		matched = append(matched, awaiter)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence < matched[j].Sequence })
	ret := make([]string, 0, len(matched))
	for _, awaiter := range matched {
		ret = append(ret, awaiter.ID)
	}
	return ret
}

// HasEvent 事件已经在处理中或者已经处理过了
func (s *Session) HasEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, event := range s.Events {
		if event.EventID == eventID {
			return true
		}
	}
	for _, event := range s.PastEvents {
		if event.EventID == eventID {
			return true
		}
	}
	return false
}

// BufferEvent 把事件放到处理中队列
func (s *Session) BufferEvent(eventID string, kind string, payload json.RawMessage, matched []string) *SessionEvent {
	event := &SessionEvent{
		EventID:  eventID,
		Kind:     kind,
		Payload:  payload,
		Matched:  matched,
		Sequence: s.nextSequence(),
	}
	s.Events = append(s.Events, event)
	return event
}

// PendingEvents 返回awaiter id匹配但还没有被消费的事件, 按序号排序
func (s *Session) PendingEvents(awaiterScopeID string) []*SessionEvent {
	ret := make([]*SessionEvent, 0)
	for _, event := range s.Events {
		if containsString(event.Matched, awaiterScopeID) && !containsString(event.Consumed, awaiterScopeID) {
			ret = append(ret, event)
		}
	}
	return ret
}

// EventsFor 返回匹配awaiter id的所有处理中事件, 包括已经被消费的
func (s *Session) EventsFor(awaiterScopeID string) []*SessionEvent {
	ret := make([]*SessionEvent, 0)
	for _, event := range s.Events {
		if containsString(event.Matched, awaiterScopeID) {
			ret = append(ret, event)
		}
	}
	return ret
}

// ConsumeEvent awaiter消费了事件, 同时删除awaiter
// 事件留在处理中队列, 调用结束时 FlushEvents 才转移到历史事件
// 中断的调用里面已经消费过的事件, 重放时可以再次消费, 所以这里是幂等的
func (s *Session) ConsumeEvent(event *SessionEvent, awaiterScopeID string) error {
	if !containsString(event.Matched, awaiterScopeID) {
		return errors.WithMessagef(ErrAwaiterNotFound, "session: %s, event: %s not matched awaiter: %s", s.ID, event.EventID, awaiterScopeID)
	}
	delete(s.Awaiters, awaiterScopeID)
	if !containsString(event.Consumed, awaiterScopeID) {
		event.Consumed = append(event.Consumed, awaiterScopeID)
	}
	return nil
}

func (s *Session) retireEvent(event *SessionEvent, handled bool) {
	for i, e := range s.Events {
		if e == event {
			s.Events = append(s.Events[:i], s.Events[i+1:]...)
			break
		}
	}
	s.PastEvents = append(s.PastEvents, &PastEvent{
		EventID:     event.EventID,
		Kind:        event.Kind,
		Payload:     event.Payload,
		Fingerprint: AwaiterFingerprint(event.Matched),
		Handled:     handled,
		Sequence:    event.Sequence,
	})
}

// FlushEvents 调用结束时, 把队列中的事件转移到历史事件, 返回转移的数量
// 至少被一个awaiter消费的事件记为handled
func (s *Session) FlushEvents() int {
	pending := append([]*SessionEvent(nil), s.Events...)
	for _, event := range pending {
		s.retireEvent(event, len(event.Consumed) > 0)
	}
	return len(pending)
}

// AwaiterFingerprint 匹配awaiter集合的指纹, 与顺序无关
func AwaiterFingerprint(matched []string) string {
	ids := append([]string(nil), matched...)
	sort.Strings(ids)
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(ids, "\n")), 16)
}

// Clone 深拷贝, 用于存储层隔离内存状态
func (s *Session) Clone() (*Session, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal session failed, session: %s", s.ID)
	}
	ret := &Session{}
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal session failed, session: %s", s.ID)
	}
	ret.ensureMaps()
	return ret, nil
}

func containsString(arr []string, s string) bool {
	for _, v := range arr {
		if v == s {
			return true
		}
	}
	return false
}
