package workflow

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"sort"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Snapshot session的精简快照, 只有工作流id、checkpoint和计数器
// 编码后可以放到第三方系统回传的关联id里面(例如按钮的callback id)
type Snapshot struct {
	WorkflowID string                     `json:"w,omitempty"`
	Steps      map[string]json.RawMessage `json:"s,omitempty"`
	Counter    int64                      `json:"c,omitempty"`
	// Sequences checkpoint的序号, 还原后的顺序和原来一致
	Sequences map[string]int64 `json:"q,omitempty"`
}

func NewSnapshot(session *Session) *Snapshot {
	snapshot := &Snapshot{
		WorkflowID: session.WorkflowID,
		Counter:    session.Counter,
	}
	for id, step := range session.Steps {
		if snapshot.Steps == nil {
			snapshot.Steps = make(map[string]json.RawMessage, len(session.Steps))
			snapshot.Sequences = make(map[string]int64, len(session.Steps))
		}
		snapshot.Steps[id] = step.Value
		snapshot.Sequences[id] = step.Sequence
	}
	return snapshot
}

// EncodeSnapshot json -> deflate -> base64url(无padding)
func EncodeSnapshot(snapshot *Snapshot) (string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", errors.WithMessage(err, "EncodeSnapshot marshal failed")
	}
	buf := &bytes.Buffer{}
	w, err := flate.NewWriter(buf, flate.BestCompression)
	if err != nil {
		return "", errors.WithMessage(err, "EncodeSnapshot new writer failed")
	}
	if _, err := w.Write(raw); err != nil {
		return "", errors.WithMessage(err, "EncodeSnapshot compress failed")
	}
	if err := w.Close(); err != nil {
		return "", errors.WithMessage(err, "EncodeSnapshot close failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func DecodeSnapshot(token string) (*Snapshot, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "DecodeSnapshot base64 failed, err: %v", err)
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "DecodeSnapshot decompress failed, err: %v", err)
	}
	snapshot := &Snapshot{}
	if err := json.Unmarshal(raw, snapshot); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "DecodeSnapshot unmarshal failed, err: %v", err)
	}
	return snapshot, nil
}

// Session 用快照还原一个只有checkpoint的session, 用于离线重放或者排查问题
// 没有序号的checkpoint(旧的快照)按id排序, 从计数器之后分配新的序号
func (s *Snapshot) Session(id string) *Session {
	session := NewSession(id, s.WorkflowID, nil)
	session.Counter = s.Counter
	missing := make([]string, 0)
	for stepID, value := range s.Steps {
		sequence, ok := s.Sequences[stepID]
		if !ok || sequence <= 0 || sequence > s.Counter {
			missing = append(missing, stepID)
			continue
		}
		session.Steps[stepID] = &Step{ID: stepID, Value: value, Sequence: sequence}
	}
	sort.Strings(missing)
	for _, stepID := range missing {
		session.Steps[stepID] = &Step{ID: stepID, Value: s.Steps[stepID], Sequence: session.nextSequence()}
	}
	return session
}
