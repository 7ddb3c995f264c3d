package p2p

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Magic   uint32 = 0xA71A5001
	Version uint32 = 1
)

// 扩展字段
const (
	ExtSign     = "sign"
	ExtSignAlgo = "sign_algo"
	ExtSignAt   = "sign_at"
	ExtOriginID = "origin_id"
	// ExtDestID 回复消息的收件人
	ExtDestID = "dest_id"
)

var ErrMalformed = errors.New("malformed envelope")

type Header struct {
	Magic     uint32            `json:"magic"`
	Version   uint32            `json:"version"`
	Type      string            `json:"type"`
	Nonce     string            `json:"nonce"`
	SessionID string            `json:"session_id"`
	Path      []string          `json:"path"`
	Exts      map[string]string `json:"exts"`
}

// Envelope 节点之间交换的消息: header + 按类型区分的 body
type Envelope struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// NewEnvelope 生成新的 nonce, path 以本节点开头
func NewEnvelope(msgType, sessionID, localID string, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s body", msgType)
	}
	return &Envelope{
		Header: Header{
			Magic:     Magic,
			Version:   Version,
			Type:      msgType,
			Nonce:     uuid.NewString(),
			SessionID: sessionID,
			Path:      []string{localID},
			Exts:      map[string]string{},
		},
		Body: raw,
	}, nil
}

func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeBody 解析 body, 失败视为格式错误
func (e *Envelope) DecodeBody(v interface{}) error {
	if len(e.Body) == 0 {
		return errors.Wrap(ErrMalformed, "empty body")
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return nil
}

// Validate 结构校验, 不涉及签名
func (e *Envelope) Validate() error {
	h := e.Header
	switch {
	case h.Magic != Magic:
		return errors.Wrapf(ErrMalformed, "bad magic %x", h.Magic)
	case h.Type == "":
		return errors.Wrap(ErrMalformed, "empty message type")
	case !ValidID(h.Nonce):
		return errors.Wrap(ErrMalformed, "bad nonce")
	case !ValidID(h.SessionID):
		return errors.Wrap(ErrMalformed, "bad session id")
	case len(h.Path) == 0:
		return errors.Wrap(ErrMalformed, "empty path")
	}
	for _, id := range h.Path {
		if !ValidNodeID(id) {
			return errors.Wrapf(ErrMalformed, "bad node id %q in path", id)
		}
	}
	if !ValidNodeID(e.Origin()) {
		return errors.Wrap(ErrMalformed, "bad origin id")
	}
	return nil
}

func (e *Envelope) Origin() string {
	return e.Header.Exts[ExtOriginID]
}

func (e *Envelope) Dest() string {
	return e.Header.Exts[ExtDestID]
}

func (e *Envelope) SignedAt() (time.Time, error) {
	sec, err := strconv.ParseInt(e.Header.Exts[ExtSignAt], 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(ErrMalformed, "bad sign_at")
	}
	return time.Unix(sec, 0), nil
}

func (e *Envelope) Visited(nodeID string) bool {
	for _, id := range e.Header.Path {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Clone path 和 exts 都会复制, 转发前必须 Clone
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Header.Path = append([]string(nil), e.Header.Path...)
	c.Header.Exts = make(map[string]string, len(e.Header.Exts))
	for k, v := range e.Header.Exts {
		c.Header.Exts[k] = v
	}
	c.Body = append(json.RawMessage(nil), e.Body...)
	return &c
}

// ValidID nonce 和 session id 都必须是 UUID
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ValidNodeID 节点 ID 是 hex 编码的 ed25519 公钥
func ValidNodeID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
