package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	jose "gopkg.in/go-jose/go-jose.v2"
)

const SignAlgo = "EdDSA"

var ErrBadSignature = errors.New("signature verification failed")

// Identity 本节点的签名身份, 节点 ID 就是公钥的 hex 编码
type Identity struct {
	nodeID string
	priv   ed25519.PrivateKey
	signer jose.Signer
}

func NewIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create signer")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		nodeID: hex.EncodeToString(pub),
		priv:   priv,
		signer: signer,
	}, nil
}

func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return NewIdentity(priv)
}

// LoadOrCreateIdentity 从文件读取私钥种子 (hex), 文件不存在时生成并写入
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("invalid key file %s", path)
		}
		return NewIdentity(ed25519.NewKeyFromSeed(seed))
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create key dir")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id.priv.Seed())+"\n"), 0o600); err != nil {
		return nil, errors.Wrapf(err, "write key file %s", path)
	}
	return id, nil
}

func (id *Identity) NodeID() string {
	return id.nodeID
}

// Sign 返回 detached JWS, payload 不随签名传输
func (id *Identity) Sign(message []byte) (string, error) {
	obj, err := id.signer.Sign(message)
	if err != nil {
		return "", errors.Wrap(err, "sign")
	}
	return obj.DetachedCompactSerialize()
}

// Verify 用声称的节点 ID (公钥) 校验签名
func Verify(signature string, message []byte, nodeID string) bool {
	if !ValidNodeID(nodeID) {
		return false
	}
	pub, err := hex.DecodeString(nodeID)
	if err != nil {
		return false
	}
	obj, err := jose.ParseSigned(signature)
	if err != nil {
		return false
	}
	return obj.DetachedVerify(message, ed25519.PublicKey(pub)) == nil
}

// canonical 签名内容: nonce + session id + type + sign_at + body
func canonical(env *Envelope) []byte {
	h := env.Header
	var b strings.Builder
	b.WriteString(h.Nonce)
	b.WriteString(h.SessionID)
	b.WriteString(h.Type)
	b.WriteString(h.Exts[ExtSignAt])
	b.Write(env.Body)
	return []byte(b.String())
}

// SignEnvelope 填充 sign, sign_algo, sign_at, origin_id
func (id *Identity) SignEnvelope(env *Envelope, now time.Time) error {
	if env.Header.Exts == nil {
		env.Header.Exts = map[string]string{}
	}
	env.Header.Exts[ExtSignAt] = strconv.FormatInt(now.Unix(), 10)
	env.Header.Exts[ExtOriginID] = id.nodeID
	env.Header.Exts[ExtSignAlgo] = SignAlgo

	sig, err := id.Sign(canonical(env))
	if err != nil {
		return err
	}
	env.Header.Exts[ExtSign] = sig
	return nil
}

// VerifyEnvelope 用 origin_id 校验签名
func VerifyEnvelope(env *Envelope) error {
	if env.Header.Exts[ExtSignAlgo] != SignAlgo {
		return errors.Wrapf(ErrBadSignature, "unsupported sign_algo %q", env.Header.Exts[ExtSignAlgo])
	}
	if !Verify(env.Header.Exts[ExtSign], canonical(env), env.Origin()) {
		return ErrBadSignature
	}
	return nil
}
