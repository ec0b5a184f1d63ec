// Package identifier は生の識別子（メールアドレス、学内ID）を仮名化IDへ変換する。
package identifier

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hitoshi/courseauth/internal/model"
)

// Hasher は設定されたソルトで識別子をハッシュ化する。
// ソルトは設定値であり、プロセスを再起動しても同じ入力から同じIDが得られる。
type Hasher struct {
	salt string
}

// New はHasherを生成する。
func New(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// IdentifierFor は hex(SHA256(salt + raw)) を返す。
// ソルトが未設定の場合はConfigurationErrorを返す。
func (h *Hasher) IdentifierFor(raw string) (string, error) {
	if h == nil || h.salt == "" {
		return "", model.NewConfigurationError("PSEUDONYM_SALT")
	}
	sum := sha256.Sum256([]byte(h.salt + raw))
	return hex.EncodeToString(sum[:]), nil
}
