package accesscode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Alphabet はコードに使う文字集合。見間違えやすい 0/O と 1/I を除いた32文字。
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	groupCount = 3
	groupSize  = 4
	codeLength = groupCount * groupSize
)

// hashContext はコードのハッシュ鍵導出に使うBLAKE3のコンテキスト文字列。
const hashContext = "garagegate access code v1"

var codePattern = regexp.MustCompile(`^[` + Alphabet + `]{4}-[` + Alphabet + `]{4}-[` + Alphabet + `]{4}$`)

// generate は XXXX-XXXX-XXXX 形式のコードを生成する。
// len(Alphabet) が256の約数なので剰余による偏りは生じない。
func generate() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	var sb strings.Builder
	for i, b := range buf {
		if i > 0 && i%groupSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(Alphabet[int(b)%len(Alphabet)])
	}
	return sb.String(), nil
}

// Normalize は入力されたコードを正規形にする。
// 大文字化し、空白を除去し、区切りのない12文字には区切りを補う。
// 形式が不正な場合はokがfalseになる。
func Normalize(raw string) (string, bool) {
	s := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if len(s) == codeLength && !strings.Contains(s, "-") {
		s = s[0:4] + "-" + s[4:8] + "-" + s[8:12]
	}
	if !codePattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// Hasher はコードを鍵付きBLAKE3でハッシュ化する。平文のコードは保存しない。
type Hasher struct {
	key [32]byte
}

// NewHasher はsecretから鍵を導出したHasherを生成する。
func NewHasher(secret string) *Hasher {
	h := &Hasher{}
	blake3.DeriveKey(hashContext, []byte(secret), h.key[:])
	return h
}

// Hash は正規化済みのコードのハッシュを16進64文字で返す。
func (h *Hasher) Hash(email, code string) string {
	hasher, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		panic("accesscode: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	// 同じコードでもメールアドレスが異なれば別のハッシュになる
	hasher.Write([]byte(email))
	hasher.Write([]byte{0})
	hasher.Write([]byte(code))
	return hex.EncodeToString(hasher.Sum(nil))
}
