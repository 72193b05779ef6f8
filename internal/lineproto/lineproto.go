// Package lineproto encodes samples into newline-delimited text records:
//
//	<namespace>,token=<token>[,<tag>=<value>]* <field>=<value>[,<field>=<value>]* <unix_nanos>
package lineproto

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

var (
	keyEscaper       = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	namespaceEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	stringEscaper    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// TokenTag is the tag key that carries the account token.
const TokenTag = "token"

// Encoder turns samples into records for one account token.
type Encoder struct {
	token string
}

// NewEncoder creates an encoder stamping every record with token.
func NewEncoder(token string) *Encoder {
	return &Encoder{token: token}
}

// Encode returns the record for s and false when no field survives (every
// value null or not representable).
func (e *Encoder) Encode(s *model.Sample) ([]byte, bool) {
	return e.Append(nil, s)
}

// Append appends the record for s to dst without a trailing newline.
func (e *Encoder) Append(dst []byte, s *model.Sample) ([]byte, bool) {
	names := make([]string, 0, len(s.Fields))
	for name, v := range s.Fields {
		if encodable(v) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return dst, false
	}
	slices.Sort(names)

	dst = append(dst, namespaceEscaper.Replace(s.Namespace)...)
	dst = append(dst, ',')
	dst = append(dst, TokenTag...)
	dst = append(dst, '=')
	dst = append(dst, keyEscaper.Replace(e.token)...)

	tagKeys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		if k != TokenTag && k != "" && s.Tags[k] != "" {
			tagKeys = append(tagKeys, k)
		}
	}
	slices.Sort(tagKeys)
	for _, k := range tagKeys {
		dst = append(dst, ',')
		dst = append(dst, keyEscaper.Replace(k)...)
		dst = append(dst, '=')
		dst = append(dst, keyEscaper.Replace(s.Tags[k])...)
	}

	dst = append(dst, ' ')
	for i, name := range names {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, keyEscaper.Replace(name)...)
		dst = append(dst, '=')
		dst = AppendValue(dst, s.Fields[name])
	}

	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, s.Timestamp*int64(1e6), 10)
	return dst, true
}

// AppendValue appends the field representation of v.
func AppendValue(dst []byte, v model.Value) []byte {
	switch v.Kind() {
	case model.KindInt:
		i, _ := v.AsInt()
		dst = strconv.AppendInt(dst, i, 10)
		return append(dst, 'i')
	case model.KindFloat:
		f, _ := v.AsFloat()
		return strconv.AppendFloat(dst, f, 'f', -1, 64)
	case model.KindBool:
		b, _ := v.AsBool()
		return strconv.AppendBool(dst, b)
	case model.KindString:
		str, _ := v.AsString()
		dst = append(dst, '"')
		dst = append(dst, stringEscaper.Replace(str)...)
		return append(dst, '"')
	default:
		return dst
	}
}

func encodable(v model.Value) bool {
	switch v.Kind() {
	case model.KindNull:
		return false
	case model.KindFloat:
		f, _ := v.AsFloat()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return true
	}
}
