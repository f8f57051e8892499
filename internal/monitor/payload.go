package monitor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"statusmon/internal/value"
)

// Record keys on the wire.
const (
	keyKind   = "kind"
	keyPath   = "path"
	keyValue  = "value"
	keySentAt = "sent_at"

	kindUpdate = "update"
	kindDelete = "delete"
)

// record is a decoded mutation payload.
type record struct {
	kind   string // lower-cased
	path   string
	value  value.Value
	sentAt time.Time // zero when the sender sent none
}

func updateRecord(path string, v value.Value, now time.Time) value.Value {
	return value.Wrap(map[string]value.Value{
		keyKind:   value.String(kindUpdate),
		keyPath:   value.String(path),
		keyValue:  v.Clone(),
		keySentAt: value.Float(unixSeconds(now)),
	})
}

func deleteRecord(path string, now time.Time) value.Value {
	return value.Wrap(map[string]value.Value{
		keyKind:   value.String(kindDelete),
		keyPath:   value.String(path),
		keySentAt: value.Float(unixSeconds(now)),
	})
}

// decodeRecord checks the payload shape. The kind is only normalised here;
// whether it is a kind we handle is decided at dispatch.
func decodeRecord(p value.Value) (record, error) {
	if !p.IsMap() {
		return record{}, fmt.Errorf("%w: payload is %s, want map", ErrMalformedPayload, p.Kind())
	}
	str := func(k string) (string, error) {
		f, ok := p.Field(k)
		if !ok {
			return "", fmt.Errorf("%w: missing %q", ErrMalformedPayload, k)
		}
		s, ok := f.AsString()
		if !ok {
			return "", fmt.Errorf("%w: %q is %s, want string", ErrMalformedPayload, k, f.Kind())
		}
		return s, nil
	}

	var r record
	var err error
	if r.kind, err = str(keyKind); err != nil {
		return record{}, err
	}
	r.kind = strings.ToLower(strings.TrimSpace(r.kind))
	if r.path, err = str(keyPath); err != nil {
		return record{}, err
	}

	// sent_at is optional; without it the delivery is never late.
	if ts, ok := p.Field(keySentAt); ok {
		sec, ok := ts.AsFloat()
		if !ok || math.IsNaN(sec) || math.IsInf(sec, 0) {
			return record{}, fmt.Errorf("%w: bad %q", ErrMalformedPayload, keySentAt)
		}
		r.sentAt = fromUnixSeconds(sec)
	}

	if r.kind == kindUpdate {
		v, ok := p.Field(keyValue)
		if !ok {
			return record{}, fmt.Errorf("%w: update without %q", ErrMalformedPayload, keyValue)
		}
		r.value = v
	}
	return r, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
