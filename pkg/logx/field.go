package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is one key/value pair attached to a log line. A Field with an empty
// Key is dropped, so Err(nil) and Stack("") vanish from the output.
type Field struct {
	Key   string
	Value any
}

func String(k, v string) Field                 { return Field{k, v} }
func Strings(k string, v []string) Field       { return Field{k, v} }
func Int(k string, v int) Field                { return Field{k, v} }
func Int64(k string, v int64) Field            { return Field{k, v} }
func Uint64(k string, v uint64) Field          { return Field{k, v} }
func Bool(k string, v bool) Field              { return Field{k, v} }
func Float64(k string, v float64) Field        { return Field{k, v} }
func Duration(k string, v time.Duration) Field { return Field{k, v} }
func Time(k string, v time.Time) Field         { return Field{k, v} }
func Any(k string, v any) Field                { return Field{k, v} }

func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{errorKey, err}
}

func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return Field{}
	}
	return Field{"stack", stack}
}

func (f Field) apply(e *zerolog.Event) {
	if f.Key == "" {
		return
	}
	switch v := f.Value.(type) {
	case string:
		e.Str(f.Key, v)
	case []string:
		e.Strs(f.Key, v)
	case int:
		e.Int(f.Key, v)
	case int64:
		e.Int64(f.Key, v)
	case uint64:
		e.Uint64(f.Key, v)
	case bool:
		e.Bool(f.Key, v)
	case float64:
		e.Float64(f.Key, v)
	case time.Duration:
		e.Dur(f.Key, v)
	case time.Time:
		e.Time(f.Key, v)
	case error:
		e.AnErr(f.Key, v)
	default:
		e.Interface(f.Key, v)
	}
}
