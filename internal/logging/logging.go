// Package logging builds the service logger and the redaction policy applied to
// every structured field the service writes.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Level       string
	Development bool
	// File, when set, receives JSON logs with size-based rotation in addition
	// to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", opts.Level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if opts.Development {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

const (
	Masked       = "***hidden***"
	maxValueSize = 500
)

// DefaultDenyList holds the field-name substrings whose values are never logged.
var DefaultDenyList = []string{
	"api_key", "bearer", "authorization", "headers", "client_id", "client_secret",
	"grant_type", "token_type", "expires_in", "access_token", "refresh_token",
	"token", "password", "secret", "cookie",
}

// Redactor masks values by key before they reach a log sink.
type Redactor struct {
	deny []string
}

func NewRedactor(deny ...string) *Redactor {
	if len(deny) == 0 {
		deny = DefaultDenyList
	}
	r := &Redactor{deny: make([]string, 0, len(deny))}
	for _, d := range deny {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.deny = append(r.deny, d)
		}
	}
	return r
}

func (r *Redactor) denied(s string) bool {
	s = strings.ToLower(s)
	for _, d := range r.deny {
		if strings.Contains(s, d) {
			return true
		}
	}
	return false
}

// Value returns the loggable form of v under key.
func (r *Redactor) Value(key string, v any) any {
	if r.denied(key) {
		return Masked
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	if r.denied(s) {
		return Masked
	}
	if len(s) > maxValueSize {
		return s[:maxValueSize] + "...(truncated)"
	}
	return s
}

// Fields turns alternating key/value pairs into redacted zap fields. A trailing
// key without a value is dropped.
func (r *Redactor) Fields(kv ...any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, zap.Any(key, r.Value(key, kv[i+1])))
	}
	return fields
}
