// Package notify delivers operator alerts: replayed payment proofs
// (security) and deals whose payment was taken but not settled (liability).
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSecurity  Kind = "security"
	KindLiability Kind = "liability"
)

type Alert struct {
	Kind    Kind              `json:"kind"`
	DealID  string            `json:"deal_id,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Alerter must not block settlement for long; callers log and continue on
// error.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts at error level with a flag per kind so log
// pipelines can route them.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log.Named("alert")}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(a.Kind)),
		zap.String("deal_id", a.DealID),
		zap.Bool(string(a.Kind), true),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	l.log.Error(a.Message, fields...)
	return nil
}

// Multi fans out to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
