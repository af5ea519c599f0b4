package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

// registration es una línea {"register": {...}} del archivo de intake.
type registration struct {
	ID             string `json:"id"`
	ReferralParent string `json:"referral_parent"`
}

// intakeLine es una línea JSONL: o una registración o un fee event.
type intakeLine struct {
	Register *registration `json:"register,omitempty"`
	domain.FeeEvent
}

// readIntake lee JSONL línea a línea. Las líneas vacías y las que empiezan
// por '#' se ignoran; una línea mal formada corta la lectura.
func readIntake(ctx context.Context, r io.Reader, onRegister func(registration) error, onEvent func(domain.FeeEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var line intakeLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("intake line %d: %w", lineNo, err)
		}
		if line.Register != nil {
			if err := onRegister(*line.Register); err != nil {
				return fmt.Errorf("intake line %d: %w", lineNo, err)
			}
			continue
		}
		if err := onEvent(line.FeeEvent); err != nil {
			return fmt.Errorf("intake line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("intake: read: %w", err)
	}
	return nil
}

// rejectReason agrupa errores por su sentinel para el resumen del lote.
func rejectReason(err error) string {
	for _, sentinel := range []error{
		domain.ErrDuplicateFeeEvent,
		domain.ErrInvalidFeeEvent,
		domain.ErrReferralParentImmutable,
		domain.ErrNotFound,
		domain.ErrCascadeReentrancyLimit,
		domain.ErrDistributionImbalance,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
