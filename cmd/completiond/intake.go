package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stayswap/internal/swap"
)

// completer is the orchestrator surface the intake loop dispatches to.
type completer interface {
	CompleteBookingExchange(ctx context.Context, req swap.CompletionRequest) (*swap.CompletionResult, error)
	CompleteCashPayment(ctx context.Context, req swap.CompletionRequest) (*swap.CompletionResult, error)
}

type streamReader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

// intakeLoop tails a Redis stream of completion requests and dispatches one
// orchestrator call per entry. Requests that fail stay failed; the audit
// trail carries the outcome, so entries are never re-queued here.
type intakeLoop struct {
	client streamReader
	svc    completer
	stream string
	block  time.Duration
	log    *zap.Logger
}

func newIntakeLoop(client streamReader, svc completer, stream string, block time.Duration, logger *zap.Logger) *intakeLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &intakeLoop{
		client: client,
		svc:    svc,
		stream: stream,
		block:  block,
		log:    logger,
	}
}

// Run blocks until the context is canceled.
func (l *intakeLoop) Run(ctx context.Context) {
	lastID := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.stream, lastID},
			Count:   16,
			Block:   l.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			l.log.Warn("intake read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				l.dispatch(ctx, msg)
			}
		}
	}
}

func (l *intakeLoop) dispatch(ctx context.Context, msg redis.XMessage) {
	req, kind, err := parseCompletionRequest(msg.Values)
	if err != nil {
		l.log.Warn("intake entry rejected",
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		return
	}

	var result *swap.CompletionResult
	switch kind {
	case swap.ProposalKindBooking:
		result, err = l.svc.CompleteBookingExchange(ctx, req)
	case swap.ProposalKindCash:
		result, err = l.svc.CompleteCashPayment(ctx, req)
	}
	if err != nil {
		l.log.Warn("completion failed",
			zap.String("proposal_id", req.ProposalID),
			zap.Error(err))
		return
	}
	l.log.Info("completion finished",
		zap.String("proposal_id", req.ProposalID),
		zap.String("ledger_tx_id", result.Ledger.TransactionID),
		zap.Int("completed_swaps", len(result.CompletedSwaps)))
}

func parseCompletionRequest(values map[string]any) (swap.CompletionRequest, swap.ProposalKind, error) {
	req := swap.CompletionRequest{
		ProposalID:  stringField(values, "proposal_id"),
		InitiatorID: stringField(values, "initiator_id"),
	}
	if req.ProposalID == "" {
		return req, "", errors.New("missing proposal_id")
	}
	if req.InitiatorID == "" {
		return req, "", errors.New("missing initiator_id")
	}

	kind := swap.ProposalKind(stringField(values, "kind"))
	switch kind {
	case swap.ProposalKindBooking, swap.ProposalKindCash:
		return req, kind, nil
	default:
		return req, "", fmt.Errorf("unknown kind %q", stringField(values, "kind"))
	}
}

func stringField(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
