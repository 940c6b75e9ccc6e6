package events

import (
	"context"

	"legalchat/pkg/types"
)

// NopPublisher discards messages; used when streaming is disabled
type NopPublisher struct{}

func (NopPublisher) PublishMessage(ctx context.Context, msg *types.Message) error { return nil }
func (NopPublisher) Close() error                                                { return nil }
