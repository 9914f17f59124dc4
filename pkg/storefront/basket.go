package storefront

import (
	"context"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/stream"
)

// Basket streams the basket of a user or device. Subscribing again for the
// same id replaces the previous stream.
func (s *Storefront) Basket(ctx context.Context, id string, opts ...stream.Option) (*stream.Stream, error) {
	return s.registry.Subscribe(ctx, constants.BasketPath, id, opts...)
}

// SetBasket replaces the whole basket.
func (s *Storefront) SetBasket(ctx context.Context, id string, basket payload.Basket) error {
	if err := basket.Validate(); err != nil {
		return err
	}
	return s.registry.Publish(ctx, constants.BasketPath, id, basket)
}

func (s *Storefront) BasketHistory(ctx context.Context, id string, opts ...stream.Option) (*stream.Stream, error) {
	return s.registry.Subscribe(ctx, constants.BasketHistoryPath, id, opts...)
}

// RecordBasketChange appends entry to the basket history and returns its key.
func (s *Storefront) RecordBasketChange(ctx context.Context, id string, entry payload.BasketHistoryEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}
	return s.registry.Append(ctx, constants.BasketHistoryPath, id, entry)
}

func (s *Storefront) CloseBasket(id string) {
	s.registry.Unsubscribe(constants.BasketPath, id)
	s.registry.Unsubscribe(constants.BasketHistoryPath, id)
}
