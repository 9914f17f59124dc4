package storefront

import (
	"context"
	"fmt"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

const (
	attrsField = "attrs"
	tagsField  = "tags"
)

func (s *Storefront) AddProduct(ctx context.Context, product payload.Product) (string, error) {
	return s.push(ctx, constants.ProductPath, product)
}

func (s *Storefront) AddGeneralCategory(ctx context.Context, category payload.Category) (string, error) {
	return s.push(ctx, constants.GeneralCategoryPath, category)
}

func (s *Storefront) AddCategory(ctx context.Context, category payload.Category) (string, error) {
	return s.push(ctx, constants.CategoryPath, category)
}

// AddAttribute stores attr and references it from the category's attrs list.
// The returned key is valid even when updating the list fails.
func (s *Storefront) AddAttribute(ctx context.Context, attr payload.Attribute, categoryID string) (string, error) {
	return s.addReferenced(ctx, constants.AttributesPath, attrsField, attr, categoryID)
}

// AddTag stores tag and references it from the category's tags list.
func (s *Storefront) AddTag(ctx context.Context, tag payload.Tag, categoryID string) (string, error) {
	return s.addReferenced(ctx, constants.TagsPath, tagsField, tag, categoryID)
}

func (s *Storefront) addReferenced(ctx context.Context, prefix, field string, value record, categoryID string) (string, error) {
	refs, err := treestore.JoinSegments(constants.CategoryPath, categoryID, field)
	if err != nil {
		return "", err
	}
	key, err := s.push(ctx, prefix, value)
	if err != nil {
		return "", err
	}
	if err := s.appendRef(ctx, refs, key); err != nil {
		return key, err
	}
	return key, nil
}

func (s *Storefront) appendRef(ctx context.Context, path, key string) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	snap, err := s.client.Get(ctx, path)
	if err != nil {
		return err
	}
	var refs payload.RefList
	if err := snap.Decode(&refs); err != nil {
		return fmt.Errorf("%w: %s: %v", constants.ErrMalformedPayload, path, err)
	}

	var next payload.RefList
	switch {
	case !s.legacySeed:
		next = append(refs.WithoutSeed(), key)
	case !snap.Exists:
		// Older tooling only extended lists a category was created with.
		s.logger.Warn().Str("path", path).Msg("no reference list, skipping")
		return nil
	case refs.IsLegacySeed():
		next = payload.RefList{payload.LegacySeed, key}
	default:
		next = append(refs, key)
	}
	return s.client.Set(ctx, path, next)
}

// Category reads one category.
func (s *Storefront) Category(ctx context.Context, id string) (payload.Category, error) {
	var c payload.Category
	path, err := treestore.JoinSegments(constants.CategoryPath, id)
	if err != nil {
		return c, err
	}
	snap, err := s.client.Get(ctx, path)
	if err != nil {
		return c, err
	}
	if err := snap.Decode(&c); err != nil {
		return c, fmt.Errorf("%w: %s: %v", constants.ErrMalformedPayload, snap.Path, err)
	}
	return c, nil
}
