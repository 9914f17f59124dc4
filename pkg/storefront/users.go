package storefront

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

var ErrNoAuth = errors.New("storefront: no auth provider configured")

type AuthUser struct {
	UID   string
	Email string
}

// AuthProvider is the external identity service. The bridge only passes
// credentials through; it never stores a password.
type AuthProvider interface {
	Register(ctx context.Context, email, password string) (AuthUser, error)
	SignIn(ctx context.Context, email, password string) (AuthUser, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
}

type Registration struct {
	Email    string
	Password string
	// Fields are extra profile values stored alongside the email.
	Fields map[string]string
}

// RegisterUser creates the account with the auth provider, then stores the
// profile under user/<uuid> linked by firebaseUId. It returns the uuid.
func (s *Storefront) RegisterUser(ctx context.Context, reg Registration) (string, error) {
	if s.auth == nil {
		return "", ErrNoAuth
	}
	u, err := s.auth.Register(ctx, reg.Email, reg.Password)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	profile := payload.UserProfile{Email: reg.Email, FirebaseUID: u.UID, Fields: reg.Fields}
	if err := s.client.Set(ctx, treestore.Join(constants.UserPath, id.String()), profile); err != nil {
		return "", err
	}
	s.logger.Info().Str("user", id.String()).Msg("user registered")
	return id.String(), nil
}

func (s *Storefront) SignIn(ctx context.Context, email, password string) (AuthUser, error) {
	if s.auth == nil {
		return AuthUser{}, ErrNoAuth
	}
	return s.auth.SignIn(ctx, email, password)
}

func (s *Storefront) SignOut(ctx context.Context) error {
	if s.auth == nil {
		return ErrNoAuth
	}
	return s.auth.SignOut(ctx)
}

func (s *Storefront) ResetPassword(ctx context.Context, email string) error {
	if s.auth == nil {
		return ErrNoAuth
	}
	return s.auth.ResetPassword(ctx, email)
}

func userQuery(index, uid string) broker.Query {
	return broker.Query{
		Index:  index,
		Type:   constants.UserPath,
		Filter: map[string]any{"query": map[string]any{"match": map[string]string{"firebaseUId": uid}}},
	}
}

// UserData searches the user profiles for uid and streams the hits.
func (s *Storefront) UserData(ctx context.Context, uid string) (*broker.Exchange, error) {
	return s.broker.Dispatch(ctx, userQuery(s.index, uid), broker.Hits)
}

// FindUser waits for the first answer to a profile search for uid.
func (s *Storefront) FindUser(ctx context.Context, uid string) ([]payload.Hit, error) {
	r, err := s.broker.Await(ctx, userQuery(s.index, uid), broker.Hits)
	if err != nil {
		return nil, err
	}
	return payload.DecodeHits(r.Snapshot)
}
