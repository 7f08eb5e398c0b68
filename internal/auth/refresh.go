package auth

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Refresher returns an up to date accountability for a possibly stale one.
type Refresher interface {
	Refresh(ctx context.Context, acc *datastore.Accountability) (*datastore.Accountability, error)
}

// Bridge refreshes accountabilities by re-validating their token and re-reading
// the user from the directory.
type Bridge struct {
	jwt       *JWTAuth
	directory Directory
	logger    *logrus.Entry
}

// NewBridge creates a Bridge. A nil directory trusts the role stored in the token.
func NewBridge(jwtAuth *JWTAuth, directory Directory, logger *logrus.Entry) *Bridge {
	return &Bridge{
		jwt:       jwtAuth,
		directory: directory,
		logger:    logger.WithField("component", "auth"),
	}
}

// Refresh validates acc again. Anonymous accountabilities are returned as they
// are; token-backed ones fail once the token expired or the user disappeared.
func (b *Bridge) Refresh(ctx context.Context, acc *datastore.Accountability) (*datastore.Accountability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if acc == nil {
		return datastore.Public(), nil
	}
	if acc.Token == "" {
		return acc, nil
	}

	claims, err := b.jwt.ValidateToken(acc.Token)
	if err != nil {
		return nil, err
	}

	refreshed := claims.Accountability(acc.Token)
	if b.directory != nil {
		user, ok := b.directory.Lookup(claims.ClientID)
		if !ok {
			return nil, fmt.Errorf("%w: user %q no longer exists", datastore.ErrForbidden, claims.ClientID)
		}
		refreshed.Role = user.Role
		refreshed.Admin = user.Admin()
	}

	if refreshed.Role != acc.Role || refreshed.Admin != acc.Admin {
		b.logger.WithFields(logrus.Fields{
			"user":     refreshed.User,
			"old_role": acc.Role,
			"new_role": refreshed.Role,
		}).Debug("accountability changed on refresh")
	}
	return refreshed, nil
}

// Authenticate turns a bearer token into an accountability. An empty token
// yields the public accountability.
func (b *Bridge) Authenticate(token string) (*datastore.Accountability, error) {
	if token == "" {
		return datastore.Public(), nil
	}
	return b.Refresh(context.Background(), &datastore.Accountability{Token: token})
}

var _ Refresher = (*Bridge)(nil)
