package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"tasknest/domain"
)

const (
	headerSyncID         = "X-Sync-Id"
	headerNickname       = "X-Nickname"
	headerIdempotencyKey = "Idempotency-Key"
)

var errMissingIdentity = errors.New("missing identity: supply a bearer token or X-Sync-Id header")

// resolveIdentity derives the caller's scope keys from the request. A bearer
// token wins over the anonymous workspace header; exactly one of the two
// becomes authoritative. The nickname travels separately and is never used
// for data scoping.
func resolveIdentity(c echo.Context, auth Authenticator) (domain.Identity, error) {
	id := domain.Identity{Nickname: strings.TrimSpace(c.Request().Header.Get(headerNickname))}

	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		userID, err := auth.UserIDFromAuthHeader(h)
		if err != nil {
			return domain.Identity{}, err
		}
		id.UserID = userID
		return id, nil
	}

	if syncID := strings.TrimSpace(c.Request().Header.Get(headerSyncID)); syncID != "" {
		id.SyncID = syncID
		return id, nil
	}
	return domain.Identity{}, errMissingIdentity
}

// sharedScopeFrom reads the shared-link query parameters. A non-empty scope
// replaces the caller's own queries entirely.
func sharedScopeFrom(c echo.Context) domain.SharedScope {
	return domain.SharedScope{
		BatchID: strings.TrimSpace(c.QueryParam("batch")),
		TaskID:  strings.TrimSpace(c.QueryParam("task")),
	}
}
