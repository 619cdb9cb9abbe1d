package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/auth"
	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/protocol"
	"github.com/parlorhq/parlor/internal/v1/types"
)

const (
	// authBudget bounds credential validation during the upgrade. A JWKS
	// fetch that stalls past this rejects the handshake instead of pinning
	// the HTTP handler.
	authBudget = 5 * time.Second

	// historyPageLimit caps one backward pagination page.
	historyPageLimit = 100
)

// tokenExtractionResult holds the result of credential extraction
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken extracts the session credential from the session cookie or,
// for clients that cannot send cookies, from the Sec-WebSocket-Protocol header.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	// Priority 1: session cookie
	if cookie, err := c.Cookie(h.cookieName); err == nil && cookie != "" {
		result.Token = cookie
		return result, nil
	}

	// Priority 2: Sec-WebSocket-Protocol header
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		parts := strings.SplitSeq(headerVal, ",")
		for p := range parts {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			// Treat the first other part as the token
			if p != "" && result.Token == "" {
				result.Token = p
				result.FromHeader = true
				logging.GetLogger().Debug("Credential extracted from Sec-WebSocket-Protocol header")
			}
		}
	}

	if result.Token == "" {
		logging.Warn(context.Background(), "No credential provided in request")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header - allowing non-browser client")
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		// Check if the scheme and host match
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			logging.GetLogger().Debug("Origin validated", zap.String("origin", origin))
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// authenticateUser validates the credential and extracts claims, bounded by
// the auth budget.
func (h *Hub) authenticateUser(token string) (*auth.SessionClaims, error) {
	type outcome struct {
		claims *auth.SessionClaims
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		claims, err := h.validator.ValidateToken(token)
		done <- outcome{claims, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logging.Warn(context.Background(), "Credential validation failed", zap.Error(res.err))
			return nil, fmt.Errorf("invalid token: %w", res.err)
		}
		logging.GetLogger().Debug("User authenticated", zap.String("userId", res.claims.Subject))
		return res.claims, nil
	case <-time.After(authBudget):
		logging.Warn(context.Background(), "Credential validation timed out")
		return nil, fmt.Errorf("credential validation timed out")
	}
}

// displayNameFromClaims picks the display name for a new session: the name
// claim of the verified token when it passes validation, otherwise the
// subject truncated to the display-name bound.
func (h *Hub) displayNameFromClaims(claims *auth.SessionClaims) types.DisplayNameType {
	if name, err := protocol.ValidateDisplayName(claims.Name, h.limits.DisplayNameMaxChars); err == nil {
		return types.DisplayNameType(name)
	}
	runes := []rune(claims.Subject)
	if len(runes) > h.limits.DisplayNameMaxChars {
		runes = runes[:h.limits.DisplayNameMaxChars]
	}
	return types.DisplayNameType(runes)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Prepare response header
	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	// Upgrade to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}

// historyFrame builds the history reply for a join. The zero Inbound yields
// the initial backlog, a since_ts cursor resumes forward from a prior
// session, and a before_id cursor pages backward.
//
// Every variant returns messages oldest first, so messages[0] carries the
// smallest ts and oldest id of the page.
func (h *Hub) historyFrame(ctx context.Context, roomID types.RoomIDType, in *protocol.Inbound) ([]byte, error) {
	var cursor *protocol.Cursor

	switch {
	case in.SinceTS != nil:
		msgs, err := h.store.Since(ctx, roomID, *in.SinceTS)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			cursor = &protocol.Cursor{BeforeTS: msgs[0].TS}
		}
		return protocol.History(roomID, msgs, cursor), nil

	case in.BeforeID != "":
		msgs, err := h.store.Before(ctx, roomID, types.MessageIDType(in.BeforeID), historyPageLimit)
		if err != nil {
			return nil, err
		}
		// A short page means the backlog is exhausted; no further cursor.
		if len(msgs) == historyPageLimit {
			cursor = &protocol.Cursor{BeforeID: msgs[0].ID}
		}
		return protocol.History(roomID, msgs, cursor), nil

	default:
		msgs, err := h.store.Recent(ctx, roomID, h.initialHistoryLimit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			cursor = &protocol.Cursor{BeforeTS: msgs[0].TS}
		}
		return protocol.History(roomID, msgs, cursor), nil
	}
}

// resolveMentions maps @tokens in the text to current members of the room by
// case-insensitive display-name match. Several members sharing a name are all
// mentioned; duplicates collapse to the first occurrence; tokens matching
// nobody are dropped.
func (h *Hub) resolveMentions(roomID types.RoomIDType, text string) []types.UserIDType {
	tokens := protocol.MentionTokens(text)
	if len(tokens) == 0 {
		return nil
	}

	members := h.registry.Members(roomID)
	seen := make(map[types.UserIDType]struct{})
	var mentions []types.UserIDType
	for _, token := range tokens {
		for _, m := range members {
			if !strings.EqualFold(string(m.DisplayName), token) {
				continue
			}
			if _, dup := seen[m.UserID]; dup {
				continue
			}
			seen[m.UserID] = struct{}{}
			mentions = append(mentions, m.UserID)
		}
	}
	return mentions
}
