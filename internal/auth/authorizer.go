package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OpenRequest is the connection-open request presented to the authorizer.
type OpenRequest struct {
	ConnectionID string
	Header       http.Header
	Query        url.Values
	Body         []byte
}

// Decision is the authorizer's verdict. Reject reasons are logged only and
// never surface in the decision.
type Decision struct {
	Allowed bool
	Status  int
	Claims  *Claims
}

func allow(c *Claims) Decision {
	return Decision{Allowed: true, Status: http.StatusOK, Claims: c}
}

func deny() Decision {
	return Decision{Allowed: false, Status: http.StatusUnauthorized}
}

// Authorizer validates bearer credentials at channel-open time.
type Authorizer struct {
	source   SecretSource
	secretID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthorizer creates an authorizer that verifies tokens with the secret
// identified by secretID.
func NewAuthorizer(source SecretSource, secretID string, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		source:   source,
		secretID: secretID,
		logger:   logger,
		now:      time.Now,
	}
}

// ExtractToken returns the credential from the Authorization header, the
// token query parameter, or the token field of a JSON body, in that order.
func ExtractToken(req OpenRequest) string {
	if h := req.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			if tok := strings.TrimSpace(h[len(prefix):]); tok != "" {
				return tok
			}
		}
	}
	if tok := strings.TrimSpace(req.Query.Get("token")); tok != "" {
		return tok
	}
	if len(req.Body) > 0 {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(req.Body, &body); err == nil {
			if tok := strings.TrimSpace(body.Token); tok != "" {
				return tok
			}
		}
	}
	return ""
}

// Authorize verifies the credential carried by req.
func (a *Authorizer) Authorize(ctx context.Context, req OpenRequest) Decision {
	ts := a.now().UTC().Format(time.RFC3339)

	token := ExtractToken(req)
	if token == "" {
		a.logger.Warn("Connection rejected",
			"connection_id", req.ConnectionID,
			"timestamp", ts,
			"reason", ErrMissingToken.Error(),
		)
		return deny()
	}

	secret, err := VerificationSecret(ctx, a.source, a.secretID)
	if err != nil {
		a.logger.Error("Connection rejected",
			"connection_id", req.ConnectionID,
			"timestamp", ts,
			"reason", "verification secret unavailable",
			"error", err,
		)
		return deny()
	}

	claims, err := ValidateToken(secret, token)
	if err != nil {
		a.logger.Warn("Connection rejected",
			"connection_id", req.ConnectionID,
			"timestamp", ts,
			"reason", err.Error(),
		)
		return deny()
	}

	a.logger.Info("Connection authorized",
		"connection_id", req.ConnectionID,
		"timestamp", ts,
		"sub", claims.Subject,
		"role", claims.Role,
		"jti", claims.ID,
	)
	return allow(claims)
}

// Verify validates a bare token for REST callers.
func (a *Authorizer) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	secret, err := VerificationSecret(ctx, a.source, a.secretID)
	if err != nil {
		return nil, err
	}
	return ValidateToken(secret, token)
}
