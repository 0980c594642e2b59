// Package approval issues and verifies the HMAC-signed tokens that
// gate plan execution. Tokens are stateless capabilities: the signature
// covers the token, plan id, and validity window, and the plan row
// binds the one token that may execute it.
package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// DefaultLifetime is how long an issued token stays valid
const DefaultLifetime = 10 * time.Minute

// Gateway signs and verifies approval tokens
type Gateway struct {
	secret   []byte
	lifetime time.Duration
	store    storage.Store
	audit    *audit.Log
	logger   zerolog.Logger
}

// NewGateway creates an approval gateway. The secret comes from the
// environment at startup and is never logged or serialized.
func NewGateway(secret []byte, lifetime time.Duration, store storage.Store, auditLog *audit.Log) (*Gateway, error) {
	if len(secret) < 32 {
		return nil, errdefs.New(errdefs.CodeVaultLocked, "approval secret must be at least 32 bytes, got %d", len(secret))
	}
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	return &Gateway{
		secret:   secret,
		lifetime: lifetime,
		store:    store,
		audit:    auditLog,
		logger:   log.WithComponent("approval"),
	}, nil
}

// Issue mints a token for a pending plan and transitions it to
// approved. The approver must not be the plan's author.
func (g *Gateway) Issue(planID, approver string) (*types.ApprovalToken, error) {
	plan, err := g.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.PlanStatusPendingApproval {
		if plan.Status == types.PlanStatusExpired {
			return nil, errdefs.New(errdefs.CodePlanExpired, "plan %s has expired", planID)
		}
		return nil, errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is %s, not pending approval", planID, plan.Status)
	}
	if time.Now().After(plan.ExpiresAt) {
		plan.Status = types.PlanStatusExpired
		_ = g.store.UpdatePlan(plan)
		return nil, errdefs.New(errdefs.CodePlanExpired, "plan %s has expired", planID)
	}
	if approver == "" || approver == plan.CreatedBy {
		g.denied(plan, approver, "self-approval")
		return nil, errdefs.New(errdefs.CodeSelfApprovalForbidden, "plans must be approved by someone other than their author")
	}

	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInternalError, err, "failed to generate token")
	}

	now := time.Now().UTC().Truncate(time.Second)
	token := &types.ApprovalToken{
		Token:     fmt.Sprintf("%s-%s", toolFamily(plan.ToolName), hex.EncodeToString(raw)),
		PlanID:    plan.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.lifetime),
	}
	token.Signature = g.sign(token)

	plan.Status = types.PlanStatusApproved
	plan.ApprovedBy = approver
	plan.ApprovedTokenID = token.Token
	if err := g.store.UpdatePlan(plan); err != nil {
		return nil, err
	}

	g.audit.Record(&types.AuditEvent{
		Action:   types.AuditActionApprove,
		UserID:   approver,
		PlanID:   plan.ID,
		Result:   types.AuditResultSuccess,
		Metadata: map[string]string{"token_family": toolFamily(plan.ToolName)},
	})

	g.logger.Info().
		Str("plan_id", plan.ID).
		Str("approver", approver).
		Time("expires_at", token.ExpiresAt).
		Msg("Approval token issued")

	return token, nil
}

// Verify checks a presented token. It is the gate in front of the
// apply path: signature, validity window, and the plan's one-token
// binding all have to hold.
func (g *Gateway) Verify(token *types.ApprovalToken) error {
	expected := g.sign(token)
	if !hmac.Equal([]byte(expected), []byte(token.Signature)) {
		return errdefs.New(errdefs.CodeApprovalTokenInvalid, "approval token signature mismatch")
	}
	if time.Now().After(token.ExpiresAt) {
		return errdefs.New(errdefs.CodeApprovalTokenExpired, "approval token expired at %s", token.ExpiresAt.Format(time.RFC3339))
	}

	plan, err := g.store.GetPlan(token.PlanID)
	if err != nil {
		return err
	}
	if plan.Status != types.PlanStatusApproved {
		return errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is %s, not approved", plan.ID, plan.Status)
	}
	if plan.ApprovedTokenID != token.Token {
		return errdefs.New(errdefs.CodeApprovalTokenInvalid, "token does not match the plan's approval")
	}
	return nil
}

// sign computes the HMAC over the canonical payload
// token|planId|issuedAt|expiresAt
func (g *Gateway) sign(token *types.ApprovalToken) string {
	payload := fmt.Sprintf("%s|%s|%d|%d",
		token.Token, token.PlanID, token.IssuedAt.Unix(), token.ExpiresAt.Unix())
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) denied(plan *types.Plan, approver, reason string) {
	g.audit.Record(&types.AuditEvent{
		Action:       types.AuditActionApprove,
		UserID:       approver,
		PlanID:       plan.ID,
		Result:       types.AuditResultDenied,
		ErrorMessage: reason,
	})
}

// toolFamily derives the token prefix from the tool name, e.g.
// dns_update -> dns
func toolFamily(toolName string) string {
	if i := strings.IndexByte(toolName, '_'); i > 0 {
		return toolName[:i]
	}
	if toolName == "" {
		return "plan"
	}
	return toolName
}
