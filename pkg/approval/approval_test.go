package approval

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newTestGateway(t *testing.T, lifetime time.Duration) (*Gateway, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gateway, err := NewGateway(testSecret(), lifetime, store, audit.NewLog(store))
	require.NoError(t, err)
	return gateway, store
}

func pendingPlan(t *testing.T, store storage.Store) *types.Plan {
	t.Helper()
	plan := &types.Plan{
		ID:        "plan-1",
		CreatedAt: time.Now(),
		CreatedBy: "alice",
		ToolName:  "dns_update",
		Status:    types.PlanStatusPendingApproval,
		RiskLevel: types.RiskMedium,
		Targets:   []types.PlanTarget{{DeviceID: "d1"}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreatePlan(plan))
	return plan
}

func TestIssueAndVerify(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)

	token, err := gateway.Issue(plan.ID, "bob")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token.Token, "dns-"), "token %q should carry the tool family prefix", token.Token)
	assert.NotEmpty(t, token.Signature)
	assert.WithinDuration(t, token.IssuedAt.Add(DefaultLifetime), token.ExpiresAt, time.Second)

	// Plan moved to approved and bound to this token
	got, err := store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusApproved, got.Status)
	assert.Equal(t, "bob", got.ApprovedBy)
	assert.Equal(t, token.Token, got.ApprovedTokenID)

	assert.NoError(t, gateway.Verify(token))
}

func TestSelfApprovalForbidden(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)

	_, err := gateway.Issue(plan.ID, "alice")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeSelfApprovalForbidden))

	// Plan stays pending after a denied approval
	got, err := store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusPendingApproval, got.Status)
}

func TestIssueRejectsNonPendingPlan(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)
	plan.Status = types.PlanStatusCompleted
	require.NoError(t, store.UpdatePlan(plan))

	_, err := gateway.Issue(plan.ID, "bob")
	assert.True(t, errdefs.IsCode(err, errdefs.CodePlanAlreadyApplied))
}

func TestIssueExpiresOverduePlan(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)
	plan.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.UpdatePlan(plan))

	_, err := gateway.Issue(plan.ID, "bob")
	assert.True(t, errdefs.IsCode(err, errdefs.CodePlanExpired))

	got, err := store.GetPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusExpired, got.Status)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)

	token, err := gateway.Issue(plan.ID, "bob")
	require.NoError(t, err)

	tampered := *token
	tampered.PlanID = "plan-2"
	err = gateway.Verify(&tampered)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeApprovalTokenInvalid))

	forged := *token
	forged.Signature = strings.Repeat("0", len(token.Signature))
	err = gateway.Verify(&forged)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeApprovalTokenInvalid))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	gateway, store := newTestGateway(t, -time.Minute)
	plan := pendingPlan(t, store)

	token, err := gateway.Issue(plan.ID, "bob")
	require.NoError(t, err)

	err = gateway.Verify(token)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeApprovalTokenExpired))
}

func TestVerifyOneShotBinding(t *testing.T) {
	gateway, store := newTestGateway(t, 0)
	plan := pendingPlan(t, store)

	token, err := gateway.Issue(plan.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, gateway.Verify(token))

	// Once the executor has picked the plan up, the token is spent
	got, err := store.GetPlan(plan.ID)
	require.NoError(t, err)
	got.Status = types.PlanStatusExecuting
	require.NoError(t, store.UpdatePlan(got))

	err = gateway.Verify(token)
	assert.True(t, errdefs.IsCode(err, errdefs.CodePlanAlreadyApplied))
}

func TestNewGatewayRejectsShortSecret(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewGateway([]byte("short"), 0, store, audit.NewLog(store))
	assert.Error(t, err)
}
