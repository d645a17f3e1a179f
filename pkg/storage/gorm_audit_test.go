package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-reliability/pkg/core"
)

func auditEntry(scopeID, prev, hash string) *core.AuditLogEntry {
	return &core.AuditLogEntry{
		ScopeType:     "license",
		ScopeID:       scopeID,
		EventType:     "license.activated",
		Payload:       `{"seats":5}`,
		PrevChainHash: prev,
		ChainHash:     hash,
	}
}

func TestAuditEntries_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	genesis := strings.Repeat("0", 64)

	tail, err := s.LastAuditEntry(ctx, "license", "7")
	require.NoError(t, err)
	assert.Nil(t, tail)

	require.NoError(t, s.InsertAuditEntry(ctx, auditEntry("7", genesis, "h1")))
	require.NoError(t, s.InsertAuditEntry(ctx, auditEntry("7", "h1", "h2")))
	require.NoError(t, s.InsertAuditEntry(ctx, auditEntry("8", genesis, "x1")))

	tail, err = s.LastAuditEntry(ctx, "license", "7")
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, "h2", tail.ChainHash)

	entries, err := s.AuditEntries(ctx, "license", "7", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h1", entries[0].ChainHash)
	assert.Less(t, entries[0].ID, entries[1].ID)

	rest, err := s.AuditEntries(ctx, "license", "7", entries[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "h2", rest[0].ChainHash)
}

func TestInsertAuditEntry_ForkIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	genesis := strings.Repeat("0", 64)

	require.NoError(t, s.InsertAuditEntry(ctx, auditEntry("7", genesis, "h1")))
	err := s.InsertAuditEntry(ctx, auditEntry("7", genesis, "h1-fork"))
	assert.ErrorIs(t, err, core.ErrDuplicate)
}

func TestInsertAuditEntry_PayloadBytesAreVerbatim(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	// jsonb would rewrite both the exponent and the key order.
	payload := `{"z":1e+21,"a":0.10}`
	entry := auditEntry("7", strings.Repeat("0", 64), strings.Repeat("c", 64))
	entry.Payload = payload
	require.NoError(t, s.InsertAuditEntry(ctx, entry))

	got, err := s.LastAuditEntry(ctx, "license", "7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payload, got.Payload)
}
