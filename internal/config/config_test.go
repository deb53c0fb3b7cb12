package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchkeeper/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("MY-AURORA")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "MY-AURORA", cfg.Vessel.ID)
	assert.Equal(t, 0.85, cfg.Assembly.DuplicateThreshold)
	assert.Equal(t, 5, cfg.Assembly.ClassifierTimeoutSeconds)
	bucket, ok := cfg.BucketFor("ENG-01")
	require.True(t, ok)
	assert.Equal(t, domain.BucketEngineering, bucket)
	bucket, ok = cfg.BucketFor("DECK-03")
	require.True(t, ok)
	assert.Equal(t, domain.BucketDeck, bucket)
	assert.True(t, cfg.IsOutgoingRole("captain"))
	assert.Contains(t, cfg.RolePermissions("chief_engineer"), PermDraftSign)
}

func TestFromYAMLKeepsDefaultsForOmittedSections(t *testing.T) {
	cfg, err := FromYAML([]byte(`
vessel: {id: "MY-B"}
taxonomy:
  domains:
    ENG-01: {name: "Main Propulsion", bucket: "Engineering"}
signatories:
  outgoing_roles: [captain]
  incoming_roles: [captain]
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Taxonomy.Domains, 1)
	assert.Equal(t, 30, cfg.Assembly.WindowDays)
	assert.Equal(t, 60, cfg.Export.IdempotencyBucketSeconds)
	assert.Empty(t, cfg.RBAC.Roles)
}

func TestValidateRejectsCommandBucketAndUnknownPermission(t *testing.T) {
	_, err := FromYAML([]byte(`
taxonomy:
  domains:
    CMD-09: {name: "Bridge summary", bucket: "Command"}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")

	_, err = FromYAML([]byte(`
taxonomy:
  domains:
    ENG-01: {name: "Main Propulsion", bucket: "Engineering"}
rbac:
  roles:
    crew: {permissions: [draft.delete]}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown permission")

	_, err = FromYAML([]byte(`
taxonomy:
  domains:
    ENG-01: {name: "Main Propulsion", bucket: "Galley"}
`))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "watchkeeper.yml"), []byte(GenerateDefault("MY-C")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "MY-C", cfg.Vessel.ID)
	assert.Len(t, cfg.DomainCodes(), 25)
}
