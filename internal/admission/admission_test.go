package admission

import (
	"context"
	"testing"

	"github.com/cdcfanout/cdcgate/internal/authcache"
	"github.com/cdcfanout/cdcgate/internal/catalog"
	"github.com/cdcfanout/cdcgate/internal/dispatch"
	"github.com/cdcfanout/cdcgate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryAcceptsKnownTableAndStarKinds(t *testing.T) {
	cat := catalog.NewSeeded("accounts")
	parsed, err := ParseQuery("*:accounts", cat)
	require.NoError(t, err)
	assert.Equal(t, dispatch.AllKinds, parsed.Mask)
	assert.Equal(t, "accounts", parsed.Table)
	assert.Nil(t, parsed.Filter)
}

func TestParseQueryRejectsUnknownTable(t *testing.T) {
	cat := catalog.New()
	_, err := ParseQuery("insert:accounts", cat)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseQueryRejectsZeroMask(t *testing.T) {
	cat := catalog.New()
	_, err := ParseQuery("bogus:accounts", cat)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseKindsStarExpandsToAll(t *testing.T) {
	assert.Equal(t, dispatch.AllKinds, parseKinds("*"))
}

func TestParseKindsIgnoresUnknownTokens(t *testing.T) {
	assert.Equal(t, dispatch.Insert|dispatch.Update, parseKinds("insert,bogus,update"))
}

func TestParseFilterEQAndIN(t *testing.T) {
	f := parseFilter("status.eq.PAID")
	require.NotNil(t, f)
	assert.Equal(t, "status", f.Column)

	f = parseFilter("category.in.A,B,C")
	require.NotNil(t, f)
	assert.Equal(t, []string{"A", "B", "C"}, f.Literals)
}

func TestParseFilterUnknownOpYieldsNoFilterNotError(t *testing.T) {
	assert.Nil(t, parseFilter("col.pl.val"))
}

type alwaysAuthorize struct{}

func (alwaysAuthorize) Authorize(ctx context.Context, column, value string) (bool, error) {
	return true, nil
}

func TestAdmitInsertsIntoRegistryOnSuccess(t *testing.T) {
	reg := registry.New()
	a := New(Options{
		Catalog:        mustCatalogWithAccounts(t),
		Registry:       reg,
		AuthCache:      authcache.New(),
		Authorizer:     alwaysAuthorize{},
		AuthEnabled:    false,
		OutboxCapacity: 4,
	})

	sess, err := a.Admit(context.Background(), "insert:accounts", false)
	require.NoError(t, err)
	assert.Equal(t, "accounts", sess.Table)
	assert.Equal(t, 1, reg.Len())
}

func TestAdmitAuthRequiresFilterForNonAdmin(t *testing.T) {
	reg := registry.New()
	a := New(Options{
		Catalog:     mustCatalogWithAccounts(t),
		Registry:    reg,
		AuthCache:   authcache.New(),
		Authorizer:  alwaysAuthorize{},
		AuthEnabled: true,
	})

	_, err := a.Admit(context.Background(), "insert:accounts", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAdmitAuthAdminBypassesFilterMandate(t *testing.T) {
	reg := registry.New()
	a := New(Options{
		Catalog:     mustCatalogWithAccounts(t),
		Registry:    reg,
		AuthCache:   authcache.New(),
		Authorizer:  alwaysAuthorize{},
		AuthEnabled: true,
	})

	sess, err := a.Admit(context.Background(), "insert:accounts", true)
	require.NoError(t, err)
	assert.Equal(t, "accounts", sess.Table)
}

func TestAdmitAuthChecksPermittedColumn(t *testing.T) {
	reg := registry.New()
	a := New(Options{
		Catalog:     mustCatalogWithAccounts(t),
		Registry:    reg,
		AuthCache:   authcache.New(),
		Authorizer:  alwaysAuthorize{},
		AuthEnabled: true,
	})

	_, err := a.Admit(context.Background(), "insert:accounts:name.eq.ada", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	sess, err := a.Admit(context.Background(), "insert:accounts:host_uuid.eq.abc", false)
	require.NoError(t, err)
	assert.Equal(t, "accounts", sess.Table)
}

func mustCatalogWithAccounts(t *testing.T) *catalog.Catalog {
	t.Helper()
	return catalog.NewSeeded("accounts")
}
