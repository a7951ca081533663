package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *AgeService {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	svc, err := NewAgeService(id)
	require.NoError(t, err)
	return svc
}

func TestRoundTrip(t *testing.T) {
	svc := newService(t)

	ct, err := svc.Encrypt("root@pam!engine=3f1c-secret")
	require.NoError(t, err)
	assert.NotContains(t, ct, "3f1c-secret")

	pt, err := svc.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "root@pam!engine=3f1c-secret", pt)
	assert.True(t, strings.HasPrefix(svc.Recipient(), "age1"))
}

func TestEmptyStaysEmpty(t *testing.T) {
	svc := newService(t)
	ct, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := svc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestWrongIdentityFails(t *testing.T) {
	a := newService(t)
	b := newService(t)

	ct, err := a.Encrypt("token")
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	assert.Error(t, err)

	_, err = a.Decrypt("not base64!")
	assert.Error(t, err)

	_, err = NewAgeService("garbage")
	assert.Error(t, err)
}
