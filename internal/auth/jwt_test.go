package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	j := NewJWT("0123456789abcdef", time.Hour)
	tok, err := j.Sign("clinic-crm")
	require.NoError(t, err)

	sub, err := j.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "clinic-crm", sub)

	_, err = NewJWT("another-secret-value", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_Expired(t *testing.T) {
	j := NewJWT("0123456789abcdef", time.Minute)
	j.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := j.Sign("ops")
	require.NoError(t, err)

	j.now = time.Now
	_, err = j.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	j := NewJWT("0123456789abcdef", time.Hour)
	h := RequireAuth(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubjectFromContext(r.Context())
		assert.True(t, ok)
		_, _ = w.Write([]byte(sub))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := j.Sign("ops")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())
}
