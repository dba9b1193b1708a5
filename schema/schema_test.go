package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/strata/errors"
)

func TestValidate(t *testing.T) {
	reg := NewRegistry()
	person, ok := reg.Get("person")
	require.True(t, ok)

	t.Run("accepts matching types", func(t *testing.T) {
		v, err := Validate(person, "name", "Ada Lovelace")
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", v)
	})

	t.Run("normalizes numbers to float64", func(t *testing.T) {
		tx, _ := reg.Get("transaction")
		v, err := Validate(tx, "amount", 42)
		require.NoError(t, err)
		assert.Equal(t, float64(42), v)
	})

	t.Run("normalizes dates to RFC 3339", func(t *testing.T) {
		v, err := Validate(person, "birth_date", "1815-12-10")
		require.NoError(t, err)
		assert.Equal(t, "1815-12-10T00:00:00Z", v)
	})

	t.Run("rejects wrong types with a validation error", func(t *testing.T) {
		_, err := Validate(person, "name", 123)
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
		assert.Contains(t, err.Error(), "name")
	})

	t.Run("rejects fields not in the schema", func(t *testing.T) {
		_, err := Validate(person, "favorite_color", "blue")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("rejects null values", func(t *testing.T) {
		_, err := Validate(person, "name", nil)
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("booleans arrays and objects", func(t *testing.T) {
		tx, _ := reg.Get("transaction")
		v, err := Validate(tx, "settled", true)
		require.NoError(t, err)
		assert.Equal(t, true, v)

		v, err = Validate(person, "addresses", []any{"1 Main St"})
		require.NoError(t, err)
		assert.Equal(t, []any{"1 Main St"}, v)

		company, _ := reg.Get("company")
		v, err = Validate(company, "headquarters", map[string]any{"city": "London"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"city": "London"}, v)
	})
}

func TestRegistryFallback(t *testing.T) {
	reg := NewRegistry()

	def, known := reg.Get("spaceship")
	require.NotNil(t, def)
	assert.False(t, known)
	assert.Equal(t, GenericType, def.Type)

	def, known = reg.Get("company")
	assert.True(t, known)
	assert.Equal(t, "company", def.Type)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "acme inc", NormalizeName("  Acme, Inc.  "))
	assert.Equal(t, "acme inc", NormalizeName("ACME   INC"))
	assert.Equal(t, "", NormalizeName("!!!"))
}

func TestTransactionMatchKey(t *testing.T) {
	key := transactionMatchKey(map[string]any{
		"date":        "2026-01-15T00:00:00Z",
		"amount":      12.5,
		"description": "Coffee Shop",
	})
	assert.Equal(t, "2026-01-15T00:00:00Z|12.50|coffee shop", key)

	// Missing components make heuristic matching unsafe
	assert.Equal(t, "", transactionMatchKey(map[string]any{"amount": 12.5}))
}

func TestCanonicalName(t *testing.T) {
	reg := NewRegistry()
	person, _ := reg.Get("person")

	assert.Equal(t, "Ada", CanonicalName(person, map[string]any{"name": "Ada"}))
	assert.Equal(t, "a@b.c", CanonicalName(person, map[string]any{"email": "a@b.c"}))
	assert.Equal(t, "unnamed person", CanonicalName(person, map[string]any{}))
}
