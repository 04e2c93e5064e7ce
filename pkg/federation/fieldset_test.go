package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldSet(t *testing.T) {
	t.Run("should parse flat field set", func(t *testing.T) {
		fieldSet, err := ParseFieldSet("id")
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, fieldSet.Names())
		assert.Equal(t, "id", fieldSet.String())
	})

	t.Run("should parse nested field set", func(t *testing.T) {
		fieldSet, err := ParseFieldSet("upc organization { id name }")
		require.NoError(t, err)
		assert.Equal(t, []string{"upc", "organization"}, fieldSet.Names())
		assert.True(t, fieldSet.Contains("organization"))
		assert.Equal(t, []string{"id", "name"}, fieldSet.Child("organization").Names())
		assert.Equal(t, "upc organization { id name }", fieldSet.String())
	})

	t.Run("should reject empty field set", func(t *testing.T) {
		_, err := ParseFieldSet("  ")
		assert.ErrorIs(t, err, ErrEmptyFieldSet)
	})

	t.Run("should reject arguments", func(t *testing.T) {
		_, err := ParseFieldSet("id(format: 1)")
		assert.Error(t, err)
	})

	t.Run("should reject syntax errors", func(t *testing.T) {
		_, err := ParseFieldSet("id {")
		assert.Error(t, err)
	})
}
