package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHTML(t *testing.T) {
	in := `<p>Antigua <b>iglesia</b> del s. XVII</p><script>var x=1</script>`
	assert.Equal(t, "Antigua iglesia del s. XVII", StripHTML(in))
	assert.Equal(t, "texto plano", StripHTML("  texto plano "))
}

func TestFoldAndNormalize(t *testing.T) {
	assert.Equal(t, "basilica de sacristia", Fold("Basílica de Sacristía"))
	assert.Equal(t, "c san jose 12 sevilla", Normalize("C/ San José, 12 - Sevilla"))
}

func TestTokensDropsStopwords(t *testing.T) {
	assert.Equal(t, []string{"ermita", "san", "roque"}, Tokens("Venta de la Ermita de San Roque"))
}

func TestContainsPhrase(t *testing.T) {
	assert.True(t, ContainsPhrase("Se vende ANTIGUA IGLESIA rehabilitada", "antigua iglesia"))
	assert.False(t, ContainsPhrase("torreón", "torre"))
	assert.True(t, ContainsPhrase("Torre campanario", "torre"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 100.0, Similarity("Ermita de San Roque", "Venta ermita San Roque en Carmona"))
	assert.Greater(t, Similarity("Convento Santa Clara", "Convento de Sta Clara"), 50.0)
	assert.Less(t, Similarity("Catedral", "Piso luminoso con terraza"), 40.0)
	assert.Equal(t, 0.0, Similarity("", "algo"))
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 50.0, Jaccard([]string{"a", "b"}, []string{"b", "c", "a", "d"}), 0.01)
	assert.Equal(t, 0.0, Jaccard(nil, []string{"a"}))
}

func TestSimilarity_IgnoresUnrelatedNoise(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("Iglesia de San Luis", "Edificio singular en el centro"))
	assert.InDelta(t, 50.0, Similarity("Bar Paula", "Convento de Santa Paula"), 0.01)
	assert.Greater(t, Similarity("Monasterio de Santa Maria", "Monasterio Sta. María de Rueda"), 60.0)
}
