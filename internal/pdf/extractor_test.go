package pdfutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPDF(t *testing.T) {
	assert.True(t, IsPDF([]byte("%PDF-1.7\n...")))
	assert.False(t, IsPDF([]byte("<html>")))
}

func TestExtractTextRejectsGarbage(t *testing.T) {
	_, err := ExtractText([]byte("not a pdf"))
	assert.Error(t, err)
}
