package statescan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractLinksAndFormsCapturesAnchorsAndForms(t *testing.T) {
	body := []byte(`<html><body>
		<a href="/one">One</a>
		<form action="/submit" method="post"></form>
		<a href="/two">Two</a>
	</body></html>`)

	sig := extractLinksAndForms(body)
	assert.Contains(t, sig, "a:/one;")
	assert.Contains(t, sig, "a:/two;")
	assert.Contains(t, sig, "form:/submit:post;")
}

func TestExtractLinksAndFormsIgnoresOtherTags(t *testing.T) {
	sig := extractLinksAndForms([]byte(`<div><span>no links here</span></div>`))
	assert.Equal(t, "", sig)
}

func TestExtractLinksAndFormsEmptyBody(t *testing.T) {
	assert.Equal(t, "", extractLinksAndForms(nil))
}

func TestExtractLinksAndFormsSameStructureSameSignature(t *testing.T) {
	a := extractLinksAndForms([]byte(`<a href="/x">x</a>`))
	b := extractLinksAndForms([]byte(`<a href="/x" class="styled">different text</a>`))
	assert.Equal(t, a, b)
}
