// Package js holds the scripts evaluated in pages by the driver.
package js

import (
	_ "embed"
)

// SubmitFormScript embeds a function that builds a hidden
// form posting fields to url, appends it to the document
// and submits it. It's called with (url, fields).
//
//go:embed submit_form.js
var SubmitFormScript string
