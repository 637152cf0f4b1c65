package convert

import "regexp"

// Converted text PDFs and HTML carry image references pointing at files the
// conversion service never returns; they would render as broken links in
// the KB, so both patterns are removed before the artifact is written.
var (
	inlineImageRE = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	imgTagRE      = regexp.MustCompile(`(?is)<img\b[^>]*/?>`)
	blankRunRE    = regexp.MustCompile(`\n{3,}`)
)

// StripImageRefs removes Markdown inline images and HTML img tags,
// collapsing the blank runs the removal leaves behind.
func StripImageRefs(md string) string {
	md = inlineImageRE.ReplaceAllString(md, "")
	md = imgTagRE.ReplaceAllString(md, "")
	return blankRunRE.ReplaceAllString(md, "\n\n")
}
