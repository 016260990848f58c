package assemble

import (
	"fmt"
	"strings"

	"storysync/internal/sync/domain"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

const stylesheet = `body {
  font-family: serif;
  line-height: 1.4;
  margin: 5%;
  text-align: justify;
}
h2 {
  text-align: center;
}
hr.chapter-rule {
  width: 80%;
  margin: 0 10%;
}
`

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func contentOPF(doc *domain.Document) string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" unique-identifier="BookId" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
`)
	fmt.Fprintf(&b, "    <dc:identifier id=\"BookId\" opf:scheme=\"URI\">urn:storysync:%s</dc:identifier>\n", doc.StoryID)
	fmt.Fprintf(&b, "    <dc:title>%s</dc:title>\n", xmlEscaper.Replace(doc.Title))
	fmt.Fprintf(&b, "    <dc:creator opf:role=\"aut\">%s</dc:creator>\n", xmlEscaper.Replace(doc.Author))
	b.WriteString("    <dc:language>en</dc:language>\n")
	fmt.Fprintf(&b, "    <meta name=\"chapter-count\" content=\"%d\"/>\n", len(doc.Chapters))
	if len(doc.MissingIdx) > 0 {
		fmt.Fprintf(&b, "    <meta name=\"missing-chapters\" content=\"%s\"/>\n", joinInts(doc.MissingIdx))
	}
	b.WriteString("  </metadata>\n  <manifest>\n")
	b.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	b.WriteString("    <item id=\"css\" href=\"styles.css\" media-type=\"text/css\"/>\n")
	for _, ch := range doc.Chapters {
		fmt.Fprintf(&b, "    <item id=\"chapter_%d\" href=\"chapter_%d.xhtml\" media-type=\"application/xhtml+xml\"/>\n",
			ch.Index, ch.Index)
	}
	b.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	for _, ch := range doc.Chapters {
		fmt.Fprintf(&b, "    <itemref idref=\"chapter_%d\"/>\n", ch.Index)
	}
	b.WriteString("  </spine>\n</package>\n")

	return b.String()
}

func tocNCX(doc *domain.Document) string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
`)
	fmt.Fprintf(&b, "    <meta name=\"dtb:uid\" content=\"urn:storysync:%s\"/>\n", doc.StoryID)
	b.WriteString("    <meta name=\"dtb:depth\" content=\"1\"/>\n  </head>\n")
	fmt.Fprintf(&b, "  <docTitle><text>%s</text></docTitle>\n  <navMap>\n", xmlEscaper.Replace(doc.Title))
	for i, ch := range doc.Chapters {
		fmt.Fprintf(&b, `    <navPoint id="nav_%d" playOrder="%d">
      <navLabel><text>%s</text></navLabel>
      <content src="chapter_%d.xhtml"/>
    </navPoint>
`, ch.Index, i+1, xmlEscaper.Replace(ch.Title), ch.Index)
	}
	b.WriteString("  </navMap>\n</ncx>\n")

	return b.String()
}

// chapterXHTML wraps normalized chapter markup in a content document. The
// chapter heading is only inserted for multi-chapter documents, matching how
// single-chapter stories read on the device.
func chapterXHTML(ch domain.Chapter, withHeading bool) string {
	heading := ""
	if withHeading {
		heading = fmt.Sprintf("<h2>%s</h2>\n<hr class=\"chapter-rule\"/>\n", xmlEscaper.Replace(ch.Title))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
  <title>%s</title>
  <link rel="stylesheet" type="text/css" href="styles.css"/>
</head>
<body>
%s%s
</body>
</html>
`, xmlEscaper.Replace(ch.Title), heading, ch.Body)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}
