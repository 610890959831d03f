// Package nzb parses the XML collection descriptor the RPC server's
// Download request and the CLI's append command both accept, and turns
// it into a queue.Collection ready for Queue.AddCollection. NZB
// manifest parsing sits inside the core (only the wire-level article
// transport and yEnc/UU decoding are excluded per spec.md §1), so this
// package owns it with the standard library's encoding/xml — no corpus
// repo ships an NZB-specific parser to ground this on instead.
package nzb

import (
	"encoding/xml"
	"regexp"
	"strings"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

type document struct {
	XMLName xml.Name `xml:"nzb"`
	Head    struct {
		Meta []struct {
			Type  string `xml:"type,attr"`
			Value string `xml:",chardata"`
		} `xml:"meta"`
	} `xml:"head"`
	Files []file `xml:"file"`
}

type file struct {
	Subject  string `xml:"subject,attr"`
	Segments []struct {
		Bytes  uint64 `xml:"bytes,attr"`
		Number int    `xml:"number,attr"`
		ID     string `xml:",chardata"`
	} `xml:"segments>segment"`
}

// filenameInSubject pulls the quoted filename convention used by every
// posting tool: `... "filename.ext" yEnc (1/20)`.
var filenameInSubject = regexp.MustCompile(`"([^"]+)"`)

var parExtension = regexp.MustCompile(`(?i)\.par2$`)

// Submitter builds queue collections from parsed NZB documents and
// inserts them, satisfying rpc.CollectionSubmitter.
type Submitter struct {
	q      *queue.Queue
	editor *queue.Editor
}

// New returns a Submitter backed by q.
func New(q *queue.Queue, editor *queue.Editor) *Submitter {
	return &Submitter{q: q, editor: editor}
}

// SubmitNZB parses data as an NZB document and adds one collection
// named after filename (without its ".nzb" suffix) to the queue. The
// document's category meta tag sets the collection's category only
// when category is empty. When addFirst is set, every file of the new collection
// is moved to the top of the queue immediately after insertion.
func (s *Submitter) SubmitNZB(filename, category string, data []byte, addFirst bool) error {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return errors.AddContext(err, "parsing nzb document")
	}
	if len(doc.Files) == 0 {
		return errors.New("nzb document has no files")
	}

	c := &queue.Collection{
		Name:           strings.TrimSuffix(filename, ".nzb"),
		QueuedFilename: filename,
		Category:       category,
	}
	for _, m := range doc.Head.Meta {
		if m.Type == "category" && category == "" {
			c.Category = m.Value
		}
	}

	files := make([]*queue.File, 0, len(doc.Files))
	for _, xf := range doc.Files {
		qf := &queue.File{
			Subject:       xf.Subject,
			Filename:      subjectFilename(xf.Subject),
			ServerSuccess: make(map[int]int),
			ServerFailure: make(map[int]int),
		}
		qf.IsPar = parExtension.MatchString(qf.Filename)

		articles := make([]*queue.Article, 0, len(xf.Segments))
		for _, seg := range xf.Segments {
			articles = append(articles, &queue.Article{
				MessageID:  seg.ID,
				PartNumber: seg.Number,
				Size:       seg.Bytes,
				Status:     modules.ArticlePending,
			})
			qf.TotalSize += seg.Bytes
		}
		qf.Articles = articles
		qf.RemainingSize = qf.TotalSize
		c.TotalSize += qf.TotalSize
		files = append(files, qf)
	}
	c.FileCount = len(files)

	s.q.Lock()
	s.q.AddCollection(c, files)
	if addFirst {
		ids := make([]uint64, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		s.editor.MoveTop(ids, false)
	}
	s.q.Unlock()
	return nil
}

func subjectFilename(subject string) string {
	m := filenameInSubject.FindStringSubmatch(subject)
	if m == nil {
		return subject
	}
	return m[1]
}
