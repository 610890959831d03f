package main

import (
	"io"

	"github.com/NebulousLabs/errors"
	"github.com/hexfeed/hexfeedd/modules/par"
	"github.com/hexfeed/hexfeedd/modules/queue"
)

// errCollaboratorUnconfigured is returned by every stub collaborator
// below. Each corresponds to one of spec.md §1's deliberately
// out-of-scope concerns (wire-level article transport, yEnc/UU
// decoding, archive extraction); a real deployment supplies its own
// implementation of the matching interface at the same construction
// sites used here.
var errCollaboratorUnconfigured = errors.New("no implementation configured for this external collaborator")

// unimplementedDialer satisfies serverpool.Dialer.
type unimplementedDialer struct{}

func (unimplementedDialer) Dial(host string, port int) (io.ReadWriteCloser, error) {
	return nil, errCollaboratorUnconfigured
}

func (unimplementedDialer) Authenticate(conn io.ReadWriteCloser, username, password string) error {
	return errCollaboratorUnconfigured
}

// unimplementedFetcher satisfies worker.Fetcher.
type unimplementedFetcher struct{}

func (unimplementedFetcher) Fetch(conn io.ReadWriter, messageID string, w io.Writer) (string, error) {
	return "", errCollaboratorUnconfigured
}

// unimplementedExtractor satisfies postprocess.Extractor.
type unimplementedExtractor struct{}

func (unimplementedExtractor) Extract(archivePath, destDir string, onLine func(string)) (int, error) {
	return -1, errCollaboratorUnconfigured
}

// unimplementedSourceLoader satisfies postprocess.SourceLoader.
type unimplementedSourceLoader struct{}

func (unimplementedSourceLoader) LoadSources(c *queue.Collection) ([]par.SourceFile, par.ParitySet, error) {
	return nil, par.ParitySet{}, errCollaboratorUnconfigured
}
