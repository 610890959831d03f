// Package rpc implements C9: the binary remote-control protocol
// clients use to submit collections and observe/mutate the running
// queue (SPEC_FULL.md §6). Every message starts with a fixed header;
// requests carry a request-specific fixed tail and an optional
// trailing payload whose entries are padded to 4-byte boundaries.
package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
)

// signature is the magic constant every message in both directions
// begins with.
const signature uint32 = 0x484E5A31 // "HNZ1"

// passwordSize is the fixed, null-padded password field width.
const passwordSize = 32

// RequestType enumerates the fourteen request kinds in the protocol's
// fixed numeric order (SPEC_FULL.md §6).
type RequestType uint32

const (
	ReqDownload RequestType = iota + 1
	ReqPauseUnpause
	ReqList
	ReqSetDownloadRate
	ReqDumpDebug
	ReqEditQueue
	ReqLog
	ReqShutdown
	ReqVersion
	ReqPostQueue
	ReqWriteLog
	ReqScan
	ReqPauseUnpausePostProcessor
	ReqHistory
)

func (t RequestType) String() string {
	names := [...]string{
		"", "Download", "PauseUnpause", "List", "SetDownloadRate", "DumpDebug",
		"EditQueue", "Log", "Shutdown", "Version", "PostQueue", "WriteLog",
		"Scan", "PauseUnpausePostProcessor", "History",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// Header is the fixed preamble shared by every request and response.
type Header struct {
	Signature  uint32
	StructSize uint32
	Type       RequestType
	Password   [passwordSize]byte
}

func newHeader(typ RequestType, structSize int, password string) Header {
	var h Header
	h.Signature = signature
	h.StructSize = uint32(structSize)
	h.Type = typ
	copy(h.Password[:], password)
	return h
}

func (h Header) checkPassword(want string) bool {
	var wantBuf [passwordSize]byte
	copy(wantBuf[:], want)
	return h.Password == wantBuf
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return Header{}, err
	}
	return h, nil
}

func writeValue(w io.Writer, v interface{}) error {
	return binary.Write(w, binary.BigEndian, v)
}

// BoolResponse is the fixed shape every simple command response shares:
// header, a success flag, and a trailing null-terminated status string
// whose length is declared up front (SPEC_FULL.md §6).
type BoolResponse struct {
	Header             Header
	Success            uint32
	TrailingDataLength uint32
}

func writeBoolResponse(w io.Writer, success bool, text string) error {
	payload := append([]byte(text), 0)
	var successFlag uint32
	if success {
		successFlag = 1
	}
	resp := BoolResponse{
		Header:             newHeader(0, boolResponseStructSize, ""),
		Success:            successFlag,
		TrailingDataLength: uint32(len(payload)),
	}
	if err := writeValue(w, resp); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

var boolResponseStructSize = int(binary.Size(BoolResponse{}))

// headerSize is the width of Header alone, the declared struct size for
// every request type that carries no fixed tail of its own.
var headerSize = int(binary.Size(Header{}))

// fixedSize returns the total header-plus-tail width a request of a
// given shape declares in its StructSize field. tail may be nil for
// request types with no fixed tail beyond the header.
func fixedSize(tail interface{}) int {
	if tail == nil {
		return headerSize
	}
	n := binary.Size(tail)
	if n < 0 {
		return headerSize
	}
	return headerSize + n
}

// requestStructSizes maps each known request type to the StructSize its
// header must declare (SPEC_FULL.md §6: "The server rejects requests
// ... whose declared struct size does not match the known size for
// that type"). Both dispatch, which checks incoming requests, and
// Client, which builds outgoing ones, read from this table so the two
// sides can never drift apart.
var requestStructSizes = map[RequestType]int{
	ReqDownload:                  fixedSize(downloadRequestTail{}),
	ReqPauseUnpause:              fixedSize(pauseUnpauseRequestTail{}),
	ReqPauseUnpausePostProcessor: fixedSize(pauseUnpauseRequestTail{}),
	ReqSetDownloadRate:           fixedSize(setDownloadRateRequestTail{}),
	ReqEditQueue:                 fixedSize(editQueueRequestTail{}),
	ReqList:                      fixedSize(nil),
	ReqShutdown:                  fixedSize(nil),
	ReqVersion:                   fixedSize(nil),
	ReqPostQueue:                 fixedSize(nil),
	ReqHistory:                   fixedSize(nil),
	ReqLog:                       fixedSize(nil),
	ReqDumpDebug:                 fixedSize(nil),
	ReqWriteLog:                  fixedSize(nil),
	ReqScan:                      fixedSize(nil),
}

// alignTo4 returns n rounded up to the next multiple of 4, the entry
// alignment the protocol's trailing-payload entries require so ARM
// targets can read them without an unaligned access fault.
func alignTo4(n int) int {
	return (n + 3) &^ 3
}

// writeAlignedString writes s null-terminated and padded with zero
// bytes so the total bytes written is a 4-byte multiple (SPEC_FULL.md
// §6's entry-alignment rule; callers call this only at an already
// 4-byte-aligned offset, so each entry starts on a boundary too).
func writeAlignedString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
	pad := alignTo4(len(s)+1) - (len(s) + 1)
	for i := 0; i < pad; i++ {
		buf.WriteByte(0)
	}
}

// readCString returns the string held in a fixed-width field: the bytes
// of data before the first null byte, or all of data if it has none.
func readCString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}
