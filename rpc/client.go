package rpc

import (
	"bytes"
	"io"
	"net"
	"time"
)

// Client is a thin synchronous client for the binary RPC protocol,
// used by cmd/hexfeedd's non-server subcommands the same way siac's
// apiGet/apiPost helpers talk to a running siad (SPEC_FULL.md §6's
// CLI surface).
type Client struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// NewClient returns a Client that dials addr for every call.
func NewClient(addr, password string) *Client {
	return &Client{Addr: addr, Password: password, Timeout: 10 * time.Second}
}

func (c *Client) dial() (net.Conn, error) {
	return net.DialTimeout("tcp", c.Addr, c.Timeout)
}

// boolCall sends a header, a request-specific tail, and an optional
// trailing payload, then reads back a bool response.
func (c *Client) boolCall(reqType RequestType, structSize int, tail interface{}, payload []byte) (bool, string, error) {
	conn, err := c.dial()
	if err != nil {
		return false, "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	var buf bytes.Buffer
	writeValue(&buf, newHeader(reqType, structSize, c.Password))
	if tail != nil {
		writeValue(&buf, tail)
	}
	buf.Write(payload)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return false, "", err
	}

	if _, err := readHeader(conn); err != nil {
		return false, "", err
	}
	var success, trailingLen uint32
	if err := readValue(conn, &success); err != nil {
		return false, "", err
	}
	if err := readValue(conn, &trailingLen); err != nil {
		return false, "", err
	}
	text := make([]byte, trailingLen)
	if _, err := io.ReadFull(conn, text); err != nil {
		return false, "", err
	}
	return success != 0, readCString(text), nil
}

// Download submits an NZB document to the running daemon.
func (c *Client) Download(filename, category string, data []byte, addFirst bool) (bool, string, error) {
	var tail downloadRequestTail
	copy(tail.Filename[:], filename)
	copy(tail.Category[:], category)
	tail.TrailingDataLength = uint32(len(data))
	if addFirst {
		tail.AddFirst = 1
	}
	return c.boolCall(ReqDownload, requestStructSizes[ReqDownload], tail, data)
}

// PauseUnpause flips the coordinator's global pause state.
func (c *Client) PauseUnpause(pause bool) (bool, string, error) {
	var tail pauseUnpauseRequestTail
	if pause {
		tail.Pause = 1
	}
	return c.boolCall(ReqPauseUnpause, requestStructSizes[ReqPauseUnpause], tail, nil)
}

// PausePostProcessor sends the pause-post-processor request. The server
// acknowledges it without changing any post-processing state.
func (c *Client) PausePostProcessor(pause bool) (bool, string, error) {
	var tail pauseUnpauseRequestTail
	if pause {
		tail.Pause = 1
	}
	return c.boolCall(ReqPauseUnpausePostProcessor, requestStructSizes[ReqPauseUnpausePostProcessor], tail, nil)
}

// SetDownloadRate sets the global download-rate cap in bytes/sec.
func (c *Client) SetDownloadRate(bps uint32) (bool, string, error) {
	return c.boolCall(ReqSetDownloadRate, requestStructSizes[ReqSetDownloadRate], setDownloadRateRequestTail{DownloadRateBPS: bps}, nil)
}

// Shutdown asks the running daemon to terminate.
func (c *Client) Shutdown() (bool, string, error) {
	return c.boolCall(ReqShutdown, requestStructSizes[ReqShutdown], nil, nil)
}

// Version returns the daemon's version string.
func (c *Client) Version() (string, error) {
	_, text, err := c.boolCall(ReqVersion, requestStructSizes[ReqVersion], nil, nil)
	return text, err
}

// RequestLog acknowledges a log/debug/write-log/scan request; these
// diagnostics surfaces are not otherwise modeled (SPEC_FULL.md §6).
func (c *Client) RequestLog() (bool, string, error) {
	return c.boolCall(ReqLog, requestStructSizes[ReqLog], nil, nil)
}

// editQueue sends one EditQueue request over ids, with an offset/
// priority value used only by the offset-move and set-priority
// actions.
func (c *Client) editQueue(action uint32, ids []uint64, offset int32) (bool, string, error) {
	payload := make([]byte, len(ids)*4)
	for i, id := range ids {
		writeUint32BE(payload[i*4:], uint32(id))
	}
	tail := editQueueRequestTail{
		Action:             action,
		Offset:             offset,
		TrailingDataLength: uint32(len(payload)),
		NrEntries:          uint32(len(ids)),
	}
	return c.boolCall(ReqEditQueue, requestStructSizes[ReqEditQueue], tail, payload)
}

// MoveOffset shifts the selected files by n queue positions.
func (c *Client) MoveOffset(ids []uint64, n int) (bool, string, error) {
	return c.editQueue(editActionMoveOffset, ids, int32(n))
}

// MoveTop moves the selected files to the front of the queue.
func (c *Client) MoveTop(ids []uint64) (bool, string, error) {
	return c.editQueue(editActionMoveTop, ids, 0)
}

// MoveBottom moves the selected files to the back of the queue.
func (c *Client) MoveBottom(ids []uint64) (bool, string, error) {
	return c.editQueue(editActionMoveBottom, ids, 0)
}

// Pause pauses the selected files.
func (c *Client) Pause(ids []uint64) (bool, string, error) {
	return c.editQueue(editActionPause, ids, 0)
}

// Resume resumes the selected files.
func (c *Client) Resume(ids []uint64) (bool, string, error) {
	return c.editQueue(editActionResume, ids, 0)
}

// Delete removes the selected files from the queue.
func (c *Client) Delete(ids []uint64) (bool, string, error) {
	return c.editQueue(editActionDelete, ids, 0)
}

// SetPriority sets the selected files' priority.
func (c *Client) SetPriority(ids []uint64, priority int) (bool, string, error) {
	return c.editQueue(editActionSetPriority, ids, int32(priority))
}

// FileSummary is one entry of a List response.
type FileSummary struct {
	ID            uint64
	TotalSize     uint64
	RemainingSize uint64
	Filename      string
}

// List fetches the current file queue.
func (c *Client) List() ([]FileSummary, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	writeValue(conn, newHeader(ReqList, requestStructSizes[ReqList], c.Password))

	if _, err := readHeader(conn); err != nil {
		return nil, err
	}
	var fixed listResponseFixed
	if err := readValue(conn, &fixed); err != nil {
		return nil, err
	}
	payload := make([]byte, fixed.TrailingDataLength)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}

	var out []FileSummary
	buf := bytes.NewReader(payload)
	for buf.Len() > 0 {
		var id, totalHi, totalLo, remHi, remLo uint32
		if readValue(buf, &id) != nil {
			break
		}
		readValue(buf, &totalHi)
		readValue(buf, &totalLo)
		readValue(buf, &remHi)
		readValue(buf, &remLo)
		name := readAlignedString(buf)
		out = append(out, FileSummary{
			ID:            uint64(id),
			TotalSize:     uint64(totalHi)<<32 | uint64(totalLo),
			RemainingSize: uint64(remHi)<<32 | uint64(remLo),
			Filename:      name,
		})
	}
	return out, nil
}

func writeUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// readAlignedString reads a null-terminated, 4-byte-padded string
// written by writeAlignedString, advancing r past the padding.
func readAlignedString(r *bytes.Reader) string {
	var raw []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		raw = append(raw, b)
		if b == 0 && len(raw)%4 == 0 {
			break
		}
	}
	return readCString(raw)
}
