package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/NebulousLabs/errors"
	upnp "github.com/NebulousLabs/go-upnp"
	"github.com/hexfeed/hexfeedd/modules/coordinator"
	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/persist"
	"github.com/hexfeed/hexfeedd/ratelimit"
	siasync "github.com/hexfeed/hexfeedd/sync"
)

// ErrBadSignature and ErrBadPassword are logged (with the client's
// address) and result in the connection being closed without a
// response, per SPEC_FULL.md §6's "rejects requests whose signature or
// password is wrong".
var (
	ErrBadSignature  = errors.New("bad request signature")
	ErrBadPassword   = errors.New("bad request password")
	ErrBadStructSize = errors.New("declared struct size does not match request type")
)

// CollectionSubmitter accepts a freshly-downloaded collection
// descriptor and queues it. The server does not parse the XML manifest
// itself; it forwards raw bytes plus metadata to this collaborator,
// which nzb.Submitter implements by parsing the manifest.
type CollectionSubmitter interface {
	SubmitNZB(filename, category string, data []byte, addFirst bool) error
}

// Server accepts RPC connections, reads one request, dispatches it to
// a handler, and closes the connection (SPEC_FULL.md §4.9).
type Server struct {
	password  string
	q         *queue.Queue
	editor    *queue.Editor
	coord     *coordinator.Coordinator
	submitter CollectionSubmitter
	log       *persist.Logger

	ln net.Listener
	tg siasync.ThreadGroup

	forwarder  *upnp.IGD
	listenPort uint16

	enablePortForward bool
	onShutdown        func()
}

// Config bounds a Server's construction.
type Config struct {
	Password          string
	EnablePortForward bool
}

// New constructs a Server. onShutdown is invoked (and must not block
// long) when a client sends the Shutdown request.
func New(cfg Config, q *queue.Queue, editor *queue.Editor, coord *coordinator.Coordinator, submitter CollectionSubmitter, log *persist.Logger, onShutdown func()) *Server {
	return &Server{
		password:          cfg.Password,
		q:                 q,
		editor:            editor,
		coord:             coord,
		submitter:         submitter,
		log:               log,
		enablePortForward: cfg.EnablePortForward,
		onShutdown:        onShutdown,
	}
}

// Serve listens on addr and handles connections until Close is called.
// If the server was constructed with EnablePortForward, it first
// attempts UPnP port forwarding; failure there is logged and
// non-fatal (SPEC_FULL.md §4.9).
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	if s.enablePortForward {
		s.tryForwardPort(ln.Addr())
	}

	if err := s.tg.Add(); err != nil {
		return err
	}
	go s.acceptLoop()
	return nil
}

func (s *Server) tryForwardPort(addr net.Addr) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	s.listenPort = uint16(tcpAddr.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	igd, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		s.logf("upnp discovery failed, continuing on the local interface only: %v", err)
		return
	}
	if err := igd.Forward(s.listenPort, "hexfeedd rpc"); err != nil {
		s.logf("upnp port forward failed: %v", err)
		return
	}
	s.forwarder = igd
}

func (s *Server) acceptLoop() {
	defer s.tg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.tg.StopChan():
				return
			default:
				s.logf("accept error: %v", err)
				return
			}
		}
		if err := s.tg.Add(); err != nil {
			conn.Close()
			return
		}
		go func() {
			defer s.tg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	h, err := readHeader(conn)
	if err != nil {
		return
	}
	if h.Signature != signature {
		s.logf("rejected connection from %s: bad signature", conn.RemoteAddr())
		return
	}
	if !h.checkPassword(s.password) {
		s.logf("rejected connection from %s: bad password", conn.RemoteAddr())
		return
	}

	if err := s.dispatch(conn, h); err != nil {
		s.logf("request %s from %s failed: %v", h.Type, conn.RemoteAddr(), err)
	}
}

func (s *Server) dispatch(conn net.Conn, h Header) error {
	if want, ok := requestStructSizes[h.Type]; ok && h.StructSize != uint32(want) {
		s.logf("rejected request %s from %s: declared struct size %d does not match expected %d", h.Type, conn.RemoteAddr(), h.StructSize, want)
		return ErrBadStructSize
	}

	switch h.Type {
	case ReqDownload:
		return s.handleDownload(conn, h)
	case ReqPauseUnpause:
		return s.handlePauseUnpause(conn, h)
	case ReqList:
		return s.handleList(conn, h)
	case ReqSetDownloadRate:
		return s.handleSetDownloadRate(conn, h)
	case ReqEditQueue:
		return s.handleEditQueue(conn, h)
	case ReqShutdown:
		return s.handleShutdown(conn, h)
	case ReqVersion:
		return s.handleVersion(conn, h)
	case ReqPostQueue:
		return s.handlePostQueue(conn, h)
	case ReqHistory:
		return s.handleHistory(conn, h)
	case ReqPauseUnpausePostProcessor:
		return s.handlePausePostProcessor(conn, h)
	case ReqLog, ReqDumpDebug, ReqWriteLog, ReqScan:
		return writeBoolResponse(conn, true, h.Type.String()+" acknowledged")
	default:
		s.logf("unknown request type %d from %s", h.Type, conn.RemoteAddr())
		return errors.New("unknown request type")
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Close stops accepting new connections, removes any UPnP port
// forward, and waits for in-flight requests to finish.
func (s *Server) Close() error {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.forwarder != nil {
		s.forwarder.Clear(s.listenPort)
	}
	return s.tg.Stop()
}

// --- handlers ---

type downloadRequestTail struct {
	AddFirst           uint32
	TrailingDataLength uint32
	Filename           [256]byte
	Category           [256]byte
}

func (s *Server) handleDownload(conn net.Conn, h Header) error {
	var tail downloadRequestTail
	if err := readValue(conn, &tail); err != nil {
		return err
	}
	payload := make([]byte, tail.TrailingDataLength)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return err
	}
	if s.submitter == nil {
		return writeBoolResponse(conn, false, "no collection submitter configured")
	}
	filename := readCString(tail.Filename[:])
	category := readCString(tail.Category[:])
	if err := s.submitter.SubmitNZB(filename, category, payload, tail.AddFirst != 0); err != nil {
		return writeBoolResponse(conn, false, "download request failed for "+filename)
	}
	return writeBoolResponse(conn, true, "collection "+filename+" added to queue")
}

type pauseUnpauseRequestTail struct {
	Pause  uint32
	Action uint32
}

func (s *Server) handlePauseUnpause(conn net.Conn, h Header) error {
	var tail pauseUnpauseRequestTail
	if err := readValue(conn, &tail); err != nil {
		return err
	}
	if s.coord != nil {
		s.coord.SetPaused(tail.Pause != 0)
	}
	return writeBoolResponse(conn, true, "pause-/unpause-command completed successfully")
}

// handlePausePostProcessor reads the request and acknowledges it. The
// server holds no post-processing driver, so no pause state changes.
func (s *Server) handlePausePostProcessor(conn net.Conn, h Header) error {
	var tail pauseUnpauseRequestTail
	if err := readValue(conn, &tail); err != nil {
		return err
	}
	return writeBoolResponse(conn, true, "post-processor pause request received")
}

type setDownloadRateRequestTail struct {
	DownloadRateBPS uint32
}

func (s *Server) handleSetDownloadRate(conn net.Conn, h Header) error {
	var tail setDownloadRateRequestTail
	if err := readValue(conn, &tail); err != nil {
		return err
	}
	ratelimit.SetLimits(int64(tail.DownloadRateBPS), 0, 0)
	return writeBoolResponse(conn, true, "rate-command completed successfully")
}

func (s *Server) handleShutdown(conn net.Conn, h Header) error {
	if err := writeBoolResponse(conn, true, "stopping server"); err != nil {
		return err
	}
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	return nil
}

func (s *Server) handleVersion(conn net.Conn, h Header) error {
	return writeBoolResponse(conn, true, "hexfeedd")
}

type editQueueRequestTail struct {
	Action             uint32
	Offset             int32
	TrailingDataLength uint32
	NrEntries          uint32
}

const (
	editActionMoveOffset uint32 = iota
	editActionMoveTop
	editActionMoveBottom
	editActionPause
	editActionResume
	editActionDelete
	editActionSetPriority
)

func (s *Server) handleEditQueue(conn net.Conn, h Header) error {
	var tail editQueueRequestTail
	if err := readValue(conn, &tail); err != nil {
		return err
	}
	idBytes := make([]byte, int(tail.NrEntries)*4)
	if _, err := io.ReadFull(conn, idBytes); err != nil {
		return err
	}
	ids := decodeUint32IDs(idBytes)

	if s.editor == nil {
		return writeBoolResponse(conn, false, "queue editor unavailable")
	}

	s.q.Lock()
	switch tail.Action {
	case editActionMoveOffset:
		s.editor.MoveOffset(ids, int(tail.Offset), true)
	case editActionMoveTop:
		s.editor.MoveTop(ids, true)
	case editActionMoveBottom:
		s.editor.MoveBottom(ids, true)
	case editActionPause:
		s.editor.Pause(ids)
	case editActionResume:
		s.editor.Resume(ids)
	case editActionDelete:
		s.editor.Delete(ids)
	case editActionSetPriority:
		s.editor.SetPriority(ids, int(tail.Offset))
	}
	s.q.Unlock()

	return writeBoolResponse(conn, true, "queue edited successfully")
}

func decodeUint32IDs(data []byte) []uint64 {
	var ids []uint64
	for i := 0; i+4 <= len(data); i += 4 {
		ids = append(ids, uint64(binary.BigEndian.Uint32(data[i:])))
	}
	return ids
}

// listResponseFixed is the fixed tail of a List response; the trailing
// payload (entries) is written separately so its size can vary.
type listResponseFixed struct {
	RemainingSizeHi    uint32
	RemainingSizeLo    uint32
	DownloadRateBPS    uint32
	DownloadLimitBPS   uint32
	ThreadCount        uint32
	PostJobCount       uint32
	DownloadPaused     uint32
	EntrySize          uint32
	EntryCount         uint32
	TrailingDataLength uint32
}

// listEntryFixedSize is the width of a List entry's fixed portion
// (id, total size hi/lo, remaining size hi/lo) before its
// variable-length, aligned filename string.
const listEntryFixedSize = 4 * 5

func (s *Server) handleList(conn net.Conn, h Header) error {
	s.q.RLock()
	files := append([]*queue.File(nil), s.q.Files()...)
	postJobs := append([]*queue.PostJob(nil), s.q.PostJobs()...)
	s.q.RUnlock()

	var buf bytes.Buffer
	for _, f := range files {
		writeValue(&buf, uint32(f.ID))
		writeValue(&buf, uint32(f.TotalSize>>32))
		writeValue(&buf, uint32(f.TotalSize))
		writeValue(&buf, uint32(f.RemainingSize>>32))
		writeValue(&buf, uint32(f.RemainingSize))
		writeAlignedString(&buf, f.Filename)
	}

	fixed := listResponseFixed{
		ThreadCount:        uint32(len(files)),
		PostJobCount:       uint32(len(postJobs)),
		EntrySize:          listEntryFixedSize,
		EntryCount:         uint32(len(files)),
		TrailingDataLength: uint32(buf.Len()),
	}
	if s.coord != nil {
		fixed.DownloadRateBPS = uint32(s.coord.Speedometer().RateKiB() * 1024)
	}

	resp := struct {
		Header Header
		Fixed  listResponseFixed
	}{
		Header: newHeader(0, listResponseStructSize, ""),
		Fixed:  fixed,
	}
	if err := writeValue(conn, resp); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

var listResponseStructSize = int(binary.Size(struct {
	Header Header
	Fixed  listResponseFixed
}{}))

type postQueueResponseFixed struct {
	EntrySize          uint32
	EntryCount         uint32
	TrailingDataLength uint32
}

// postQueueEntryFixedSize is the width of a PostQueue entry's fixed
// portion (id, stage, stage progress) before its variable-length,
// aligned collection-name string.
const postQueueEntryFixedSize = 4 * 3

func (s *Server) handlePostQueue(conn net.Conn, h Header) error {
	s.q.RLock()
	postJobs := append([]*queue.PostJob(nil), s.q.PostJobs()...)
	s.q.RUnlock()

	var buf bytes.Buffer
	for _, pj := range postJobs {
		writeValue(&buf, uint32(pj.ID))
		writeValue(&buf, uint32(pj.Stage))
		writeValue(&buf, uint32(pj.StageProgress))
		writeAlignedString(&buf, pj.Collection.Name)
	}

	resp := struct {
		Header Header
		Fixed  postQueueResponseFixed
	}{
		Header: newHeader(0, 0, ""),
		Fixed: postQueueResponseFixed{
			EntrySize:          postQueueEntryFixedSize,
			EntryCount:         uint32(len(postJobs)),
			TrailingDataLength: uint32(buf.Len()),
		},
	}
	if err := writeValue(conn, resp); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

type historyResponseFixed struct {
	EntrySize          uint32
	EntryCount         uint32
	TrailingDataLength uint32
}

// historyEntryFixedSize is the width of a History entry's fixed
// portion (id, kind) before its variable-length, aligned nzb-name
// string.
const historyEntryFixedSize = 4 * 2

func (s *Server) handleHistory(conn net.Conn, h Header) error {
	s.q.RLock()
	records := append([]*queue.HistoryRecord(nil), s.q.History()...)
	s.q.RUnlock()

	var buf bytes.Buffer
	for _, r := range records {
		writeValue(&buf, uint32(r.ID))
		writeValue(&buf, uint32(r.Kind))
		writeAlignedString(&buf, r.NzbName)
	}

	resp := struct {
		Header Header
		Fixed  historyResponseFixed
	}{
		Header: newHeader(0, 0, ""),
		Fixed: historyResponseFixed{
			EntrySize:          historyEntryFixedSize,
			EntryCount:         uint32(len(records)),
			TrailingDataLength: uint32(buf.Len()),
		},
	}
	if err := writeValue(conn, resp); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

func readValue(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}
