package replication

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is the minimal transport surface a Session needs: a secure,
// authenticated byte stream (internal/transport.Channel satisfies it).
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// ThresholdCounter tracks ABORTs within a session; exceeding its
// initial value (10, spec §4.7) terminates the session.
type ThresholdCounter struct {
	remaining int
}

// NewThresholdCounter starts a counter at InitialThreshold.
func NewThresholdCounter() *ThresholdCounter { return &ThresholdCounter{remaining: InitialThreshold} }

// Tick decrements the counter and reports whether the threshold has
// been exceeded.
func (t *ThresholdCounter) Tick() bool {
	t.remaining--
	return t.remaining <= 0
}

// FileLister supplies the local file list a Session walks during pull
// and push phases; an archive-backed implementation queries C3.
type FileLister interface {
	ListFiles() ([]FileInfo, error)
	ReadFile(id FileInfo) (meta ChunkMeta, data []byte, err error)
	WriteFile(meta ChunkMeta, data []byte) error
	DeleteFile(id FileInfo) error
}

// Session drives one client/server sync exchange over conn. Exactly
// one side is the client (the side that proposes SYNC actions); the
// server computes and confirms independently, per spec §4.7.
type Session struct {
	conn      Conn
	logger    *logrus.Logger
	lister    FileLister
	isClient  bool
	threshold *ThresholdCounter

	mu      sync.Mutex
	closing chan struct{}
}

// NewSession wraps conn with sync protocol state. isClient selects the
// client or server side of Handshake.
func NewSession(conn Conn, lister FileLister, isClient bool, lg *logrus.Logger) *Session {
	return &Session{
		conn:      conn,
		logger:    lg,
		lister:    lister,
		isClient:  isClient,
		threshold: NewThresholdCounter(),
		closing:   make(chan struct{}),
	}
}

func (s *Session) send(p Packet) error {
	_, err := s.conn.Write(p.Encode())
	return err
}

func (s *Session) recv() (Packet, error) {
	return ReadPacket(s.conn)
}

// Stop closes the underlying transport; safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
	default:
		close(s.closing)
		s.conn.Close()
	}
}

// Handshake performs INIT/VERSION/OPERATION/CONFIRM per spec §4.7.
func (s *Session) Handshake(preset OperationPreset) error {
	if s.isClient {
		if err := s.send(EncodeInit()); err != nil {
			return err
		}
		versionPkt, err := s.recv()
		if err != nil {
			return err
		}
		if versionPkt.Type != PacketVERSION {
			return fmt.Errorf("%w: expected VERSION, got %d", ErrProtocolError, versionPkt.Type)
		}
		remoteVersion, err := DecodeVersion(versionPkt)
		if err != nil {
			return err
		}
		if remoteVersion != ProtocolVersion {
			return ErrVersionMismatch
		}
		if err := s.send(EncodeOperation(preset)); err != nil {
			return err
		}
		confirmPkt, err := s.recv()
		if err != nil {
			return err
		}
		ok, err := DecodeConfirm(confirmPkt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: server rejected operation", ErrProtocolError)
		}
		return nil
	}

	initPkt, err := s.recv()
	if err != nil {
		return err
	}
	if initPkt.Type != PacketINIT {
		return fmt.Errorf("%w: expected INIT, got %d", ErrProtocolError, initPkt.Type)
	}
	clientVersion, err := DecodeVersion(initPkt)
	if err != nil {
		return err
	}
	if err := s.send(EncodeVersion()); err != nil {
		return err
	}
	if clientVersion != ProtocolVersion {
		s.send(EncodeConfirm(false))
		return ErrVersionMismatch
	}
	opPkt, err := s.recv()
	if err != nil {
		return err
	}
	if opPkt.Type != PacketOPERATION {
		return fmt.Errorf("%w: expected OPERATION, got %d", ErrProtocolError, opPkt.Type)
	}
	if _, err := DecodeOperation(opPkt); err != nil {
		s.send(EncodeConfirm(false))
		return err
	}
	return s.send(EncodeConfirm(true))
}

// handleAbort increments the threshold counter and reports whether the
// session must now terminate.
func (s *Session) handleAbort() bool {
	exceeded := s.threshold.Tick()
	if exceeded {
		s.logger.Warn("replication: abort threshold exceeded, terminating session")
	}
	return exceeded
}

// ExchangeFileLists performs the client side of REQUEST/RESPONSE,
// sending the local file list and returning the server's.
func (s *Session) ExchangeFileLists(localFiles []FileInfo) ([]FileInfo, error) {
	if err := s.send(EncodeRequest()); err != nil {
		return nil, err
	}
	respPkt, err := s.recv()
	if err != nil {
		return nil, err
	}
	if respPkt.Type != PacketRESPONSE {
		return nil, fmt.Errorf("%w: expected RESPONSE, got %d", ErrProtocolError, respPkt.Type)
	}
	serverFiles, err := DecodeResponse(respPkt)
	if err != nil {
		return nil, err
	}
	return serverFiles, s.send(EncodeResponse(localFiles))
}

// ServeFileListRequest answers the server side of REQUEST/RESPONSE: it
// waits for the client's REQUEST, replies with serverFiles, then reads
// back the client's own list.
func (s *Session) ServeFileListRequest(serverFiles []FileInfo) ([]FileInfo, error) {
	reqPkt, err := s.recv()
	if err != nil {
		return nil, err
	}
	if reqPkt.Type != PacketREQUEST {
		return nil, fmt.Errorf("%w: expected REQUEST, got %d", ErrProtocolError, reqPkt.Type)
	}
	if err := s.send(EncodeResponse(serverFiles)); err != nil {
		return nil, err
	}
	respPkt, err := s.recv()
	if err != nil {
		return nil, err
	}
	if respPkt.Type != PacketRESPONSE {
		return nil, fmt.Errorf("%w: expected RESPONSE, got %d", ErrProtocolError, respPkt.Type)
	}
	return DecodeResponse(respPkt)
}

// RunServerSync drives the server side of syncOne/executeAction,
// mirroring the client's proposals until it sends DONE.
func (s *Session) RunServerSync() error {
	for {
		pkt, err := s.recv()
		if err != nil {
			return err
		}
		switch pkt.Type {
		case PacketDONE:
			return nil
		case PacketSYNC:
			local, proposed, err := DecodeSync(pkt)
			if err != nil {
				return err
			}
			serverFiles, err := s.lister.ListFiles()
			if err != nil {
				return err
			}
			var server FileInfo
			for _, sf := range serverFiles {
				if sf.FileID == local.FileID {
					server = sf
					break
				}
			}
			resolved := ResolveAction(local, server)
			matches := resolved == proposed
			if err := s.send(EncodeConfirm(matches)); err != nil {
				return err
			}
			if !matches {
				continue
			}
			if err := s.serveAction(resolved, local, server); err != nil {
				return err
			}
		case PacketABORT:
			if s.handleAbort() {
				return ErrThresholdReached
			}
		default:
			return fmt.Errorf("%w: unexpected packet %d in server sync loop", ErrProtocolError, pkt.Type)
		}
	}
}

// serveAction executes the server's half of an agreed action: the
// opposite data-flow direction from executeAction's client half.
func (s *Session) serveAction(action Action, local, server FileInfo) error {
	switch action {
	case ActionNoop:
		return nil
	case ActionCliCreate, ActionCliUpdate:
		return s.serveDownload(server)
	case ActionSerCreate, ActionSerUpdate:
		return s.serveUpload()
	case ActionSerDelete:
		return s.lister.DeleteFile(server)
	case ActionCliDelete:
		return nil // client deletes its own copy; server has nothing to do
	}
	return nil
}

// serveDownload answers a client DOWNLOAD request: CONFIRM, then meta
// and data chunks on GET.
func (s *Session) serveDownload(file FileInfo) error {
	downloadPkt, err := s.recv()
	if err != nil {
		return err
	}
	if downloadPkt.Type != PacketDOWNLOAD {
		return fmt.Errorf("%w: expected DOWNLOAD, got %d", ErrProtocolError, downloadPkt.Type)
	}
	meta, data, err := s.lister.ReadFile(file)
	if err != nil {
		s.send(EncodeConfirm(false))
		return err
	}
	if err := s.send(EncodeConfirm(true)); err != nil {
		return err
	}
	for {
		getPkt, err := s.recv()
		if err != nil {
			return err
		}
		what, idx, err := DecodeGet(getPkt)
		if err != nil {
			return err
		}
		if what == "meta" {
			if err := s.send(EncodeChunkMeta(meta)); err != nil {
				return err
			}
			continue
		}
		lo := idx * ChunkSize
		hi := lo + ChunkSize
		if hi > uint32(len(data)) {
			hi = uint32(len(data))
		}
		if err := s.send(EncodeChunkData(idx, data[lo:hi])); err != nil {
			return err
		}
		if idx == meta.Pieces-1 {
			return s.send(Packet{Type: PacketDONE})
		}
	}
}

// serveUpload answers a client UPLOAD request: CONFIRM, then receive
// meta and PUT chunks until DONE.
func (s *Session) serveUpload() error {
	uploadPkt, err := s.recv()
	if err != nil {
		return err
	}
	if uploadPkt.Type != PacketUPLOAD {
		return fmt.Errorf("%w: expected UPLOAD, got %d", ErrProtocolError, uploadPkt.Type)
	}
	if err := s.send(EncodeConfirm(true)); err != nil {
		return err
	}
	metaPkt, err := s.recv()
	if err != nil {
		return err
	}
	meta, err := DecodeChunkMeta(metaPkt)
	if err != nil {
		return err
	}
	data := make([]byte, 0, meta.Size)
	for {
		pkt, err := s.recv()
		if err != nil {
			return err
		}
		if pkt.Type == PacketDONE {
			break
		}
		if pkt.Type != PacketPUT {
			return fmt.Errorf("%w: expected PUT, got %d", ErrProtocolError, pkt.Type)
		}
		_, piece, err := DecodeChunkData(Packet{Type: PacketCHUNK, Body: pkt.Body})
		if err != nil {
			if err := s.send(Packet{Type: PacketABORT}); err != nil {
				return err
			}
			if s.handleAbort() {
				return ErrThresholdReached
			}
			return nil
		}
		data = append(data, piece...)
		if err := s.send(Packet{Type: PacketRECEIVED}); err != nil {
			return err
		}
	}
	if uint32(len(data)) != meta.Size {
		return ErrSizeMismatch
	}
	return s.lister.WriteFile(meta, data)
}

// RunClientSync drives the client side of one full pull+push cycle
// against serverFiles (already retrieved via ExchangeFileLists).
func (s *Session) RunClientSync(localFiles, serverFiles []FileInfo) error {
	serverByID := indexByID(serverFiles)
	localByID := indexByID(localFiles)
	processed := make(map[string]bool)

	for _, lf := range localFiles {
		sf, ok := serverByID[lf.FileID.String()]
		if !ok {
			sf = FileInfo{FileID: lf.FileID, Exists: false}
		}
		if err := s.syncOne(lf, sf, processed); err != nil {
			return err
		}
	}
	for _, sf := range serverFiles {
		if processed[sf.FileID.String()] {
			continue
		}
		lf, ok := localByID[sf.FileID.String()]
		if !ok {
			lf = FileInfo{FileID: sf.FileID, Exists: false}
		}
		if err := s.syncOne(lf, sf, processed); err != nil {
			return err
		}
	}
	return s.send(Packet{Type: PacketDONE})
}

func indexByID(files []FileInfo) map[string]FileInfo {
	m := make(map[string]FileInfo, len(files))
	for _, f := range files {
		m[f.FileID.String()] = f
	}
	return m
}

// syncOne proposes an action for one file pair, confirms with the
// server, and executes the agreed action. A mismatch ticks the abort
// counter and skips the file rather than failing the whole session.
func (s *Session) syncOne(local, server FileInfo, processed map[string]bool) error {
	action := ResolveAction(local, server)
	if err := s.send(EncodeSync(local, action)); err != nil {
		return err
	}
	confirmPkt, err := s.recv()
	if err != nil {
		return err
	}
	matches, err := DecodeConfirm(confirmPkt)
	if err != nil {
		return err
	}
	processed[local.FileID.String()] = true
	processed[server.FileID.String()] = true
	if !matches {
		if err := s.send(Packet{Type: PacketABORT}); err != nil {
			return err
		}
		if s.handleAbort() {
			return ErrThresholdReached
		}
		return nil
	}
	return s.executeAction(action, local, server)
}

func (s *Session) executeAction(action Action, local, server FileInfo) error {
	switch action {
	case ActionNoop:
		return nil
	case ActionCliCreate, ActionCliUpdate:
		return s.download(server)
	case ActionSerCreate, ActionSerUpdate:
		return s.upload(local)
	case ActionSerDelete:
		return nil // server deletes its own copy; client has nothing to do
	case ActionCliDelete:
		return s.lister.DeleteFile(local)
	}
	return nil
}

// download pulls a file from the server: DOWNLOAD -> CONFIRM, GET(meta)
// -> CHUNK(meta), then GET(data,i) -> CHUNK(data,i,bytes) for each
// piece, then DONE.
func (s *Session) download(remote FileInfo) error {
	if err := s.send(Packet{Type: PacketDOWNLOAD}); err != nil {
		return err
	}
	confirmPkt, err := s.recv()
	if err != nil {
		return err
	}
	ok, err := DecodeConfirm(confirmPkt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: server declined download", ErrProtocolError)
	}

	if err := s.send(EncodeGet("meta", 0)); err != nil {
		return err
	}
	metaPkt, err := s.recv()
	if err != nil {
		return err
	}
	meta, err := DecodeChunkMeta(metaPkt)
	if err != nil {
		return err
	}

	data := make([]byte, 0, meta.Size)
	for i := uint32(0); i < meta.Pieces; i++ {
		if err := s.send(EncodeGet("data", i)); err != nil {
			return err
		}
		chunkPkt, err := s.recv()
		if err != nil {
			return err
		}
		idx, piece, err := DecodeChunkData(chunkPkt)
		if err != nil {
			if err := s.send(Packet{Type: PacketABORT}); err != nil {
				return err
			}
			if s.handleAbort() {
				return ErrThresholdReached
			}
			return nil
		}
		if idx != i {
			return fmt.Errorf("%w: expected piece %d, got %d", ErrChunkMismatch, i, idx)
		}
		data = append(data, piece...)
	}
	if uint32(len(data)) != meta.Size {
		return ErrSizeMismatch
	}
	donePkt, err := s.recv()
	if err != nil {
		return err
	}
	if donePkt.Type != PacketDONE {
		return fmt.Errorf("%w: expected DONE, got %d", ErrProtocolError, donePkt.Type)
	}
	return s.lister.WriteFile(meta, data)
}

// upload pushes a local file to the server, symmetric with download
// using UPLOAD/PUT/RECEIVED.
func (s *Session) upload(local FileInfo) error {
	meta, data, err := s.lister.ReadFile(local)
	if err != nil {
		return err
	}
	if err := s.send(Packet{Type: PacketUPLOAD}); err != nil {
		return err
	}
	confirmPkt, err := s.recv()
	if err != nil {
		return err
	}
	ok, err := DecodeConfirm(confirmPkt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: server declined upload", ErrProtocolError)
	}

	if err := s.send(EncodeChunkMeta(meta)); err != nil {
		return err
	}
	pieces := meta.Pieces
	for i := uint32(0); i < pieces; i++ {
		lo := i * ChunkSize
		hi := lo + ChunkSize
		if hi > uint32(len(data)) {
			hi = uint32(len(data))
		}
		putPkt := Packet{Type: PacketPUT, Body: EncodeChunkData(i, data[lo:hi]).Body}
		if err := s.send(putPkt); err != nil {
			return err
		}
		recvPkt, err := s.recv()
		if err != nil {
			return err
		}
		if recvPkt.Type != PacketRECEIVED {
			return fmt.Errorf("%w: expected RECEIVED, got %d", ErrProtocolError, recvPkt.Type)
		}
	}
	return s.send(Packet{Type: PacketDONE})
}

// Close sends CLOSE and tears down the transport (clean session end).
func (s *Session) Close() error {
	if err := s.send(Packet{Type: PacketCLOSE}); err != nil {
		s.Stop()
		return err
	}
	s.Stop()
	return nil
}

// waitForClose blocks a server-side session until the client sends
// CLOSE or the transport errors.
func (s *Session) waitForClose(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		for {
			p, err := s.recv()
			if err != nil {
				done <- err
				return
			}
			if p.Type == PacketCLOSE {
				done <- nil
				return
			}
			if p.Type == PacketABORT {
				if s.handleAbort() {
					done <- ErrThresholdReached
					return
				}
			}
		}
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.New("replication: timed out waiting for CLOSE")
	}
}
