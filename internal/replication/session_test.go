package replication

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

// memLister is an in-memory FileLister used to exercise Session without
// a real archive-backed store.
type memLister struct {
	mu    sync.Mutex
	files map[uuid.UUID]FileInfo
	data  map[uuid.UUID][]byte
}

func newMemLister() *memLister {
	return &memLister{files: map[uuid.UUID]FileInfo{}, data: map[uuid.UUID][]byte{}}
}

func (m *memLister) put(path string, content []byte, modified time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.files[id] = FileInfo{FileID: id, Path: path, Modified: modified, Exists: true}
	m.data[id] = content
	return id
}

func (m *memLister) ListFiles() ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileInfo, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	return out, nil
}

func (m *memLister) ReadFile(id FileInfo) (ChunkMeta, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[id.FileID]
	if !ok {
		return ChunkMeta{}, nil, errors.New("memLister: no such file")
	}
	pieces := uint32(len(data)+ChunkSize-1) / ChunkSize
	if pieces == 0 {
		pieces = 1
	}
	return ChunkMeta{
		Pieces: pieces, Size: uint32(len(data)), Filename: m.files[id.FileID].Path,
		FileID: id.FileID,
	}, data, nil
}

func (m *memLister) WriteFile(meta ChunkMeta, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[meta.FileID] = FileInfo{FileID: meta.FileID, Path: meta.Filename, Modified: time.Now().UTC(), Exists: true}
	m.data[meta.FileID] = data
	return nil
}

func (m *memLister) DeleteFile(id FileInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id.FileID)
	delete(m.data, id.FileID)
	return nil
}

func TestSessionHandshakeSucceeds(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewSession(clientConn, newMemLister(), true, testLogger())
	server := NewSession(serverConn, newMemLister(), false, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, serverErr error
	go func() { defer wg.Done(); clientErr = client.Handshake(OperationPreset{Name: "messages"}) }()
	go func() { defer wg.Done(); serverErr = server.Handshake(OperationPreset{Name: "messages"}) }()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client Handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server Handshake: %v", serverErr)
	}
}

func TestFullSyncPropagatesNewFileToServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientLister := newMemLister()
	serverLister := newMemLister()
	fileID := clientLister.put("/messages/hello.env", []byte("hello from the client"), time.Now().UTC())

	client := NewSession(clientConn, clientLister, true, testLogger())
	server := NewSession(serverConn, serverLister, false, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, serverErr error

	go func() {
		defer wg.Done()
		if err := client.Handshake(OperationPreset{Name: "messages"}); err != nil {
			clientErr = err
			return
		}
		localFiles, _ := clientLister.ListFiles()
		serverFiles, err := client.ExchangeFileLists(localFiles)
		if err != nil {
			clientErr = err
			return
		}
		if err := client.RunClientSync(localFiles, serverFiles); err != nil {
			clientErr = err
			return
		}
		clientErr = client.Close()
	}()

	go func() {
		defer wg.Done()
		if err := server.Handshake(OperationPreset{Name: "messages"}); err != nil {
			serverErr = err
			return
		}
		serverFiles, _ := serverLister.ListFiles()
		if _, err := server.ServeFileListRequest(serverFiles); err != nil {
			serverErr = err
			return
		}
		if err := server.RunServerSync(); err != nil {
			serverErr = err
			return
		}
		serverErr = server.waitForClose(2 * time.Second)
	}()

	wg.Wait()
	if clientErr != nil {
		t.Fatalf("client side: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server side: %v", serverErr)
	}

	serverFiles, _ := serverLister.ListFiles()
	if len(serverFiles) != 1 {
		t.Fatalf("expected 1 file replicated to server, got %d", len(serverFiles))
	}
	got := serverLister.data[fileID]
	if string(got) != "hello from the client" {
		t.Fatalf("replicated content = %q, want %q", got, "hello from the client")
	}
}

func TestThresholdCounterExceedsAfterInitialThreshold(t *testing.T) {
	c := NewThresholdCounter()
	for i := 0; i < InitialThreshold-1; i++ {
		if c.Tick() {
			t.Fatalf("Tick exceeded threshold too early at iteration %d", i)
		}
	}
	if !c.Tick() {
		t.Fatalf("expected the %dth consecutive Tick to report threshold exceeded", InitialThreshold)
	}
}
