package fifo

import (
	"fmt"
	"os"
	"sync"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// Peer is the device side of a FIFO directory. It writes frames the host
// reads from IN pipes and reads frames the host writes to OUT pipes.
type Peer struct {
	dir   string
	mu    sync.Mutex
	files map[uint8]*os.File
}

// OpenPeer prepares a peer for dir. FIFOs are opened on first use.
func OpenPeer(dir string) *Peer {
	return &Peer{dir: dir, files: make(map[uint8]*os.File)}
}

func (p *Peer) file(pipe uint8) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.files[pipe]; ok {
		return f, nil
	}
	f, err := os.OpenFile(pipePath(p.dir, pipe), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p.files[pipe] = f
	return f, nil
}

// Send writes payload as one frame to the IN pipe.
func (p *Peer) Send(pipe uint8, payload []byte) error {
	if !hal.PipeID(pipe).IsIn() {
		return fmt.Errorf("send on %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}
	f, err := p.file(pipe)
	if err != nil {
		return err
	}
	return WriteFrame(f, payload)
}

// Receive reads the next frame the host wrote to the OUT pipe.
func (p *Peer) Receive(pipe uint8) ([]byte, error) {
	if hal.PipeID(pipe).IsIn() {
		return nil, fmt.Errorf("receive on %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}
	f, err := p.file(pipe)
	if err != nil {
		return nil, err
	}
	return ReadFrame(f)
}

// Close closes every FIFO the peer opened.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for pipe, f := range p.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.files, pipe)
	}
	return first
}
