package streaming

import (
	"errors"
	"io"
	"sync"
)

// Tee splits src into two readers that each see every byte. A single pump
// goroutine reads src and queues chunks per branch, so a slow consumer on
// one branch never stalls the other. Closing a branch discards what it has
// queued; src is closed once both branches are closed or src is drained.
func Tee(src io.ReadCloser) (io.ReadCloser, io.ReadCloser) {
	t := &tee{src: src}
	a := &branch{t: t}
	b := &branch{t: t}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	t.branches = [2]*branch{a, b}
	go t.pump()
	return a, b
}

type tee struct {
	src      io.ReadCloser
	branches [2]*branch
	once     sync.Once
}

func (t *tee) pump() {
	defer t.closeSource()
	buf := make([]byte, 32*1024)
	for {
		n, err := t.src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			live := 0
			for _, br := range t.branches {
				if br.push(chunk) {
					live++
				}
			}
			if live == 0 {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			for _, br := range t.branches {
				br.finish(err)
			}
			return
		}
	}
}

func (t *tee) closeSource() {
	t.once.Do(func() { _ = t.src.Close() })
}

type branch struct {
	t      *tee
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	done   bool
	err    error
	closed bool
}

// push queues chunk and reports whether the branch is still open.
func (b *branch) push(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, chunk)
	b.cond.Signal()
	return true
}

func (b *branch) finish(err error) {
	b.mu.Lock()
	b.done = true
	b.err = err
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *branch) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.done && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(b.queue) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.queue[0])
	if n == len(b.queue[0]) {
		b.queue[0] = nil
		b.queue = b.queue[1:]
	} else {
		b.queue[0] = b.queue[0][n:]
	}
	return n, nil
}

func (b *branch) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	other := b.t.branches[0]
	if other == b {
		other = b.t.branches[1]
	}
	other.mu.Lock()
	bothClosed := other.closed
	other.mu.Unlock()
	if bothClosed {
		b.t.closeSource()
	}
	return nil
}
