package core

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"pkt.systems/shellwarden/schema"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	input   bytes.Buffer
	signals []ProcessSignal
	status  schema.ExitStatus
	done    chan struct{}
	once    sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait(ctx context.Context) (schema.ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, nil
	case <-ctx.Done():
		return schema.ExitStatus{}, ctx.Err()
	}
}

func (p *fakeProcess) Signal(sig ProcessSignal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()
	switch sig {
	case ProcessSignalTERM:
		if !ignore {
			p.exit(schema.ExitStatus{Code: -1, Signal: "terminated"})
		}
	case ProcessSignalKILL:
		p.exit(schema.ExitStatus{Code: -1, Signal: "killed"})
	}
	return nil
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	select {
	case <-p.done:
		return 0, errors.New("process exited")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(data)
}

func (p *fakeProcess) exit(status schema.ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Signals() []ProcessSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProcessSignal(nil), p.signals...)
}

func (p *fakeProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

type fakeLauncher struct {
	mu         sync.Mutex
	initErr    error
	startErrs  []error
	initCalls  int
	starts     int
	procs      []*fakeProcess
	ignoreTerm bool
	banner     string
	started    chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeProcess, 16)}
}

func (l *fakeLauncher) Init(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initCalls++
	return l.initErr
}

func (l *fakeLauncher) Start(_ context.Context, req LaunchRequest) (ProcessHandle, error) {
	l.mu.Lock()
	idx := l.starts
	l.starts++
	if idx < len(l.startErrs) && l.startErrs[idx] != nil {
		err := l.startErrs[idx]
		l.mu.Unlock()
		return nil, err
	}
	proc := newFakeProcess(1000 + idx)
	proc.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, proc)
	banner := l.banner
	l.mu.Unlock()
	if banner != "" && req.Output != nil {
		_, _ = req.Output.WriteString(banner)
	}
	l.started <- proc
	return proc, nil
}

func (l *fakeLauncher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

type memoryStore struct {
	mu     sync.Mutex
	values map[string]bool
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]bool{}}
}

func (m *memoryStore) GetBool(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.values[key], nil
}

func (m *memoryStore) SetBool(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}
