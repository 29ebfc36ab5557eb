package handlers

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// publisher turns controller snapshots into SSE messages. The controller hands it snapshots while
// holding its lock, so enqueue only records the latest one; a single goroutine renders and publishes
// it. Intermediate snapshots may be skipped, the latest one is always sent.
type publisher struct {
	m Main

	mu      sync.Mutex
	pending *session.Snapshot

	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by run.
	transcriptLen int
	draft         string
	controls      controls
}

func newPublisher(m Main, initial session.Snapshot) *publisher {
	p := &publisher{
		m:             m,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		transcriptLen: len(initial.Transcript),
		draft:         initial.Draft,
		controls:      controlsOf(initial),
	}
	go p.run()
	return p
}

func (p *publisher) enqueue(snap session.Snapshot) {
	p.mu.Lock()
	p.pending = &snap
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// close stops the goroutine after it has published the pending snapshot.
func (p *publisher) close() {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.stopped
}

func (p *publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.done:
			p.flush()
			return
		}
	}
}

func (p *publisher) flush() {
	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()

	if snap != nil {
		p.publish(*snap)
	}
}

func (p *publisher) publish(snap session.Snapshot) {
	if len(snap.Transcript) != p.transcriptLen {
		p.transcriptLen = len(snap.Transcript)
		p.send(p.m.transcriptEvent(snap))
	}
	if snap.Draft != p.draft {
		p.draft = snap.Draft
		p.send(p.m.draftEvent(snap))
	}
	if c := controlsOf(snap); c != p.controls {
		p.controls = c
		p.send(p.m.controlsEvent(snap))
	}
}

func (p *publisher) send(msg *sse.Message) {
	if msg == nil {
		return
	}
	if err := p.m.sseSrv.Publish(msg); err != nil {
		p.m.logger.Error("Failed to publish event", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) transcriptEvent(snap session.Snapshot) *sse.Message {
	return m.event(&sse.Message{Type: transcriptSSEType}, "transcript", m.messages(snap.Transcript))
}

func (m Main) draftEvent(snap session.Snapshot) *sse.Message {
	return m.event(&sse.Message{Type: draftSSEType}, "draft", m.renderContent(snap.Draft))
}

func (m Main) controlsEvent(snap session.Snapshot) *sse.Message {
	return m.event(&sse.Message{Type: controlsSSEType}, "controls", controlsOf(snap))
}

// fragments returns every page fragment for snap.
func (m Main) fragments(snap session.Snapshot) []*sse.Message {
	var msgs []*sse.Message
	for _, msg := range []*sse.Message{m.transcriptEvent(snap), m.draftEvent(snap), m.controlsEvent(snap)} {
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// event renders the named partial into msg. It returns nil when the template fails.
func (m Main) event(msg *sse.Message, templateName string, data any) *sse.Message {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, templateName, data); err != nil {
		m.logger.Error("Failed to execute template",
			slog.String("template", templateName),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}
	msg.AppendData(sb.String())
	return msg
}
