package auditexport_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/auditexport"
	"github.com/eyeflow-dev/kernel/broker/pulse"
	"github.com/eyeflow-dev/kernel/signer"
)

type fakeStream struct {
	mu      sync.Mutex
	added   [][]byte
	headers []map[string]string
	fail    bool
}

func (s *fakeStream) Add(ctx context.Context, event string, headers map[string]string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("publish failed")
	}
	s.added = append(s.added, payload)
	s.headers = append(s.headers, headers)
	return "1-0", nil
}

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (pulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error { return nil }

type fakeBuffer struct {
	mu       sync.Mutex
	enqueued int
}

func (b *fakeBuffer) EnqueueAudit(ctx context.Context, event any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued++
	return nil
}

func newChain(t *testing.T) *auditchain.Chain {
	t.Helper()
	s, err := signer.Load("", "", "node-1")
	require.NoError(t, err)
	c, err := auditchain.New("node-1", s)
	require.NoError(t, err)
	return c
}

func TestExporterPublishesAppendedEvents(t *testing.T) {
	client := newFakeClient()
	exporter := auditexport.New(client)
	chain := newChain(t)
	exporter.Register(chain)

	_, err := chain.Append(context.Background(), auditchain.Input{
		WorkflowID: "wf-1",
		EventType:  auditchain.EventExecutionStart,
	})
	require.NoError(t, err)

	stream, err := client.Stream("audit-events.wf-1")
	require.NoError(t, err)
	fs := stream.(*fakeStream)
	require.Len(t, fs.added, 1)

	require.NotContains(t, string(fs.added[0]), "publicKeyPem")
	require.Equal(t, map[string]string{
		"x-event-type":     string(auditchain.EventExecutionStart),
		"x-node-id":        "node-1",
		"x-workflow-id":    "wf-1",
		"x-audit-chain-id": "node-1",
	}, fs.headers[0])
}

func TestExporterFallsBackToOfflineBufferOnPublishFailure(t *testing.T) {
	client := newFakeClient()
	client.streams["audit-events.wf-1"] = &fakeStream{fail: true}
	buf := &fakeBuffer{}
	exporter := auditexport.New(client, auditexport.WithOfflineBuffer(buf))
	chain := newChain(t)
	exporter.Register(chain)

	_, err := chain.Append(context.Background(), auditchain.Input{
		WorkflowID: "wf-1",
		EventType:  auditchain.EventExecutionStart,
	})
	require.NoError(t, err)

	require.Equal(t, 1, buf.enqueued)
}
