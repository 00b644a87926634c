package auditchain_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/signer"
)

func newChain(t *testing.T) *auditchain.Chain {
	t.Helper()
	s, err := signer.Load("", "", "node-1")
	require.NoError(t, err)
	c, err := auditchain.New("node-1", s)
	require.NoError(t, err)
	return c
}

func TestAppendProducesVerifiableChain(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)

	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, auditchain.Input{
			WorkflowID: "wf-1",
			EventType:  auditchain.EventActionTaken,
			InputPayload: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	result := auditchain.VerifyChain(c.Snapshot())
	require.True(t, result.Valid)
	require.Equal(t, 5, result.CheckedCount)
}

func TestGenesisEventLinksToZeroHash(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)

	event, err := c.Append(ctx, auditchain.Input{WorkflowID: "wf-1", EventType: auditchain.EventExecutionStart})
	require.NoError(t, err)
	require.Equal(t, auditchain.VerifyChain([]auditchain.Event{event}).Valid, true)
	require.Len(t, event.PreviousEventHash, 64)
}

func TestTamperedEventIsDetectedAtFirstBrokenIndex(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)

	for i := 0; i < 4; i++ {
		_, err := c.Append(ctx, auditchain.Input{WorkflowID: "wf-1", EventType: auditchain.EventActionTaken})
		require.NoError(t, err)
	}

	events := c.Snapshot()
	events[2].Details = map[string]any{"tampered": true}

	result := auditchain.VerifyChain(events)
	require.False(t, result.Valid)
	require.Equal(t, 2, result.FirstBrokenAt)
	require.Error(t, result.Err)
}

func TestForgedSignatureIsDetected(t *testing.T) {
	ctx := context.Background()
	other, err := signer.Load("", "", "node-2")
	require.NoError(t, err)
	c := newChain(t)

	event, err := c.Append(ctx, auditchain.Input{WorkflowID: "wf-1", EventType: auditchain.EventActionTaken})
	require.NoError(t, err)

	forged := make([]auditchain.Event, 1)
	forged[0] = event
	forgedSig := other.Sign([]byte(event.SelfHash))
	forged[0].Signature = hexEncode(forgedSig)

	result := auditchain.VerifyChain(forged)
	require.False(t, result.Valid)
	require.Equal(t, 0, result.FirstBrokenAt)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func TestAppendIsTotallyOrderedUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c := newChain(t)

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := c.Append(ctx, auditchain.Input{WorkflowID: "wf-1", EventType: auditchain.EventLoopIteration, Details: map[string]any{"i": i}})
			require.NoError(t, err)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	result := auditchain.VerifyChain(c.Snapshot())
	require.True(t, result.Valid)
	require.Equal(t, n, result.CheckedCount)
}

func TestPropertyAppendedChainAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("any sequence of appends yields a verifiable chain", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			c := newChain(t)
			for i := 0; i < n; i++ {
				if _, err := c.Append(ctx, auditchain.Input{WorkflowID: "wf-prop", EventType: auditchain.EventActionTaken}); err != nil {
					return false
				}
			}
			return auditchain.VerifyChain(c.Snapshot()).Valid
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
